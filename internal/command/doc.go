// Package command implements the Command Correlator component.
//
// The Command Correlator:
//   - Sends one or more named groups of commands as a single outbound message
//   - Tracks every correlation id the batch introduced
//   - Resolves once all ids are answered, in any order, preserving the
//     input shape (key -> ordered payloads)
//   - Rejects the whole batch on a service error, an undecodable message,
//     a timeout, connection close, or context cancellation
//
// Correlation uses cmdId for ordinary requests and subscriptionId for
// subscription setup, matching the server's echo convention.
package command
