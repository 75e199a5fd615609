// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns one long-lived WebSocket to the ThingsBoard telemetry plugin
//     (/api/ws/plugins/telemetry)
//   - Resolves the bearer token and rebuilds the endpoint URL on every
//     (re)connect attempt, so expired credentials are refreshed transparently
//   - Reconnects with jittered backoff after transport failures
//   - Issues per-connection correlation ids (cmdId / subscriptionId)
//   - Dispatches inbound messages, in arrival order, to registered listeners
//
// Transport failures are reported to error observers registered with
// Conn.OnError rather than returned from background goroutines.
package connection
