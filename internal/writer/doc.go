// Package writer implements the batch writer for collected telemetry.
//
// Writers:
//   - Telemetry writer (TimescaleDB): one row per point of every
//     subscription push
//
// All writers use append-only semantics (never update, only insert).
// Duplicate points, e.g. the latest values re-sent after a resubscribe,
// are absorbed by ON CONFLICT DO NOTHING.
package writer
