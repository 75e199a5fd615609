// Package model defines shared data types used across the telemetry client.
//
// Conventions:
//   - Timestamps: int64 microseconds since Unix epoch (ThingsBoard sends
//     milliseconds; conversion happens at parse time)
//   - IDs: uuid.UUID for entity ids
//   - Values: string, as ThingsBoard delivers them (numbers stay textual)
package model
