// Package database provides the TimescaleDB connection pool and schema for
// collected telemetry.
//
// Each collector writes to one database:
//   - telemetry: one row per (device, key, device timestamp), a hypertable
//     partitioned on ts when the TimescaleDB extension is available
package database
