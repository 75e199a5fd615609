package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Timestamps are microseconds since epoch, matching package model.
const createTelemetryTable = `
CREATE TABLE IF NOT EXISTS telemetry (
	device_id       UUID    NOT NULL,
	key             TEXT    NOT NULL,
	ts              BIGINT  NOT NULL,
	value           TEXT    NOT NULL,
	received_at     BIGINT  NOT NULL,
	subscription_id INTEGER NOT NULL,
	PRIMARY KEY (device_id, key, ts)
)`

const createHypertable = `
SELECT create_hypertable('telemetry', 'ts',
	chunk_time_interval => 86400000000,
	if_not_exists => TRUE)`

// execer is satisfied by *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ execer = (*pgxpool.Pool)(nil)

// EnsureSchema creates the telemetry table and, when the timescaledb
// extension is installed, turns it into a hypertable.
func EnsureSchema(ctx context.Context, db execer) error {
	if _, err := db.Exec(ctx, createTelemetryTable); err != nil {
		return fmt.Errorf("create telemetry table: %w", err)
	}

	var hasTimescale bool
	err := db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`,
	).Scan(&hasTimescale)
	if err != nil {
		return fmt.Errorf("check timescaledb extension: %w", err)
	}

	if hasTimescale {
		if _, err := db.Exec(ctx, createHypertable); err != nil {
			return fmt.Errorf("create hypertable: %w", err)
		}
	}

	return nil
}
