package store

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id              TEXT PRIMARY KEY,
		model           TEXT NOT NULL,
		status          TEXT NOT NULL,
		chains          INTEGER NOT NULL,
		iterations      INTEGER NOT NULL,
		acceptance_rate DOUBLE PRECISION NOT NULL,
		duration_ms     BIGINT NOT NULL,
		config          TEXT NOT NULL,
		error           TEXT NOT NULL,
		created_at      TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS run_parameters (
		run_id  TEXT NOT NULL REFERENCES runs(id),
		idx     INTEGER NOT NULL,
		mean    DOUBLE PRECISION,
		std_dev DOUBLE PRECISION,
		q16     DOUBLE PRECISION,
		q50     DOUBLE PRECISION,
		q84     DOUBLE PRECISION,
		rhat    DOUBLE PRECISION,
		ess     DOUBLE PRECISION,
		PRIMARY KEY (run_id, idx)
	)`,
	`CREATE INDEX IF NOT EXISTS runs_created_at ON runs (created_at)`,
}

// Migrate creates the tables if they do not exist. It is idempotent.
func Migrate(ctx context.Context, p *Pool) error {
	for i, stmt := range schema {
		if _, err := p.DB().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
