package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS trades (
        id        BIGSERIAL PRIMARY KEY,
        price     NUMERIC NOT NULL,
        quantity  NUMERIC NOT NULL,
        is_sale   BOOLEAN NOT NULL,
        traded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
	`CREATE INDEX IF NOT EXISTS trades_traded_at_idx ON trades (traded_at);`,
	`CREATE TABLE IF NOT EXISTS open_interest (
        minute_bucket BIGINT PRIMARY KEY,
        value         NUMERIC NOT NULL,
        updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
	`CREATE TABLE IF NOT EXISTS settings (
        key        TEXT PRIMARY KEY,
        value      NUMERIC NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
}

// EnsureSchema creates missing tables and indexes. Safe to run on every boot.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	for i, stmt := range schemaStatements {
		if _, execErr := pool.Exec(ctx, stmt); execErr != nil {
			return fmt.Errorf("ensure schema step %d: %w", i+1, execErr)
		}
	}
	return nil
}
