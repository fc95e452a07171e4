package db

import (
	"context"
	"database/sql"
)

// MigrateUp creates the rate limit schema. It is idempotent.
func MigrateUp(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS rate_limit_windows (
    actor_key     TEXT        NOT NULL,
    module        TEXT        NOT NULL,
    count         INTEGER     NOT NULL DEFAULT 0 CHECK (count >= 0),
    window_start  TIMESTAMPTZ NOT NULL,
    window_end    TIMESTAMPTZ NOT NULL,
    blocked_until TIMESTAMPTZ,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (actor_key, module)
)`); err != nil {
		return err
	}

	indexes := []string{
		// module-wide resets
		`CREATE INDEX IF NOT EXISTS idx_rate_limit_windows_module ON rate_limit_windows(module)`,
		// currently blocked actors
		`CREATE INDEX IF NOT EXISTS idx_rate_limit_windows_blocked ON rate_limit_windows(blocked_until) WHERE blocked_until IS NOT NULL`,
		// expired window purge
		`CREATE INDEX IF NOT EXISTS idx_rate_limit_windows_window_end ON rate_limit_windows(window_end)`,
	}
	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return err
		}
	}

	return nil
}

// MigrateDown drops the rate limit schema.
// Use with caution: this deletes all stored windows and blocks.
func MigrateDown(ctx context.Context, db *sql.DB) error {
	dropStatements := []string{
		`DROP INDEX IF EXISTS idx_rate_limit_windows_window_end`,
		`DROP INDEX IF EXISTS idx_rate_limit_windows_blocked`,
		`DROP INDEX IF EXISTS idx_rate_limit_windows_module`,
		`DROP TABLE IF EXISTS rate_limit_windows`,
	}

	for _, stmt := range dropStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}
