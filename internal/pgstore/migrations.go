package pgstore

import (
	"context"
	"fmt"
)

var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
			CREATE TABLE IF NOT EXISTS zone_records (
				domain_name TEXT NOT NULL,
				tld TEXT NOT NULL,
				record_type TEXT NOT NULL,
				record_data TEXT NOT NULL,
				ttl BIGINT NOT NULL,
				download_date DATE NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (domain_name, tld, record_type, download_date)
			);
			CREATE INDEX IF NOT EXISTS idx_zone_records_tld ON zone_records (tld, download_date);

			CREATE TABLE IF NOT EXISTS runs (
				id BIGSERIAL PRIMARY KEY,
				run_id TEXT NOT NULL UNIQUE,
				triggered_by TEXT NOT NULL DEFAULT 'manual',
				start_time TIMESTAMPTZ NOT NULL,
				end_time TIMESTAMPTZ NOT NULL,
				total_tlds INTEGER NOT NULL DEFAULT 0,
				successful INTEGER NOT NULL DEFAULT 0,
				partial INTEGER NOT NULL DEFAULT 0,
				failed INTEGER NOT NULL DEFAULT 0,
				records_inserted BIGINT NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'running',
				error_message TEXT NOT NULL DEFAULT ''
			);

			CREATE TABLE IF NOT EXISTS download_logs (
				id BIGSERIAL PRIMARY KEY,
				run_id TEXT NOT NULL,
				tld TEXT NOT NULL,
				file_size BIGINT NOT NULL DEFAULT 0,
				records_count BIGINT NOT NULL DEFAULT 0,
				download_ms BIGINT NOT NULL DEFAULT 0,
				parse_ms BIGINT NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				error_message TEXT NOT NULL DEFAULT '',
				warnings INTEGER NOT NULL DEFAULT 0,
				batch_failures INTEGER NOT NULL DEFAULT 0,
				started_at TIMESTAMPTZ NOT NULL,
				completed_at TIMESTAMPTZ NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_download_logs_tld ON download_logs (tld, started_at);
			CREATE INDEX IF NOT EXISTS idx_download_logs_run ON download_logs (run_id);
		`,
	},
	{
		version: 2,
		sql: `
			CREATE TABLE IF NOT EXISTS settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
		`,
	},
}

// Migrate runs all pending migrations
func (s *Store) Migrate(ctx context.Context) error {
	createSQL := `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`
	if _, err := s.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	if err := s.db.GetContext(ctx, &current, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations"); err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Info("Current schema version", "version", current)

	for _, mig := range migrations {
		if mig.version <= current {
			continue
		}
		s.logger.Info("Running migration", "version", mig.version)
		if err := s.runMigration(ctx, mig.version, mig.sql); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
		}
	}

	return nil
}

func (s *Store) runMigration(ctx context.Context, version int, sql string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}
	return nil
}
