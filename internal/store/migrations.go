package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	// Create migrations table if it doesn't exist
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get the current schema version
	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Info("Current schema version", "version", currentVersion)

	// Define all migrations
	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE zone_records (
					domain_name TEXT NOT NULL,
					tld TEXT NOT NULL,
					record_type TEXT NOT NULL,
					record_data TEXT NOT NULL,
					ttl INTEGER NOT NULL,
					download_date TEXT NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (domain_name, tld, record_type, download_date)
				);

				CREATE INDEX idx_zone_records_tld ON zone_records(tld, download_date);

				CREATE TABLE runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL UNIQUE,
					triggered_by TEXT NOT NULL DEFAULT 'manual',
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					total_tlds INTEGER DEFAULT 0,
					successful INTEGER DEFAULT 0,
					partial INTEGER DEFAULT 0,
					failed INTEGER DEFAULT 0,
					records_inserted INTEGER DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_message TEXT
				);

				CREATE TABLE download_logs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL,
					tld TEXT NOT NULL,
					file_size INTEGER DEFAULT 0,
					records_count INTEGER DEFAULT 0,
					download_ms INTEGER DEFAULT 0,
					parse_ms INTEGER DEFAULT 0,
					status TEXT NOT NULL,
					error_message TEXT,
					warnings INTEGER DEFAULT 0,
					batch_failures INTEGER DEFAULT 0,
					started_at DATETIME NOT NULL,
					completed_at DATETIME NOT NULL
				);

				CREATE INDEX idx_download_logs_tld ON download_logs(tld, started_at);
				CREATE INDEX idx_download_logs_run ON download_logs(run_id);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE settings (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
	}

	// Run pending migrations
	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("Running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}

			s.logger.Info("Migration completed", "version", mig.version)
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Execute the migration SQL
	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	// Record the migration
	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
