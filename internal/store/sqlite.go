package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BadgerOps/zonesync/internal/zone"

	_ "modernc.org/sqlite"
)

var _ Backend = (*Store)(nil)

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer, and :memory: databases are per-connection.
	db.SetMaxOpenConns(1)

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	// Run migrations
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Store initialized successfully", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Zone Record Operations
// ============================================================================

// InsertBatch upserts records in a single transaction. A record whose key
// already exists replaces the stored data and TTL.
func (s *Store) InsertBatch(ctx context.Context, records []zone.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	const query = `
		INSERT INTO zone_records (
			domain_name, tld, record_type, record_data, ttl, download_date
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain_name, tld, record_type, download_date) DO UPDATE SET
			record_data = excluded.record_data,
			ttl = excluded.ttl,
			updated_at = CURRENT_TIMESTAMP
	`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.DomainName, rec.TLD, rec.RecordType, rec.RecordData,
			rec.TTL, DateKey(rec.DownloadDate),
		); err != nil {
			return 0, fmt.Errorf("failed to insert record %s: %w", rec.DomainName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}

	return len(records), nil
}

// ListRecords returns stored records matching the filter
func (s *Store) ListRecords(ctx context.Context, f RecordFilter) ([]zone.Record, error) {
	query := `
		SELECT domain_name, tld, record_type, record_data, ttl, download_date
		FROM zone_records WHERE 1 = 1
	`
	var args []interface{}

	if f.TLD != "" {
		query += " AND tld = ?"
		args = append(args, f.TLD)
	}
	if f.DomainName != "" {
		query += " AND domain_name = ?"
		args = append(args, f.DomainName)
	}
	if f.RecordType != "" {
		query += " AND record_type = ?"
		args = append(args, f.RecordType)
	}

	query += " ORDER BY download_date DESC, domain_name, record_type"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query zone records: %w", err)
	}
	defer rows.Close()

	var records []zone.Record
	for rows.Next() {
		var rec zone.Record
		var date string
		if err := rows.Scan(
			&rec.DomainName, &rec.TLD, &rec.RecordType, &rec.RecordData, &rec.TTL, &date,
		); err != nil {
			return nil, fmt.Errorf("failed to scan zone record: %w", err)
		}
		if rec.DownloadDate, err = time.Parse("2006-01-02", date); err != nil {
			return nil, fmt.Errorf("failed to parse download date %q: %w", date, err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating zone records: %w", err)
	}

	return records, nil
}

// RecordStats returns record counts per TLD and the time of the last completed download
func (s *Store) RecordStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{TLDs: []TLDCount{}}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM zone_records").Scan(&stats.TotalRecords); err != nil {
		return nil, fmt.Errorf("failed to count zone records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT tld, COUNT(*) FROM zone_records GROUP BY tld ORDER BY tld")
	if err != nil {
		return nil, fmt.Errorf("failed to count records by tld: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c TLDCount
		if err := rows.Scan(&c.TLD, &c.Records); err != nil {
			return nil, fmt.Errorf("failed to scan tld count: %w", err)
		}
		stats.TLDs = append(stats.TLDs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tld counts: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT completed_at FROM download_logs WHERE status != ? ORDER BY completed_at DESC LIMIT 1",
		StatusFailed,
	).Scan(&stats.LastDownload)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to query last download: %w", err)
	}

	return stats, nil
}

// ============================================================================
// Download Log Operations
// ============================================================================

// LogDownload inserts a finalized DownloadLog and sets its ID
func (s *Store) LogDownload(ctx context.Context, log *DownloadLog) error {
	const query = `
		INSERT INTO download_logs (
			run_id, tld, file_size, records_count, download_ms, parse_ms,
			status, error_message, warnings, batch_failures, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx,
		query,
		log.RunID, log.TLD, log.FileSize, log.RecordsCount,
		log.DownloadDuration.Milliseconds(), log.ParseDuration.Milliseconds(),
		log.Status, log.ErrorMessage, log.Warnings, log.BatchFailures,
		log.StartedAt, log.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert download log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	log.ID = id
	return nil
}

// ListDownloadLogs retrieves download logs newest first, optionally filtered by TLD
func (s *Store) ListDownloadLogs(ctx context.Context, tld string, limit int) ([]DownloadLog, error) {
	query := `
		SELECT id, run_id, tld, file_size, records_count, download_ms, parse_ms,
		       status, COALESCE(error_message, ''), warnings, batch_failures,
		       started_at, completed_at
		FROM download_logs
	`
	var args []interface{}

	if tld != "" {
		query += " WHERE tld = ?"
		args = append(args, tld)
	}

	query += " ORDER BY started_at DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query download logs: %w", err)
	}
	defer rows.Close()

	var logs []DownloadLog
	for rows.Next() {
		var l DownloadLog
		var downloadMS, parseMS int64
		err := rows.Scan(
			&l.ID, &l.RunID, &l.TLD, &l.FileSize, &l.RecordsCount, &downloadMS, &parseMS,
			&l.Status, &l.ErrorMessage, &l.Warnings, &l.BatchFailures,
			&l.StartedAt, &l.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download log: %w", err)
		}
		l.DownloadDuration = time.Duration(downloadMS) * time.Millisecond
		l.ParseDuration = time.Duration(parseMS) * time.Millisecond
		logs = append(logs, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating download logs: %w", err)
	}

	return logs, nil
}

// ============================================================================
// Run Operations
// ============================================================================

// CreateRun inserts a new Run and sets its ID
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	const query = `
		INSERT INTO runs (
			run_id, triggered_by, start_time, end_time, total_tlds, successful,
			partial, failed, records_inserted, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx,
		query,
		run.RunID, run.Trigger, run.StartTime, run.EndTime, run.TotalTLDs,
		run.Successful, run.Partial, run.Failed, run.RecordsInserted,
		run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateRun updates an existing Run by its run ID
func (s *Store) UpdateRun(ctx context.Context, run *Run) error {
	const query = `
		UPDATE runs SET
			end_time = ?, total_tlds = ?, successful = ?, partial = ?, failed = ?,
			records_inserted = ?, status = ?, error_message = ?
		WHERE run_id = ?
	`

	result, err := s.db.ExecContext(ctx,
		query,
		run.EndTime, run.TotalTLDs, run.Successful, run.Partial, run.Failed,
		run.RecordsInserted, run.Status, run.ErrorMessage, run.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("run not found: %s", run.RunID)
	}

	return nil
}

// ListRuns retrieves runs newest first
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `
		SELECT id, run_id, triggered_by, start_time, end_time, total_tlds, successful,
		       partial, failed, records_inserted, status, COALESCE(error_message, '')
		FROM runs ORDER BY start_time DESC, id DESC
	`
	var args []interface{}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run := Run{}
		err := rows.Scan(
			&run.ID, &run.RunID, &run.Trigger, &run.StartTime, &run.EndTime,
			&run.TotalTLDs, &run.Successful, &run.Partial, &run.Failed,
			&run.RecordsInserted, &run.Status, &run.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// Setting Operations
// ============================================================================

// GetSetting returns the value stored under key and whether it exists
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to query setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting stores value under key, replacing any previous value
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const query = `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to store setting %s: %w", key, err)
	}
	return nil
}
