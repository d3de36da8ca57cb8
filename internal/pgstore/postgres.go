// Package pgstore implements the storage backend on PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq" // PostgreSQL driver

	"github.com/BadgerOps/zonesync/internal/store"
	"github.com/BadgerOps/zonesync/internal/zone"
)

const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 10

	// DefaultMaxIdleConns is the default maximum number of idle connections
	DefaultMaxIdleConns = 5

	// DefaultConnMaxLifetime is the default maximum lifetime of a connection
	DefaultConnMaxLifetime = 5 * time.Minute

	// DefaultPingTimeout is the default timeout for pinging the database
	DefaultPingTimeout = 5 * time.Second
)

var _ store.Backend = (*Store)(nil)

// Config holds database connection settings
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store provides PostgreSQL-backed persistence
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to PostgreSQL, configures the pool and runs migrations
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = DefaultMaxOpenConns
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = DefaultMaxIdleConns
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = DefaultConnMaxLifetime
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()

	if pingErr := db.PingContext(pingCtx); pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", pingErr)
	}

	s := NewWithDB(db, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Postgres store initialized successfully")
	return s, nil
}

// NewWithDB wraps an existing connection without running migrations
func NewWithDB(db *sqlx.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ============================================================================
// Zone Record Operations
// ============================================================================

const upsertRecordsQuery = `INSERT INTO zone_records (domain_name, tld, record_type, record_data, ttl, download_date)
SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::bigint[], $6::date[])
ON CONFLICT (domain_name, tld, record_type, download_date) DO UPDATE SET
	record_data = EXCLUDED.record_data,
	ttl = EXCLUDED.ttl,
	updated_at = NOW()`

// InsertBatch upserts the batch with a single statement. Postgres rejects a
// statement that updates the same row twice, so keys repeated within the
// batch collapse to their last occurrence first.
func (s *Store) InsertBatch(ctx context.Context, records []zone.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	unique := lastByKey(records)
	n := len(unique)
	domains := make(pq.StringArray, n)
	tlds := make(pq.StringArray, n)
	types := make(pq.StringArray, n)
	data := make(pq.StringArray, n)
	ttls := make(pq.Int64Array, n)
	dates := make(pq.StringArray, n)

	for i, rec := range unique {
		domains[i] = rec.DomainName
		tlds[i] = rec.TLD
		types[i] = rec.RecordType
		data[i] = rec.RecordData
		ttls[i] = int64(rec.TTL)
		dates[i] = store.DateKey(rec.DownloadDate)
	}

	if _, err := s.db.ExecContext(ctx, upsertRecordsQuery, domains, tlds, types, data, ttls, dates); err != nil {
		return 0, fmt.Errorf("failed to upsert zone records: %w", err)
	}

	return len(records), nil
}

// lastByKey drops earlier occurrences of repeated keys, keeping input order
// of the survivors.
func lastByKey(records []zone.Record) []zone.Record {
	last := make(map[string]int, len(records))
	for i, rec := range records {
		last[rec.Key()] = i
	}
	if len(last) == len(records) {
		return records
	}
	out := make([]zone.Record, 0, len(last))
	for i, rec := range records {
		if last[rec.Key()] == i {
			out = append(out, rec)
		}
	}
	return out
}

type recordRow struct {
	DomainName   string    `db:"domain_name"`
	TLD          string    `db:"tld"`
	RecordType   string    `db:"record_type"`
	RecordData   string    `db:"record_data"`
	TTL          int64     `db:"ttl"`
	DownloadDate time.Time `db:"download_date"`
}

func (r recordRow) toRecord() zone.Record {
	return zone.Record{
		DomainName:   r.DomainName,
		TLD:          r.TLD,
		RecordType:   r.RecordType,
		RecordData:   r.RecordData,
		TTL:          uint32(r.TTL),
		DownloadDate: r.DownloadDate.UTC(),
	}
}

// ListRecords returns stored records matching the filter
func (s *Store) ListRecords(ctx context.Context, f store.RecordFilter) ([]zone.Record, error) {
	var clauses []string
	var args []any

	if f.TLD != "" {
		clauses = append(clauses, "tld = ?")
		args = append(args, f.TLD)
	}
	if f.DomainName != "" {
		clauses = append(clauses, "domain_name = ?")
		args = append(args, f.DomainName)
	}
	if f.RecordType != "" {
		clauses = append(clauses, "record_type = ?")
		args = append(args, f.RecordType)
	}

	query := "SELECT domain_name, tld, record_type, record_data, ttl, download_date FROM zone_records"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY download_date DESC, domain_name, record_type"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query zone records: %w", err)
	}

	records := make([]zone.Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, r.toRecord())
	}
	return records, nil
}

// RecordStats returns record counts per TLD and the time of the last completed download
func (s *Store) RecordStats(ctx context.Context) (*store.Stats, error) {
	stats := &store.Stats{TLDs: []store.TLDCount{}}

	if err := s.db.GetContext(ctx, &stats.TotalRecords, "SELECT COUNT(*) FROM zone_records"); err != nil {
		return nil, fmt.Errorf("failed to count zone records: %w", err)
	}

	if err := s.db.SelectContext(ctx, &stats.TLDs,
		"SELECT tld, COUNT(*) AS records FROM zone_records GROUP BY tld ORDER BY tld",
	); err != nil {
		return nil, fmt.Errorf("failed to count records by tld: %w", err)
	}

	var last sql.NullTime
	if err := s.db.GetContext(ctx, &last,
		"SELECT MAX(completed_at) FROM download_logs WHERE status <> $1", store.StatusFailed,
	); err != nil {
		return nil, fmt.Errorf("failed to query last download: %w", err)
	}
	if last.Valid {
		stats.LastDownload = last.Time
	}

	return stats, nil
}

// ============================================================================
// Download Log Operations
// ============================================================================

type downloadLogRow struct {
	ID            int64     `db:"id"`
	RunID         string    `db:"run_id"`
	TLD           string    `db:"tld"`
	FileSize      int64     `db:"file_size"`
	RecordsCount  int64     `db:"records_count"`
	DownloadMS    int64     `db:"download_ms"`
	ParseMS       int64     `db:"parse_ms"`
	Status        string    `db:"status"`
	ErrorMessage  string    `db:"error_message"`
	Warnings      int       `db:"warnings"`
	BatchFailures int       `db:"batch_failures"`
	StartedAt     time.Time `db:"started_at"`
	CompletedAt   time.Time `db:"completed_at"`
}

func (r downloadLogRow) toLog() store.DownloadLog {
	return store.DownloadLog{
		ID:               r.ID,
		RunID:            r.RunID,
		TLD:              r.TLD,
		FileSize:         r.FileSize,
		RecordsCount:     r.RecordsCount,
		DownloadDuration: time.Duration(r.DownloadMS) * time.Millisecond,
		ParseDuration:    time.Duration(r.ParseMS) * time.Millisecond,
		Status:           r.Status,
		ErrorMessage:     r.ErrorMessage,
		Warnings:         r.Warnings,
		BatchFailures:    r.BatchFailures,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
	}
}

// LogDownload inserts a finalized DownloadLog and sets its ID
func (s *Store) LogDownload(ctx context.Context, log *store.DownloadLog) error {
	query := `
		INSERT INTO download_logs (
			run_id, tld, file_size, records_count, download_ms, parse_ms,
			status, error_message, warnings, batch_failures, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`

	err := s.db.GetContext(ctx, &log.ID, query,
		log.RunID, log.TLD, log.FileSize, log.RecordsCount,
		log.DownloadDuration.Milliseconds(), log.ParseDuration.Milliseconds(),
		log.Status, log.ErrorMessage, log.Warnings, log.BatchFailures,
		log.StartedAt, log.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert download log: %w", err)
	}
	return nil
}

// ListDownloadLogs retrieves download logs newest first, optionally filtered by TLD
func (s *Store) ListDownloadLogs(ctx context.Context, tld string, limit int) ([]store.DownloadLog, error) {
	query := "SELECT id, run_id, tld, file_size, records_count, download_ms, parse_ms, status, " +
		"error_message, warnings, batch_failures, started_at, completed_at FROM download_logs"
	var args []any

	if tld != "" {
		query += " WHERE tld = ?"
		args = append(args, tld)
	}
	query += " ORDER BY started_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []downloadLogRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query download logs: %w", err)
	}

	logs := make([]store.DownloadLog, 0, len(rows))
	for _, r := range rows {
		logs = append(logs, r.toLog())
	}
	return logs, nil
}

// ============================================================================
// Run Operations
// ============================================================================

// CreateRun inserts a new Run and sets its ID
func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	query := `
		INSERT INTO runs (
			run_id, triggered_by, start_time, end_time, total_tlds, successful,
			partial, failed, records_inserted, status, error_message
		) VALUES (
			:run_id, :triggered_by, :start_time, :end_time, :total_tlds, :successful,
			:partial, :failed, :records_inserted, :status, :error_message
		) RETURNING id
	`

	rows, err := s.db.NamedQueryContext(ctx, query, run)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		return errors.New("failed to insert run: no id returned")
	}
	if err := rows.Scan(&run.ID); err != nil {
		return fmt.Errorf("failed to scan run id: %w", err)
	}
	return nil
}

// UpdateRun updates an existing Run by its run ID
func (s *Store) UpdateRun(ctx context.Context, run *store.Run) error {
	query := `
		UPDATE runs SET
			end_time = :end_time, total_tlds = :total_tlds, successful = :successful,
			partial = :partial, failed = :failed, records_inserted = :records_inserted,
			status = :status, error_message = :error_message
		WHERE run_id = :run_id
	`

	result, err := s.db.NamedExecContext(ctx, query, run)
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
func (s *Store) ListRuns(ctx context.Context, limit int) ([]store.Run, error) {
	query := "SELECT id, run_id, triggered_by, start_time, end_time, total_tlds, successful, partial, " +
		"failed, records_inserted, status, error_message FROM runs ORDER BY start_time DESC, id DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	runs := []store.Run{}
	if err := s.db.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	return runs, nil
}

// ============================================================================
// Setting Operations
// ============================================================================

// GetSetting returns the value stored under key and whether it exists
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM settings WHERE key = $1", key)
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
	query := `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to store setting %s: %w", key, err)
	}
	return nil
}
