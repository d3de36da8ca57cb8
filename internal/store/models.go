package store

import (
	"context"
	"strings"
	"time"

	"github.com/BadgerOps/zonesync/internal/zone"
)

// Status values shared by runs and download logs.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// SettingAutoDownload is the settings key of the scheduled download flag.
const SettingAutoDownload = "auto_download_enabled"

// Run records one execution of the pipeline across all TLDs
type Run struct {
	ID              int64     `json:"id" db:"id"`
	RunID           string    `json:"run_id" db:"run_id"`
	Trigger         string    `json:"trigger" db:"triggered_by"` // "manual", "scheduled", "retry", "cli"
	StartTime       time.Time `json:"start_time" db:"start_time"`
	EndTime         time.Time `json:"end_time" db:"end_time"`
	TotalTLDs       int       `json:"total_tlds" db:"total_tlds"`
	Successful      int       `json:"successful" db:"successful"`
	Partial         int       `json:"partial" db:"partial"`
	Failed          int       `json:"failed" db:"failed"`
	RecordsInserted int64     `json:"records_inserted" db:"records_inserted"`
	Status          string    `json:"status" db:"status"` // "running", "success", "partial", "failed"
	ErrorMessage    string    `json:"error_message,omitempty" db:"error_message"`
}

// DownloadLog records the outcome of one TLD within a run
type DownloadLog struct {
	ID               int64         `json:"id"`
	RunID            string        `json:"run_id"`
	TLD              string        `json:"tld"`
	FileSize         int64         `json:"file_size"`
	RecordsCount     int64         `json:"records_count"`
	DownloadDuration time.Duration `json:"download_duration"`
	ParseDuration    time.Duration `json:"parse_duration"`
	Status           string        `json:"status"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	Warnings         int           `json:"warnings"`
	BatchFailures    int           `json:"batch_failures"`
	StartedAt        time.Time     `json:"started_at"`
	CompletedAt      time.Time     `json:"completed_at"`
}

// TLDCount is the number of stored records for one TLD
type TLDCount struct {
	TLD     string `json:"tld" db:"tld"`
	Records int64  `json:"records" db:"records"`
}

// Stats summarizes stored zone data
type Stats struct {
	TotalRecords int64      `json:"total_records"`
	TLDs         []TLDCount `json:"tlds"`
	LastDownload time.Time  `json:"last_download"`
}

// RecordFilter selects stored records
type RecordFilter struct {
	TLD        string
	DomainName string
	RecordType string
	Limit      int
}

// Comparison selects a page of the domains that differ between two
// snapshots of one TLD.
type Comparison struct {
	TLD     string
	OldDate time.Time
	NewDate time.Time
	Limit   int
	Offset  int
}

// DomainPage is one page of domain names plus the total that matched.
type DomainPage struct {
	Domains []string `json:"domains"`
	Total   int64    `json:"total"`
}

// ChangeSummary counts how a TLD's domain set moved between two snapshots.
type ChangeSummary struct {
	TLD      string `json:"tld"`
	OldDate  string `json:"old_date"`
	NewDate  string `json:"new_date"`
	OldCount int64  `json:"old_count"`
	NewCount int64  `json:"new_count"`
	Dropped  int64  `json:"dropped"`
	Added    int64  `json:"added"`
	// Modified counts domains present on both dates with at least one
	// record type whose data changed.
	Modified  int64 `json:"modified"`
	NetChange int64 `json:"net_change"`
}

// SearchQuery is a substring match on domain names. Query is taken
// literally; LIKE wildcards in it are escaped.
type SearchQuery struct {
	Query      string
	TLD        string
	RecordType string
	Limit      int
	Offset     int
}

// RecordPage is one page of records plus the total that matched.
type RecordPage struct {
	Records []zone.Record
	Total   int64
}

// TypeCount is the number of stored records of one record type
type TypeCount struct {
	Type  string `json:"type" db:"record_type"`
	Count int64  `json:"count" db:"count"`
}

// Analytics reads across stored snapshots.
type Analytics interface {
	AvailableTLDs(ctx context.Context) ([]string, error)
	// AvailableDates lists snapshot dates, newest first. An empty tld
	// covers every TLD.
	AvailableDates(ctx context.Context, tld string) ([]time.Time, error)
	// DroppedDomains pages domains present on OldDate and absent on NewDate.
	DroppedDomains(ctx context.Context, c Comparison) (*DomainPage, error)
	// NewDomains pages domains present on NewDate and absent on OldDate.
	NewDomains(ctx context.Context, c Comparison) (*DomainPage, error)
	CompareSnapshots(ctx context.Context, tld string, oldDate, newDate time.Time) (*ChangeSummary, error)
	SearchRecords(ctx context.Context, q SearchQuery) (*RecordPage, error)
	RecordTypeStats(ctx context.Context) ([]TypeCount, error)
}

// Backend is the storage surface used by the pipeline, scheduler and API.
// Records are upserted on (domain_name, tld, record_type, download_date)
// with last-write-wins semantics.
type Backend interface {
	InsertBatch(ctx context.Context, records []zone.Record) (int, error)
	ListRecords(ctx context.Context, f RecordFilter) ([]zone.Record, error)
	RecordStats(ctx context.Context) (*Stats, error)

	LogDownload(ctx context.Context, log *DownloadLog) error
	ListDownloadLogs(ctx context.Context, tld string, limit int) ([]DownloadLog, error)

	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	Analytics

	Close() error
}

// DateKey formats a download date the way it is stored.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// LikePattern turns a literal substring into a LIKE pattern that escapes
// with a backslash.
func LikePattern(sub string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(sub) + "%"
}
