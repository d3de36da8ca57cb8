package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/BadgerOps/zonesync/internal/zone"
)

// newTestStore creates an in-memory SQLite store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testDate = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

func testRecord(domain, rtype, data string) zone.Record {
	return zone.Record{
		DomainName:   domain,
		TLD:          "com",
		RecordType:   rtype,
		RecordData:   data,
		TTL:          172800,
		DownloadDate: testDate,
	}
}

// ============================================================================
// Store Lifecycle Tests
// ============================================================================

func TestNew(t *testing.T) {
	store := newTestStore(t)

	if store.db == nil {
		t.Error("Expected db to be initialized")
	}

	var version int
	if err := store.db.QueryRow("SELECT MAX(version) FROM migrations").Scan(&version); err != nil {
		t.Fatalf("failed to read migrations: %v", err)
	}
	if version != 2 {
		t.Errorf("schema version = %d, want 2", version)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	store := newTestStore(t)

	if err := store.migrate(); err != nil {
		t.Fatalf("second migrate() failed: %v", err)
	}

	var count int
	if err := store.db.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&count); err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if count != 2 {
		t.Errorf("migrations recorded = %d, want 2", count)
	}
}

func TestClose(t *testing.T) {
	store, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if _, err := store.ListRuns(context.Background(), 0); err == nil {
		t.Error("Expected error when using closed store, but got nil")
	}
}

// ============================================================================
// Zone Record Tests
// ============================================================================

func TestInsertBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	records := []zone.Record{
		testRecord("example.com", "NS", "ns1.example.net."),
		testRecord("example.com", "A", "192.0.2.1"),
		testRecord("other.com", "MX", "10 mail.other.com."),
	}

	n, err := store.InsertBatch(ctx, records)
	if err != nil {
		t.Fatalf("InsertBatch() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("inserted = %d, want 3", n)
	}

	got, err := store.ListRecords(ctx, RecordFilter{DomainName: "example.com"})
	if err != nil {
		t.Fatalf("ListRecords() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records for example.com, got %d", len(got))
	}
	// Ordered by record type within a date
	if got[0].RecordType != "A" || got[1].RecordType != "NS" {
		t.Errorf("unexpected order: %+v", got)
	}
	if !got[1].DownloadDate.Equal(testDate) || got[1].TTL != 172800 {
		t.Errorf("unexpected record: %+v", got[1])
	}
}

func TestInsertBatchEmpty(t *testing.T) {
	store := newTestStore(t)
	n, err := store.InsertBatch(context.Background(), nil)
	if err != nil || n != 0 {
		t.Fatalf("InsertBatch(nil) = %d, %v", n, err)
	}
}

func TestInsertBatchUpsertLastWriteWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := testRecord("example.com", "NS", "ns1.example.net.")
	second := first
	second.RecordData = "ns2.example.net."
	second.TTL = 3600

	if _, err := store.InsertBatch(ctx, []zone.Record{first}); err != nil {
		t.Fatalf("first InsertBatch() failed: %v", err)
	}
	if _, err := store.InsertBatch(ctx, []zone.Record{second}); err != nil {
		t.Fatalf("second InsertBatch() failed: %v", err)
	}

	got, err := store.ListRecords(ctx, RecordFilter{TLD: "com"})
	if err != nil {
		t.Fatalf("ListRecords() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one row per key, got %d", len(got))
	}
	if got[0].RecordData != "ns2.example.net." || got[0].TTL != 3600 {
		t.Errorf("expected last write to win, got %+v", got[0])
	}
}

func TestInsertBatchDuplicatesWithinBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("example.com", "NS", "ns1.example.net.")
	if _, err := store.InsertBatch(ctx, []zone.Record{rec, rec}); err != nil {
		t.Fatalf("InsertBatch() failed: %v", err)
	}

	stats, err := store.RecordStats(ctx)
	if err != nil {
		t.Fatalf("RecordStats() failed: %v", err)
	}
	if stats.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1", stats.TotalRecords)
	}
}

func TestInsertBatchKeepsDistinctDates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testRecord("example.com", "NS", "ns1.example.net.")
	b := a
	b.DownloadDate = testDate.AddDate(0, 0, 1)

	if _, err := store.InsertBatch(ctx, []zone.Record{a, b}); err != nil {
		t.Fatalf("InsertBatch() failed: %v", err)
	}

	got, err := store.ListRecords(ctx, RecordFilter{DomainName: "example.com"})
	if err != nil {
		t.Fatalf("ListRecords() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if !got[0].DownloadDate.Equal(b.DownloadDate) {
		t.Errorf("expected newest date first, got %v", got[0].DownloadDate)
	}
}

func TestInsertBatchCancelled(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.InsertBatch(ctx, []zone.Record{testRecord("a.com", "NS", "x.")}); err == nil {
		t.Fatal("expected error with cancelled context")
	}
}

func TestListRecordsFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var records []zone.Record
	for i := 0; i < 10; i++ {
		records = append(records, testRecord(fmt.Sprintf("d%d.com", i), "NS", "ns."))
	}
	netRec := testRecord("example.net", "NS", "ns.")
	netRec.TLD = "net"
	records = append(records, netRec, testRecord("d0.com", "A", "192.0.2.1"))

	if _, err := store.InsertBatch(ctx, records); err != nil {
		t.Fatalf("InsertBatch() failed: %v", err)
	}

	tests := []struct {
		name   string
		filter RecordFilter
		want   int
	}{
		{"all", RecordFilter{}, 12},
		{"by tld", RecordFilter{TLD: "net"}, 1},
		{"by type", RecordFilter{TLD: "com", RecordType: "NS"}, 10},
		{"by domain", RecordFilter{DomainName: "d0.com"}, 2},
		{"limit", RecordFilter{TLD: "com", Limit: 3}, 3},
		{"no match", RecordFilter{TLD: "org"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListRecords(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListRecords() failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d records, want %d", len(got), tt.want)
			}
		})
	}
}

func TestRecordStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stats, err := store.RecordStats(ctx)
	if err != nil {
		t.Fatalf("RecordStats() on empty store failed: %v", err)
	}
	if stats.TotalRecords != 0 || len(stats.TLDs) != 0 || !stats.LastDownload.IsZero() {
		t.Errorf("unexpected empty stats: %+v", stats)
	}

	netRec := testRecord("example.net", "NS", "ns.")
	netRec.TLD = "net"
	records := []zone.Record{
		testRecord("a.com", "NS", "ns."),
		testRecord("b.com", "NS", "ns."),
		netRec,
	}
	if _, err := store.InsertBatch(ctx, records); err != nil {
		t.Fatalf("InsertBatch() failed: %v", err)
	}

	completed := time.Date(2026, 3, 14, 4, 30, 0, 0, time.UTC)
	for _, l := range []*DownloadLog{
		{RunID: "r1", TLD: "com", Status: StatusSuccess, StartedAt: completed.Add(-time.Minute), CompletedAt: completed},
		{RunID: "r1", TLD: "net", Status: StatusFailed, StartedAt: completed, CompletedAt: completed.Add(time.Hour)},
	} {
		if err := store.LogDownload(ctx, l); err != nil {
			t.Fatalf("LogDownload() failed: %v", err)
		}
	}

	stats, err = store.RecordStats(ctx)
	if err != nil {
		t.Fatalf("RecordStats() failed: %v", err)
	}
	if stats.TotalRecords != 3 {
		t.Errorf("TotalRecords = %d, want 3", stats.TotalRecords)
	}
	if len(stats.TLDs) != 2 || stats.TLDs[0].TLD != "com" || stats.TLDs[0].Records != 2 {
		t.Errorf("unexpected TLD counts: %+v", stats.TLDs)
	}
	// Failed downloads do not count as the last download
	if !stats.LastDownload.Equal(completed) {
		t.Errorf("LastDownload = %v, want %v", stats.LastDownload, completed)
	}
}

// ============================================================================
// Download Log Tests
// ============================================================================

func TestLogDownload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 14, 4, 0, 0, 0, time.UTC)
	log := &DownloadLog{
		RunID:            "run-1",
		TLD:              "com",
		FileSize:         1 << 20,
		RecordsCount:     25000,
		DownloadDuration: 1500 * time.Millisecond,
		ParseDuration:    2 * time.Second,
		Status:           StatusPartial,
		ErrorMessage:     "1 batch failed",
		Warnings:         3,
		BatchFailures:    1,
		StartedAt:        started,
		CompletedAt:      started.Add(4 * time.Second),
	}

	if err := store.LogDownload(ctx, log); err != nil {
		t.Fatalf("LogDownload() failed: %v", err)
	}
	if log.ID == 0 {
		t.Error("Expected ID to be set after LogDownload")
	}

	logs, err := store.ListDownloadLogs(ctx, "com", 10)
	if err != nil {
		t.Fatalf("ListDownloadLogs() failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}

	got := logs[0]
	if got.RunID != "run-1" || got.RecordsCount != 25000 || got.Status != StatusPartial {
		t.Errorf("unexpected log: %+v", got)
	}
	if got.DownloadDuration != 1500*time.Millisecond || got.ParseDuration != 2*time.Second {
		t.Errorf("durations = %v/%v", got.DownloadDuration, got.ParseDuration)
	}
	if got.Warnings != 3 || got.BatchFailures != 1 || got.ErrorMessage != "1 batch failed" {
		t.Errorf("unexpected counters: %+v", got)
	}
	if !got.StartedAt.Equal(started) || !got.CompletedAt.Equal(started.Add(4*time.Second)) {
		t.Errorf("unexpected timestamps: %v %v", got.StartedAt, got.CompletedAt)
	}
}

func TestListDownloadLogsOrderAndFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 4, 0, 0, 0, time.UTC)
	for i, tld := range []string{"com", "net", "com", "org"} {
		l := &DownloadLog{
			RunID:       "run-1",
			TLD:         tld,
			Status:      StatusSuccess,
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
			CompletedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
		}
		if err := store.LogDownload(ctx, l); err != nil {
			t.Fatalf("LogDownload() failed: %v", err)
		}
	}

	all, err := store.ListDownloadLogs(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListDownloadLogs() failed: %v", err)
	}
	if len(all) != 4 || all[0].TLD != "org" {
		t.Errorf("expected newest first, got %+v", all)
	}

	com, err := store.ListDownloadLogs(ctx, "com", 0)
	if err != nil {
		t.Fatalf("ListDownloadLogs(com) failed: %v", err)
	}
	if len(com) != 2 {
		t.Errorf("expected 2 com logs, got %d", len(com))
	}

	limited, err := store.ListDownloadLogs(ctx, "", 2)
	if err != nil {
		t.Fatalf("ListDownloadLogs(limit) failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 logs, got %d", len(limited))
	}
}

// ============================================================================
// Run Tests
// ============================================================================

func TestCreateAndUpdateRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 14, 4, 0, 0, 0, time.UTC)
	run := &Run{
		RunID:     "6f1d1f3e-0000-4000-8000-000000000001",
		Trigger:   "scheduled",
		StartTime: start,
		Status:    StatusRunning,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}
	if run.ID == 0 {
		t.Error("Expected ID to be set after CreateRun")
	}

	run.EndTime = start.Add(10 * time.Minute)
	run.TotalTLDs = 3
	run.Successful = 1
	run.Partial = 1
	run.Failed = 1
	run.RecordsInserted = 42
	run.Status = StatusPartial
	run.ErrorMessage = "net: download failed"
	if err := store.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun() failed: %v", err)
	}

	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	got := runs[0]
	if got.Trigger != "scheduled" || got.Status != StatusPartial || got.RecordsInserted != 42 {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.Successful != 1 || got.Partial != 1 || got.Failed != 1 || got.TotalTLDs != 3 {
		t.Errorf("unexpected counters: %+v", got)
	}
	if !got.EndTime.Equal(run.EndTime) {
		t.Errorf("EndTime = %v, want %v", got.EndTime, run.EndTime)
	}
}

func TestUpdateRunNotFound(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateRun(context.Background(), &Run{RunID: "missing"})
	if err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 4, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		run := &Run{
			RunID:     fmt.Sprintf("run-%d", i),
			Trigger:   "manual",
			StartTime: base.Add(time.Duration(i) * time.Hour),
			Status:    StatusSuccess,
		}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() failed: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-2" || runs[1].RunID != "run-1" {
		t.Errorf("unexpected runs: %+v", runs)
	}
}

func TestCreateRunDuplicateID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := &Run{RunID: "dup", Trigger: "manual", StartTime: time.Now(), Status: StatusRunning}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}
	if err := store.CreateRun(ctx, &Run{RunID: "dup", Trigger: "manual", StartTime: time.Now()}); err == nil {
		t.Error("expected unique constraint violation")
	}
}

// ============================================================================
// Setting Tests
// ============================================================================

func TestSettings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.GetSetting(ctx, SettingAutoDownload); err != nil || ok {
		t.Fatalf("GetSetting() on missing key = ok:%v err:%v", ok, err)
	}

	if err := store.SetSetting(ctx, SettingAutoDownload, "true"); err != nil {
		t.Fatalf("SetSetting() failed: %v", err)
	}
	if err := store.SetSetting(ctx, SettingAutoDownload, "false"); err != nil {
		t.Fatalf("SetSetting() overwrite failed: %v", err)
	}

	value, ok, err := store.GetSetting(ctx, SettingAutoDownload)
	if err != nil || !ok {
		t.Fatalf("GetSetting() = ok:%v err:%v", ok, err)
	}
	if value != "false" {
		t.Errorf("value = %q, want false", value)
	}
}

func TestSettingsPersistAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/zonesync.db"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	first, err := New(path, logger)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := first.SetSetting(ctx, SettingAutoDownload, "true"); err != nil {
		t.Fatalf("SetSetting() failed: %v", err)
	}
	first.Close()

	second, err := New(path, logger)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()

	value, ok, err := second.GetSetting(ctx, SettingAutoDownload)
	if err != nil || !ok || value != "true" {
		t.Errorf("GetSetting() after reopen = %q ok:%v err:%v", value, ok, err)
	}
}

func TestDateKey(t *testing.T) {
	if got := DateKey(time.Date(2026, 1, 2, 23, 59, 0, 0, time.UTC)); got != "2026-01-02" {
		t.Errorf("DateKey() = %q", got)
	}
}
