// Package engine coordinates zone pipeline runs: one run at a time, each TLD
// downloaded, parsed and ingested with its outcome logged.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/zonesync/internal/czds"
	"github.com/BadgerOps/zonesync/internal/ingest"
	"github.com/BadgerOps/zonesync/internal/logsink"
	"github.com/BadgerOps/zonesync/internal/metrics"
	"github.com/BadgerOps/zonesync/internal/retry"
	"github.com/BadgerOps/zonesync/internal/store"
	"github.com/BadgerOps/zonesync/internal/zone"
)

// ErrJobAlreadyRunning is returned when a run is triggered while another is active.
var ErrJobAlreadyRunning = errors.New("a download job is already running")

// Trigger sources recorded with each run.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerRetry     = "retry"
	TriggerCLI       = "cli"
)

// DefaultProgressEvery is how many records pass between parse progress logs.
const DefaultProgressEvery = 100000

// Catalog is the remote zone service. *czds.Client satisfies it.
type Catalog interface {
	Authenticate(ctx context.Context) error
	ListApprovedTLDs(ctx context.Context) ([]string, error)
	Download(ctx context.Context, tld, dir string, date time.Time) (*czds.DownloadResult, error)
}

// Store is the storage the coordinator writes to. store.Backend satisfies it.
type Store interface {
	ingest.Sink
	LogDownload(ctx context.Context, log *store.DownloadLog) error
	CreateRun(ctx context.Context, run *store.Run) error
	UpdateRun(ctx context.Context, run *store.Run) error
}

// Options tunes a Coordinator.
type Options struct {
	TempDir         string
	BatchSize       int
	RecordTypes     []string
	KeepArtifacts   bool
	ProgressEvery   int
	DownloadWorkers int
	ParseWorkers    int

	// StoragePolicy retries batch writes.
	StoragePolicy retry.Policy
}

// RunSummary aggregates the outcome of one run.
type RunSummary struct {
	RunID           string        `json:"run_id"`
	Trigger         string        `json:"trigger"`
	Status          string        `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     time.Time     `json:"completed_at"`
	Duration        time.Duration `json:"duration"`
	TotalTLDs       int           `json:"total_tlds"`
	Succeeded       int           `json:"succeeded"`
	Partial         int           `json:"partial"`
	Failed          int           `json:"failed"`
	Skipped         int           `json:"skipped"`
	RecordsInserted int64         `json:"records_inserted"`
	Stopped         bool          `json:"stopped"`
	Error           string        `json:"error,omitempty"`
}

// Coordinator runs the pipeline. At most one run is active per Coordinator.
type Coordinator struct {
	catalog Catalog
	store   Store
	sink    logsink.Sink
	metrics *metrics.Metrics
	opts    Options
	logger  *slog.Logger

	now      func() time.Time
	newRunID func() string

	running atomic.Bool
	stop    atomic.Bool
	status  *statusTracker
	wg      sync.WaitGroup
}

// NewCoordinator creates a coordinator. sink and m may be nil.
func NewCoordinator(catalog Catalog, st Store, sink logsink.Sink, m *metrics.Metrics, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = logsink.Nop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = ingest.DefaultBatchSize
	}
	if opts.ProgressEvery < 0 {
		opts.ProgressEvery = 0
	}
	if opts.DownloadWorkers <= 0 {
		opts.DownloadWorkers = 1
	}
	if opts.ParseWorkers <= 0 {
		opts.ParseWorkers = 1
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.StoragePolicy.Sink == nil {
		opts.StoragePolicy.Sink = sink
	}

	return &Coordinator{
		catalog:  catalog,
		store:    st,
		sink:     sink,
		metrics:  m,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		newRunID: uuid.NewString,
		status:   newStatusTracker(),
	}
}

// Status returns the current job status snapshot.
func (c *Coordinator) Status() JobStatus {
	return c.status.Snapshot()
}

// StatusChanged returns a channel closed on the next status update.
func (c *Coordinator) StatusChanged() <-chan struct{} {
	return c.status.Wait()
}

// RequestStop asks the active run to stop before starting its next TLD.
// It reports whether a run was active.
func (c *Coordinator) RequestStop() bool {
	if !c.running.Load() {
		return false
	}
	c.stop.Store(true)
	if !c.status.requestStop() {
		return false
	}
	c.sink.Log(logsink.Info, "stop requested", map[string]any{"run_id": c.status.Snapshot().RunID})
	return true
}

// TriggerRun starts a run in the background and returns immediately.
// ctx bounds the run itself, so callers pass a long-lived context rather
// than a request context.
func (c *Coordinator) TriggerRun(ctx context.Context, trigger string) (string, error) {
	runID, start, err := c.claim(trigger)
	if err != nil {
		return "", err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.execute(ctx, runID, trigger, start); err != nil {
			c.logger.Error("run failed", "run_id", runID, "error", err)
		}
	}()
	return runID, nil
}

// Run executes a run synchronously. The summary is returned even when err is
// non-nil, except when another run is active.
func (c *Coordinator) Run(ctx context.Context, trigger string) (*RunSummary, error) {
	runID, start, err := c.claim(trigger)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, runID, trigger, start)
}

// claim marks a run active and publishes its running status, so a caller
// observing Status right after TriggerRun returns sees the new run.
func (c *Coordinator) claim(trigger string) (string, time.Time, error) {
	if !c.running.CompareAndSwap(false, true) {
		return "", time.Time{}, ErrJobAlreadyRunning
	}
	runID := c.newRunID()
	start := c.now()
	c.stop.Store(false)
	c.status.begin(runID, trigger, start)
	c.metrics.RunStarted()
	return runID, start, nil
}

// Wait blocks until background runs started by TriggerRun have finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// execute performs a run claimed by claim.
func (c *Coordinator) execute(ctx context.Context, runID, trigger string, start time.Time) (summary *RunSummary, err error) {
	defer c.running.Store(false)

	summary = &RunSummary{RunID: runID, Trigger: trigger, StartedAt: start}
	run := &store.Run{
		RunID:     runID,
		Trigger:   trigger,
		StartTime: start,
		Status:    store.StatusRunning,
	}
	if cerr := c.store.CreateRun(ctx, run); cerr != nil {
		c.logger.Warn("failed to record run start", "run_id", runID, "error", cerr)
	}

	c.sink.Log(logsink.Info, "run started", map[string]any{"run_id": runID, "trigger": trigger})

	defer func() {
		c.finish(ctx, summary, run, err)
	}()

	if err = c.catalog.Authenticate(ctx); err != nil {
		return summary, fmt.Errorf("authentication failed: %w", err)
	}

	tlds, err := c.catalog.ListApprovedTLDs(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to list approved TLDs: %w", err)
	}

	summary.TotalTLDs = len(tlds)
	c.status.setTotal(len(tlds))
	c.sink.Log(logsink.Info, "approved TLDs listed", map[string]any{"run_id": runID, "count": len(tlds)})

	y, m, d := start.UTC().Date()
	date := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	for _, res := range c.processAll(ctx, runID, tlds, date) {
		if res.skipped {
			summary.Skipped++
			continue
		}
		switch res.log.Status {
		case store.StatusSuccess:
			summary.Succeeded++
		case store.StatusPartial:
			summary.Partial++
		default:
			summary.Failed++
		}
		summary.RecordsInserted += res.log.RecordsCount
	}

	summary.Stopped = summary.Skipped > 0 && c.stop.Load()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return summary, fmt.Errorf("run cancelled: %w", ctxErr)
	}
	return summary, nil
}

// finish finalizes the summary, persists the run and returns status to idle.
func (c *Coordinator) finish(ctx context.Context, summary *RunSummary, run *store.Run, runErr error) {
	summary.CompletedAt = c.now()
	summary.Duration = summary.CompletedAt.Sub(summary.StartedAt)
	summary.Status = summaryStatus(summary, runErr)
	if runErr != nil {
		summary.Error = runErr.Error()
	} else if summary.Stopped {
		summary.Error = "stopped by request"
	}

	run.EndTime = summary.CompletedAt
	run.TotalTLDs = summary.TotalTLDs
	run.Successful = summary.Succeeded
	run.Partial = summary.Partial
	run.Failed = summary.Failed
	run.RecordsInserted = summary.RecordsInserted
	run.Status = summary.Status
	run.ErrorMessage = summary.Error

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := c.store.UpdateRun(wctx, run); err != nil {
		c.logger.Warn("failed to record run completion", "run_id", run.RunID, "error", err)
	}

	level := logsink.Info
	if summary.Status == store.StatusFailed {
		level = logsink.Error
	} else if summary.Status == store.StatusPartial {
		level = logsink.Warning
	}
	fields := map[string]any{
		"run_id":           summary.RunID,
		"status":           summary.Status,
		"total_tlds":       summary.TotalTLDs,
		"succeeded":        summary.Succeeded,
		"partial":          summary.Partial,
		"failed":           summary.Failed,
		"skipped":          summary.Skipped,
		"records_inserted": summary.RecordsInserted,
		"duration":         summary.Duration.Round(time.Second).String(),
	}
	if summary.Error != "" {
		fields["error"] = summary.Error
	}
	c.sink.Log(level, "run completed", fields)

	c.metrics.RunFinished(summary.Status, summary.Duration)
	c.status.end(summary)
}

func summaryStatus(s *RunSummary, runErr error) string {
	switch {
	case runErr != nil && s.Succeeded+s.Partial == 0:
		return store.StatusFailed
	case runErr != nil:
		return store.StatusPartial
	case s.TotalTLDs > 0 && s.Failed == s.TotalTLDs:
		return store.StatusFailed
	case s.Failed > 0 || s.Partial > 0 || s.Skipped > 0:
		return store.StatusPartial
	default:
		return store.StatusSuccess
	}
}

// shouldStop reports whether no further TLD may start.
func (c *Coordinator) shouldStop(ctx context.Context) bool {
	return c.stop.Load() || ctx.Err() != nil
}

// processTLD runs one TLD's download, parse and ingest and persists its
// DownloadLog exactly once. Per-TLD failures are recorded, never returned.
func (c *Coordinator) processTLD(ctx context.Context, sem *semaphores, runID, tld string, date time.Time) *store.DownloadLog {
	log := &store.DownloadLog{
		RunID:     runID,
		TLD:       tld,
		Status:    store.StatusFailed,
		StartedAt: c.now(),
	}
	c.status.tldStarted(tld)
	c.sink.Log(logsink.Info, "processing TLD", map[string]any{"run_id": runID, "tld": tld})

	c.runTLD(ctx, sem, log, date)

	log.CompletedAt = c.now()
	c.recordTLD(ctx, log)
	return log
}

func (c *Coordinator) runTLD(ctx context.Context, sem *semaphores, log *store.DownloadLog, date time.Time) {
	tld := log.TLD

	if err := sem.acquireDownload(ctx); err != nil {
		log.ErrorMessage = fmt.Sprintf("download cancelled: %v", err)
		return
	}
	dl, err := c.catalog.Download(ctx, tld, c.opts.TempDir, date)
	sem.releaseDownload()
	if err != nil {
		log.ErrorMessage = fmt.Sprintf("download failed: %v", err)
		return
	}
	log.FileSize = dl.Size
	log.DownloadDuration = dl.Duration

	if !c.opts.KeepArtifacts {
		defer func() {
			if rerr := os.Remove(dl.Path); rerr != nil && !os.IsNotExist(rerr) {
				c.logger.Warn("failed to remove artifact", "path", dl.Path, "error", rerr)
			}
		}()
	}

	if err := sem.acquireParse(ctx); err != nil {
		log.ErrorMessage = fmt.Sprintf("parse cancelled: %v", err)
		return
	}
	defer sem.releaseParse()

	parseStart := c.now()
	result, stats, err := c.ingestFile(ctx, log.RunID, tld, dl.Path, date)
	log.ParseDuration = c.now().Sub(parseStart)
	log.RecordsCount = result.Inserted
	log.Warnings = stats.Warnings
	log.BatchFailures = result.BatchFailures

	log.Status, log.ErrorMessage = outcome(result, stats, err)
}

// outcome maps an ingestion result to a DownloadLog status and message.
func outcome(result ingest.Result, stats zone.Stats, err error) (string, string) {
	if err != nil {
		var de *zone.DecompressionError
		if errors.As(err, &de) {
			return store.StatusFailed, fmt.Sprintf("decompression failed: %v", err)
		}
		return store.StatusFailed, err.Error()
	}

	var notes []string
	if stats.Warnings > 0 {
		notes = append(notes, fmt.Sprintf("%d malformed lines skipped", stats.Warnings))
	}
	if result.BatchFailures > 0 {
		note := fmt.Sprintf("%d batches failed (%d records)", result.BatchFailures, result.FailedRecords)
		if n := len(result.Failures); n > 0 {
			note += fmt.Sprintf(", last: %v", result.Failures[n-1].Err)
		}
		notes = append(notes, note)
	}
	msg := strings.Join(notes, "; ")

	// Line problems only make a TLD partial alongside stored records.
	switch {
	case result.BatchFailures > 0 && result.Inserted == 0:
		return store.StatusFailed, msg
	case stats.Warnings > 0 && result.Inserted == 0:
		return store.StatusFailed, msg
	case result.BatchFailures > 0 || stats.Warnings > 0:
		return store.StatusPartial, msg
	default:
		return store.StatusSuccess, ""
	}
}

func (c *Coordinator) ingestFile(ctx context.Context, runID, tld, path string, date time.Time) (ingest.Result, zone.Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ingest.Result{}, zone.Stats{}, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	scanner := zone.NewScanner(f, tld, date, zone.Options{
		RecordTypes: c.opts.RecordTypes,
		OnWarning: func(w zone.LineWarning) {
			c.sink.Log(logsink.Warning, "skipped malformed zone line", map[string]any{
				"tld":    tld,
				"line":   w.Line,
				"reason": w.Reason,
				"raw":    w.Raw,
			})
		},
	})
	defer scanner.Close()

	src := &progressSource{
		Source: scanner,
		every:  int64(c.opts.ProgressEvery),
		onTick: func(n int64) {
			c.sink.Log(logsink.Info, "parse progress", map[string]any{
				"run_id":  runID,
				"tld":     tld,
				"records": n,
			})
		},
	}

	ingestor := ingest.New(c.store, c.opts.BatchSize, c.opts.StoragePolicy, c.logger)
	ingestor.OnFlush = func(r ingest.BatchReport) {
		fields := map[string]any{
			"run_id":   runID,
			"tld":      tld,
			"batch":    r.Batch,
			"size":     r.Size,
			"inserted": r.Inserted,
			"duration": r.Duration.String(),
		}
		if r.Err != nil {
			fields["error"] = r.Err.Error()
			c.sink.Log(logsink.Error, "batch insert failed", fields)
			return
		}
		c.sink.Log(logsink.Debug, "batch inserted", fields)
	}
	result, err := ingestor.Ingest(ctx, src)
	return result, scanner.Stats(), err
}

// recordTLD persists the finalized log and reports it everywhere.
func (c *Coordinator) recordTLD(ctx context.Context, log *store.DownloadLog) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := c.store.LogDownload(wctx, log); err != nil {
		c.logger.Error("failed to record download log", "tld", log.TLD, "error", err)
	}

	fields := map[string]any{
		"run_id":   log.RunID,
		"tld":      log.TLD,
		"status":   log.Status,
		"records":  log.RecordsCount,
		"size":     log.FileSize,
		"warnings": log.Warnings,
	}
	level := logsink.Info
	switch log.Status {
	case store.StatusFailed:
		level = logsink.Error
		fields["error"] = log.ErrorMessage
	case store.StatusPartial:
		level = logsink.Warning
		fields["error"] = log.ErrorMessage
	}
	c.sink.Log(level, "TLD completed", fields)

	c.metrics.ObserveTLD(metrics.TLDOutcome{
		TLD:              log.TLD,
		Status:           log.Status,
		Bytes:            log.FileSize,
		Records:          log.RecordsCount,
		Warnings:         log.Warnings,
		BatchFailures:    log.BatchFailures,
		DownloadDuration: log.DownloadDuration,
		ParseDuration:    log.ParseDuration,
	})

	c.status.tldFinished(TLDEvent{
		TLD:     log.TLD,
		Status:  log.Status,
		Records: log.RecordsCount,
		Error:   log.ErrorMessage,
	})
}

// progressSource reports every `every` records read from the wrapped source.
type progressSource struct {
	ingest.Source
	every  int64
	n      int64
	onTick func(n int64)
}

func (p *progressSource) Scan() bool {
	if !p.Source.Scan() {
		return false
	}
	p.n++
	if p.every > 0 && p.n%p.every == 0 {
		p.onTick(p.n)
	}
	return true
}
