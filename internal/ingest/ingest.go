// Package ingest buffers parsed zone records and writes them to storage in
// fixed-size batches.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BadgerOps/zonesync/internal/retry"
	"github.com/BadgerOps/zonesync/internal/zone"
)

// DefaultBatchSize is the number of records per insert.
const DefaultBatchSize = 10000

// Sink persists a batch of records and reports how many were written.
// Implementations must not retain the slice after returning.
type Sink interface {
	InsertBatch(ctx context.Context, records []zone.Record) (int, error)
}

// Source yields records one at a time. *zone.Scanner satisfies it.
type Source interface {
	Scan() bool
	Record() zone.Record
	Err() error
}

// StorageWriteError records a batch that still failed after all retries.
type StorageWriteError struct {
	Batch int
	Size  int
	Err   error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("batch %d (%d records) failed: %v", e.Batch, e.Size, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }

// BatchReport describes one flush.
type BatchReport struct {
	Batch    int
	Size     int
	Inserted int
	Duration time.Duration
	Err      error
}

// Result summarizes an ingestion.
type Result struct {
	Inserted      int64                `json:"inserted"`
	Batches       int                  `json:"batches"`
	BatchFailures int                  `json:"batch_failures"`
	FailedRecords int64                `json:"failed_records"`
	Failures      []*StorageWriteError `json:"-"`
}

// Ingestor flushes records to a Sink in batches of exactly BatchSize, with a
// final short batch at end of input.
type Ingestor struct {
	sink      Sink
	batchSize int
	policy    retry.Policy
	logger    *slog.Logger

	// OnFlush observes every batch after its final attempt.
	OnFlush func(BatchReport)
}

// New creates an Ingestor. A non-positive batchSize selects DefaultBatchSize.
func New(sink Sink, batchSize int, policy retry.Policy, logger *slog.Logger) *Ingestor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		sink:      sink,
		batchSize: batchSize,
		policy:    policy,
		logger:    logger,
	}
}

// Ingest drains src. A batch that keeps failing is recorded in the result and
// skipped; ingestion carries on with the next batch. The returned error is
// the source's error or a context cancellation.
func (in *Ingestor) Ingest(ctx context.Context, src Source) (Result, error) {
	var res Result
	buf := make([]zone.Record, 0, in.batchSize)

	for src.Scan() {
		buf = append(buf, src.Record())
		if len(buf) == in.batchSize {
			if err := in.flush(ctx, buf, &res); err != nil {
				return res, err
			}
			buf = buf[:0]
		}
	}

	// Records read before a source failure are still written.
	if len(buf) > 0 {
		if err := in.flush(ctx, buf, &res); err != nil {
			return res, err
		}
	}

	if err := src.Err(); err != nil {
		return res, fmt.Errorf("reading records: %w", err)
	}
	return res, nil
}

func (in *Ingestor) flush(ctx context.Context, batch []zone.Record, res *Result) error {
	res.Batches++
	n := res.Batches
	start := time.Now()

	var inserted int
	err := in.policy.Execute(ctx, fmt.Sprintf("insert batch %d", n), func(ctx context.Context) error {
		var ierr error
		inserted, ierr = in.sink.InsertBatch(ctx, batch)
		return ierr
	}, classifyStorage)

	report := BatchReport{Batch: n, Size: len(batch), Inserted: inserted, Duration: time.Since(start)}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			report.Err = ctxErr
			in.notify(report)
			return fmt.Errorf("ingestion cancelled: %w", ctxErr)
		}
		werr := &StorageWriteError{Batch: n, Size: len(batch), Err: err}
		res.BatchFailures++
		res.FailedRecords += int64(len(batch))
		res.Failures = append(res.Failures, werr)
		report.Err = werr
		in.logger.Error("batch insert failed", "batch", n, "size", len(batch), "error", err)
		in.notify(report)
		return nil
	}

	res.Inserted += int64(inserted)
	in.logger.Debug("batch inserted", "batch", n, "size", len(batch), "inserted", inserted, "duration", report.Duration)
	in.notify(report)
	return nil
}

func (in *Ingestor) notify(r BatchReport) {
	if in.OnFlush != nil {
		in.OnFlush(r)
	}
}

// classifyStorage treats every storage failure except cancellation as transient.
func classifyStorage(err error) (retry.Class, time.Duration) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Fatal, 0
	}
	return retry.Transient, 0
}
