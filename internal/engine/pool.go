package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BadgerOps/zonesync/internal/store"
)

// tldResult is the outcome of one TLD. skipped is set when the run stopped
// before the TLD started.
type tldResult struct {
	tld     string
	log     *store.DownloadLog
	skipped bool
	index   int // Internal: used to maintain catalog order
}

// tldJob pairs a TLD with its catalog index for ordering results.
type tldJob struct {
	tld   string
	index int
}

// semaphores cap concurrent downloads and concurrent parse/ingest work
// independently of the number of workers.
type semaphores struct {
	download chan struct{}
	parse    chan struct{}
}

func newSemaphores(downloads, parses int) *semaphores {
	return &semaphores{
		download: make(chan struct{}, downloads),
		parse:    make(chan struct{}, parses),
	}
}

func (s *semaphores) acquireDownload(ctx context.Context) error {
	select {
	case s.download <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphores) releaseDownload() { <-s.download }

func (s *semaphores) acquireParse(ctx context.Context) error {
	select {
	case s.parse <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphores) releaseParse() { <-s.parse }

// workerCount is the pool size: enough workers to saturate the larger limit.
func (c *Coordinator) workerCount() int {
	n := c.opts.DownloadWorkers
	if c.opts.ParseWorkers > n {
		n = c.opts.ParseWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// processAll runs every TLD through a worker pool. Each worker executes one
// TLD's whole sequence; with a single worker TLDs run strictly in catalog
// order. Results are returned in catalog order.
func (c *Coordinator) processAll(ctx context.Context, runID string, tlds []string, date time.Time) []tldResult {
	if len(tlds) == 0 {
		return []tldResult{}
	}

	workers := c.workerCount()
	if workers > len(tlds) {
		workers = len(tlds)
	}
	sem := newSemaphores(c.opts.DownloadWorkers, c.opts.ParseWorkers)

	jobsChan := make(chan tldJob, len(tlds))
	resultsChan := make(chan tldResult, len(tlds))

	for i, tld := range tlds {
		jobsChan <- tldJob{tld: tld, index: i}
	}
	close(jobsChan)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobsChan {
				// Stop is cooperative: only honoured before a TLD starts.
				if c.shouldStop(ctx) {
					resultsChan <- tldResult{tld: job.tld, skipped: true, index: job.index}
					continue
				}
				log := c.processTLD(ctx, sem, runID, job.tld, date)
				resultsChan <- tldResult{tld: job.tld, log: log, index: job.index}
			}
		}()
	}

	wg.Wait()
	close(resultsChan)

	results := make([]tldResult, 0, len(tlds))
	for r := range resultsChan {
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].index < results[j].index
	})

	if skipped := countSkipped(results); skipped > 0 {
		c.logger.Info("run stopped before all TLDs were processed", "run_id", runID, "skipped", skipped)
	}
	return results
}

func countSkipped(results []tldResult) int {
	n := 0
	for _, r := range results {
		if r.skipped {
			n++
		}
	}
	return n
}
