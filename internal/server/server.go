package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BadgerOps/zonesync/internal/engine"
	"github.com/BadgerOps/zonesync/internal/logsink"
	"github.com/BadgerOps/zonesync/internal/metrics"
	"github.com/BadgerOps/zonesync/internal/scheduler"
	"github.com/BadgerOps/zonesync/internal/store"
	"github.com/BadgerOps/zonesync/internal/zone"
)

// Coordinator is the job control surface. *engine.Coordinator satisfies it.
type Coordinator interface {
	TriggerRun(ctx context.Context, trigger string) (string, error)
	RequestStop() bool
	Status() engine.JobStatus
	StatusChanged() <-chan struct{}
}

// Scheduler controls scheduled runs. *scheduler.Scheduler satisfies it.
type Scheduler interface {
	SetEnabled(ctx context.Context, enabled bool) error
	Status() scheduler.Status
}

// LogSource returns recent pipeline log entries. *logsink.Recorder satisfies it.
type LogSource interface {
	Recent(n int) []logsink.Entry
}

// Store is the read side of the record store.
type Store interface {
	ListRecords(ctx context.Context, f store.RecordFilter) ([]zone.Record, error)
	RecordStats(ctx context.Context) (*store.Stats, error)
	ListDownloadLogs(ctx context.Context, tld string, limit int) ([]store.DownloadLog, error)
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
	store.Analytics
}

// Server represents the HTTP server for the zonesync JSON API.
type Server struct {
	coord      Coordinator
	sched      Scheduler
	store      Store
	logs       LogSource
	metrics    *metrics.Metrics
	logger     *slog.Logger
	httpServer *http.Server

	// runCtx bounds runs started over HTTP; request contexts end too early.
	runCtx context.Context

	// done is closed on shutdown so long-lived streams return and
	// http.Server.Shutdown does not wait on them.
	done     chan struct{}
	doneOnce sync.Once
}

// NewServer creates a new Server instance. sched, logs and m may be nil.
func NewServer(
	coord Coordinator,
	sched Scheduler,
	st Store,
	logs LogSource,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		coord:   coord,
		sched:   sched,
		store:   st,
		logs:    logs,
		metrics: m,
		logger:  logger,
		runCtx:  context.Background(),
		done:    make(chan struct{}),
	}
}

// WithRunContext sets the context that runs triggered over HTTP inherit.
func (s *Server) WithRunContext(ctx context.Context) *Server {
	s.runCtx = ctx
	return s
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = s.newHTTPServer(listenAddr)

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) newHTTPServer(listenAddr string) *http.Server {
	hs := &http.Server{
		Addr:         listenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	hs.RegisterOnShutdown(s.closeStreams)
	return hs
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeStreams()
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// closeStreams ends every open status stream.
func (s *Server) closeStreams() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes registers all HTTP routes on a new ServeMux.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Job control
	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.HandleFunc("GET /api/status/stream", s.handleAPIStatusStream)
	mux.HandleFunc("POST /api/download", s.handleAPIDownload)
	mux.HandleFunc("POST /api/download/stop", s.handleAPIDownloadStop)
	mux.HandleFunc("POST /api/auto-download", s.handleAPIAutoDownload)

	// History and data
	mux.HandleFunc("GET /api/logs", s.handleAPILogs)
	mux.HandleFunc("GET /api/download-logs", s.handleAPIDownloadLogs)
	mux.HandleFunc("GET /api/runs", s.handleAPIRuns)
	mux.HandleFunc("GET /api/stats", s.handleAPIStats)
	mux.HandleFunc("GET /api/records", s.handleAPIRecords)

	// Snapshot analytics
	mux.HandleFunc("GET /api/stats/record-types", s.handleAPIRecordTypeStats)
	mux.HandleFunc("GET /api/available-tlds", s.handleAPIAvailableTLDs)
	mux.HandleFunc("GET /api/available-dates", s.handleAPIAvailableDates)
	mux.HandleFunc("GET /api/search", s.handleAPISearch)
	mux.HandleFunc("GET /api/dropped-domains", s.handleAPIDroppedDomains)
	mux.HandleFunc("GET /api/new-domains", s.handleAPINewDomains)
	mux.HandleFunc("GET /api/domain-changes", s.handleAPIDomainChanges)

	return mux
}
