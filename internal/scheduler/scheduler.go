// Package scheduler fires daily pipeline runs from a cron schedule and keeps
// the enabled flag in the setting store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BadgerOps/zonesync/internal/engine"
	"github.com/BadgerOps/zonesync/internal/logsink"
	"github.com/BadgerOps/zonesync/internal/metrics"
	"github.com/BadgerOps/zonesync/internal/store"
)

// DefaultFollowUpDelay is the wait before the single follow-up of a failed run.
const DefaultFollowUpDelay = time.Hour

// Runner executes one pipeline run synchronously. *engine.Coordinator satisfies it.
type Runner interface {
	Run(ctx context.Context, trigger string) (*engine.RunSummary, error)
}

// Settings persists the enabled flag. store.Backend satisfies it.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Config controls when runs fire.
type Config struct {
	Hour   int
	Minute int
	// Enabled applies when the setting store holds no flag yet.
	Enabled       bool
	FollowUpDelay time.Duration
	Location      *time.Location
}

// Status describes the schedule for the API and CLI.
type Status struct {
	Enabled    bool       `json:"enabled"`
	Schedule   string     `json:"schedule"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	FollowUpAt *time.Time `json:"follow_up_at,omitempty"`
}

// Scheduler wraps a cron instance with a single daily entry.
type Scheduler struct {
	runner   Runner
	settings Settings
	metrics  *metrics.Metrics
	sink     logsink.Sink
	logger   *slog.Logger

	cfg      Config
	spec     string
	schedule cron.Schedule
	cron     *cron.Cron

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) (stop func() bool)

	mu         sync.Mutex
	enabled    bool
	entryID    cron.EntryID
	followUpAt time.Time
	stopFollow func() bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. It does not fire until Start is called.
func New(runner Runner, settings Settings, cfg Config, m *metrics.Metrics, sink logsink.Sink, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = logsink.Nop()
	}
	if cfg.Hour < 0 || cfg.Hour > 23 {
		return nil, fmt.Errorf("invalid schedule hour %d", cfg.Hour)
	}
	if cfg.Minute < 0 || cfg.Minute > 59 {
		return nil, fmt.Errorf("invalid schedule minute %d", cfg.Minute)
	}
	if cfg.FollowUpDelay <= 0 {
		cfg.FollowUpDelay = DefaultFollowUpDelay
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	// Standard 5-field cron parser (minute hour day month weekday)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	spec := fmt.Sprintf("%d %d * * *", cfg.Minute, cfg.Hour)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schedule %q: %w", spec, err)
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError))
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		runner:   runner,
		settings: settings,
		metrics:  m,
		sink:     sink,
		logger:   logger,
		cfg:      cfg,
		spec:     spec,
		schedule: schedule,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(cfg.Location),
			cron.WithChain(cron.Recover(cronLogger)),
		),
		now: time.Now,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		enabled: cfg.Enabled,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start loads the persisted flag and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", s.spec, "enabled", s.Enabled())
	return nil
}

// Load reads the persisted flag without starting the cron loop. A stored
// flag wins over Config.Enabled.
func (s *Scheduler) Load(ctx context.Context) error {
	enabled := s.cfg.Enabled
	value, ok, err := s.settings.GetSetting(ctx, store.SettingAutoDownload)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", store.SettingAutoDownload, err)
	}
	if ok {
		if enabled, err = strconv.ParseBool(value); err != nil {
			s.logger.Warn("ignoring invalid stored schedule flag", "value", value)
			enabled = s.cfg.Enabled
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	if enabled && s.entryID == 0 {
		return s.addEntryLocked()
	}
	return nil
}

// Stop halts the cron loop, cancels any pending follow-up and the context of
// a scheduled run in progress, and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.cancel()

	s.mu.Lock()
	s.clearFollowUpLocked()
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// SetEnabled persists the flag and adds or removes the daily entry.
func (s *Scheduler) SetEnabled(ctx context.Context, enabled bool) error {
	if err := s.settings.SetSetting(ctx, store.SettingAutoDownload, strconv.FormatBool(enabled)); err != nil {
		return fmt.Errorf("failed to save %s: %w", store.SettingAutoDownload, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if enabled == s.enabled {
		return nil
	}
	s.enabled = enabled
	if enabled {
		if err := s.addEntryLocked(); err != nil {
			return err
		}
	} else {
		s.cron.Remove(s.entryID)
		s.entryID = 0
		s.clearFollowUpLocked()
	}

	s.sink.Log(logsink.Info, "scheduled downloads toggled", map[string]any{"enabled": enabled})
	return nil
}

// Enabled reports whether scheduled runs fire.
func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// NextRun returns the next scheduled fire time, or the zero time when disabled.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return time.Time{}
	}
	return s.schedule.Next(s.now().In(s.cfg.Location))
}

// Status returns the schedule summary.
func (s *Scheduler) Status() Status {
	st := Status{Schedule: s.spec}
	if next := s.NextRun(); !next.IsZero() {
		st.Enabled = true
		st.NextRun = &next
	}

	s.mu.Lock()
	if !s.followUpAt.IsZero() {
		at := s.followUpAt
		st.FollowUpAt = &at
	}
	s.mu.Unlock()
	return st
}

func (s *Scheduler) addEntryLocked() error {
	id, err := s.cron.AddFunc(s.spec, func() { s.fire(engine.TriggerScheduled) })
	if err != nil {
		return fmt.Errorf("failed to schedule %q: %w", s.spec, err)
	}
	s.entryID = id
	return nil
}

func (s *Scheduler) clearFollowUpLocked() {
	if s.stopFollow != nil {
		s.stopFollow()
		s.stopFollow = nil
	}
	s.followUpAt = time.Time{}
}

// fire runs the pipeline for a cron tick or a follow-up.
func (s *Scheduler) fire(trigger string) {
	if s.ctx.Err() != nil {
		return
	}
	s.logger.Info("scheduled run firing", "trigger", trigger)

	summary, err := s.runner.Run(s.ctx, trigger)
	switch {
	case err == nil:
		s.metrics.ObserveTrigger("completed")
		s.logger.Info("scheduled run finished", "trigger", trigger, "run_id", summary.RunID, "status", summary.Status)

	case errors.Is(err, engine.ErrJobAlreadyRunning):
		s.metrics.ObserveTrigger("skipped")
		s.sink.Log(logsink.Warning, "scheduled run skipped: a job is already running", map[string]any{"trigger": trigger})

	case s.ctx.Err() != nil:
		s.metrics.ObserveTrigger("failed")
		s.logger.Info("scheduled run interrupted by shutdown", "trigger", trigger)

	default:
		s.metrics.ObserveTrigger("failed")
		fields := map[string]any{"trigger": trigger, "error": err.Error()}
		if trigger == engine.TriggerRetry {
			s.sink.Log(logsink.Error, "follow-up run failed; waiting for next schedule", fields)
			return
		}
		s.scheduleFollowUp(fields)
	}
}

// scheduleFollowUp arms the single follow-up run. A follow-up that is already
// pending is kept.
func (s *Scheduler) scheduleFollowUp(fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopFollow != nil {
		return
	}
	delay := s.cfg.FollowUpDelay
	s.followUpAt = s.now().Add(delay)
	s.stopFollow = s.afterFunc(delay, func() {
		s.mu.Lock()
		s.stopFollow = nil
		s.followUpAt = time.Time{}
		s.mu.Unlock()
		s.fire(engine.TriggerRetry)
	})

	fields["follow_up_at"] = s.followUpAt.Format(time.RFC3339)
	s.sink.Log(logsink.Error, "scheduled run failed; follow-up scheduled", fields)
}
