package engine

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// State is the coordinator's lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// TLDEvent records a finished TLD for the recent activity log.
type TLDEvent struct {
	TLD     string `json:"tld"`
	Status  string `json:"status"`
	Records int64  `json:"records"`
	Error   string `json:"error,omitempty"`
}

// JobStatus is a published snapshot of the coordinator, safe for JSON serialization.
type JobStatus struct {
	State           State       `json:"state"`
	RunID           string      `json:"run_id,omitempty"`
	Trigger         string      `json:"trigger,omitempty"`
	CurrentTLD      string      `json:"current_tld,omitempty"`
	ActiveTLDs      []string    `json:"active_tlds,omitempty"`
	CompletedTLDs   int         `json:"completed_tlds"`
	TotalTLDs       int         `json:"total_tlds"`
	ProgressPercent int         `json:"progress_percent"`
	RecordsIngested int64       `json:"records_ingested"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	StopRequested   bool        `json:"stop_requested"`
	RecentEvents    []TLDEvent  `json:"recent_events,omitempty"`
	LastRun         *RunSummary `json:"last_run,omitempty"`
}

const maxRecentEvents = 20

// statusTracker owns the mutable run state. Every mutation publishes an
// immutable JobStatus; readers load it without taking the lock.
// SSE handlers use Wait() to block until the next publish.
type statusTracker struct {
	mu sync.Mutex

	state      State
	runID      string
	trigger    string
	currentTLD string
	active     []string // in start order
	completed  int
	total      int
	records    int64
	startedAt  time.Time
	stopReq    bool
	recent     []TLDEvent
	lastRun    *RunSummary

	published atomic.Pointer[JobStatus]

	// Close-and-replace: any publish closes the old channel.
	notify chan struct{}
}

func newStatusTracker() *statusTracker {
	t := &statusTracker{
		state:  StateIdle,
		notify: make(chan struct{}),
	}
	t.publish()
	return t
}

// Snapshot returns the most recently published status.
func (t *statusTracker) Snapshot() JobStatus {
	return *t.published.Load()
}

// Wait returns a channel that will be closed when the next update occurs.
func (t *statusTracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// publish builds a snapshot and wakes waiters. Must be called with t.mu held
// (or before the tracker is shared).
func (t *statusTracker) publish() {
	s := &JobStatus{
		State:           t.state,
		RunID:           t.runID,
		Trigger:         t.trigger,
		CurrentTLD:      t.currentTLD,
		CompletedTLDs:   t.completed,
		TotalTLDs:       t.total,
		RecordsIngested: t.records,
		StopRequested:   t.stopReq,
		LastRun:         t.lastRun,
	}
	if t.total > 0 {
		s.ProgressPercent = int(math.Round(float64(t.completed) / float64(t.total) * 100))
	}
	if t.state == StateRunning {
		started := t.startedAt
		s.StartedAt = &started
	}
	if len(t.active) > 0 {
		s.ActiveTLDs = append([]string(nil), t.active...)
	}
	if len(t.recent) > 0 {
		s.RecentEvents = make([]TLDEvent, len(t.recent))
		copy(s.RecentEvents, t.recent)
	}

	t.published.Store(s)
	if t.notify != nil {
		close(t.notify)
	}
	t.notify = make(chan struct{})
}

func (t *statusTracker) begin(runID, trigger string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateRunning
	t.runID = runID
	t.trigger = trigger
	t.currentTLD = ""
	t.active = nil
	t.completed = 0
	t.total = 0
	t.records = 0
	t.startedAt = now
	t.stopReq = false
	t.recent = nil
	t.publish()
}

func (t *statusTracker) setTotal(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = n
	t.publish()
}

func (t *statusTracker) tldStarted(tld string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentTLD = tld
	t.active = append(t.active, tld)
	t.publish()
}

func (t *statusTracker) tldFinished(ev TLDEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, tld := range t.active {
		if tld == ev.TLD {
			t.active = append(t.active[:i], t.active[i+1:]...)
			break
		}
	}
	// In parallel mode the most recently started TLD still in flight is current.
	t.currentTLD = ""
	if n := len(t.active); n > 0 {
		t.currentTLD = t.active[n-1]
	}
	t.completed++
	t.records += ev.Records
	t.recent = append([]TLDEvent{ev}, t.recent...)
	if len(t.recent) > maxRecentEvents {
		t.recent = t.recent[:maxRecentEvents]
	}
	t.publish()
}

func (t *statusTracker) requestStop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning {
		return false
	}
	t.stopReq = true
	t.publish()
	return true
}

// end returns the tracker to idle and records the run summary.
func (t *statusTracker) end(summary *RunSummary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateIdle
	t.runID = ""
	t.trigger = ""
	t.currentTLD = ""
	t.active = nil
	t.completed = 0
	t.total = 0
	t.records = 0
	t.stopReq = false
	t.lastRun = summary
	t.publish()
}
