package logsink

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Level is the severity attached to a pipeline log entry.
type Level string

const (
	Debug   Level = "DEBUG"
	Info    Level = "INFO"
	Warning Level = "WARNING"
	Error   Level = "ERROR"
)

// Entry is one message written to a Sink.
type Entry struct {
	Time    time.Time      `json:"timestamp"`
	Level   Level          `json:"level"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Sink receives operational log messages from the pipeline.
// Implementations must be safe for concurrent use.
type Sink interface {
	Log(level Level, msg string, ctx map[string]any)
}

// Nop returns a Sink that discards everything.
func Nop() Sink { return nopSink{} }

type nopSink struct{}

func (nopSink) Log(Level, string, map[string]any) {}

// Recorder forwards entries to slog and keeps the most recent ones in memory
// so the API can serve them.
type Recorder struct {
	logger *slog.Logger

	mu       sync.Mutex
	entries  []Entry
	next     int
	full     bool
	capacity int
}

// DefaultCapacity is the number of entries a Recorder keeps when none is given.
const DefaultCapacity = 200

// NewRecorder creates a Recorder holding at most capacity entries.
func NewRecorder(logger *slog.Logger, capacity int) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		logger:   logger,
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

// Log implements Sink.
func (r *Recorder) Log(level Level, msg string, ctx map[string]any) {
	entry := Entry{
		Time:    time.Now().UTC(),
		Level:   level,
		Message: msg,
		Context: copyContext(ctx),
	}

	r.mu.Lock()
	r.entries[r.next] = entry
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()

	r.logger.LogAttrs(context.Background(), slogLevel(level), msg, attrs(ctx)...)
}

// Recent returns up to n entries, newest first. n <= 0 returns everything held.
func (r *Recorder) Recent(n int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = r.capacity
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Entry, 0, n)
	idx := r.next
	for i := 0; i < n; i++ {
		idx = (idx - 1 + r.capacity) % r.capacity
		out = append(out, r.entries[idx])
	}
	return out
}

func slogLevel(l Level) slog.Level {
	switch l {
	case Debug:
		return slog.LevelDebug
	case Warning:
		return slog.LevelWarn
	case Error:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func attrs(ctx map[string]any) []slog.Attr {
	if len(ctx) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		out = append(out, slog.Any(k, ctx[k]))
	}
	return out
}

func copyContext(ctx map[string]any) map[string]any {
	if len(ctx) == 0 {
		return nil
	}
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}
