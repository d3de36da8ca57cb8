package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BadgerOps/zonesync/internal/logsink"
)

type recordingSink struct {
	entries []logsink.Entry
}

func (r *recordingSink) Log(level logsink.Level, msg string, ctx map[string]any) {
	r.entries = append(r.entries, logsink.Entry{Level: level, Message: msg, Context: ctx})
}

func newTestPolicy(delays *[]time.Duration) Policy {
	p := DefaultPolicy()
	p.Sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return p
}

func always(c Class, d time.Duration) Classifier {
	return func(error) (Class, time.Duration) { return c, d }
}

func TestExecuteTransientBackoff(t *testing.T) {
	var delays []time.Duration
	p := newTestPolicy(&delays)
	sink := &recordingSink{}
	p.Sink = sink

	calls := 0
	boom := errors.New("connection reset")
	err := p.Execute(context.Background(), "catalog", func(context.Context) error {
		calls++
		return boom
	}, always(Transient, 0))

	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 attempts (1 + 3 retries), got %d", calls)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("expected %d delays, got %v", len(want), delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}

	// 3 retry warnings plus the final error
	if len(sink.entries) != 4 {
		t.Fatalf("expected 4 sink entries, got %d", len(sink.entries))
	}
	for i := 0; i < 3; i++ {
		e := sink.entries[i]
		if e.Level != logsink.Warning {
			t.Errorf("entry %d level = %s, want WARNING", i, e.Level)
		}
		if e.Context["attempt"] != i+1 {
			t.Errorf("entry %d attempt = %v", i, e.Context["attempt"])
		}
		if e.Context["delay"] != want[i].String() {
			t.Errorf("entry %d delay = %v", i, e.Context["delay"])
		}
	}
}

func TestExecuteSucceedsAfterRetry(t *testing.T) {
	var delays []time.Duration
	p := newTestPolicy(&delays)

	var outcomes []Outcome
	p.OnAttempt = func(_ string, o Outcome) { outcomes = append(outcomes, o) }

	calls := 0
	err := p.Execute(context.Background(), "download", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("timeout")
		}
		return nil
	}, always(Transient, 0))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(outcomes) != 3 || !outcomes[2].Succeeded || outcomes[0].Succeeded {
		t.Errorf("unexpected outcomes: %+v", outcomes)
	}
	if outcomes[1].Delay != 2*time.Second {
		t.Errorf("second delay = %v", outcomes[1].Delay)
	}
}

func TestExecuteFatalDoesNotRetry(t *testing.T) {
	var delays []time.Duration
	p := newTestPolicy(&delays)

	calls := 0
	bad := errors.New("invalid credentials")
	err := p.Execute(context.Background(), "authenticate", func(context.Context) error {
		calls++
		return bad
	}, always(Fatal, 0))

	if !errors.Is(err, bad) {
		t.Fatalf("expected original error, got %v", err)
	}
	if errors.Is(err, ErrExhausted) {
		t.Fatal("fatal error must not be reported as exhausted")
	}
	if calls != 1 || len(delays) != 0 {
		t.Fatalf("calls = %d delays = %v, want 1 call and no delays", calls, delays)
	}
}

func TestExecuteRateLimitedUsesServerDelay(t *testing.T) {
	var delays []time.Duration
	p := newTestPolicy(&delays)

	calls := 0
	err := p.Execute(context.Background(), "authenticate", func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("429")
		}
		return nil
	}, always(RateLimited, 30*time.Second))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(delays) != 1 || delays[0] != 30*time.Second {
		t.Fatalf("delays = %v, want [30s]", delays)
	}
}

func TestExecuteRateLimitedSharesBudget(t *testing.T) {
	var delays []time.Duration
	p := newTestPolicy(&delays)

	calls := 0
	err := p.Execute(context.Background(), "catalog", func(context.Context) error {
		calls++
		return errors.New("429")
	}, always(RateLimited, 5*time.Second))

	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
}

func TestExecuteContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := DefaultPolicy()
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := p.Execute(ctx, "download", func(context.Context) error {
		return errors.New("reset")
	}, always(Transient, 0))

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDelayCapped(t *testing.T) {
	p := DefaultPolicy()
	p.MaxDelay = 3 * time.Second
	if d := p.Delay(3); d != 3*time.Second {
		t.Errorf("Delay(3) = %v, want 3s cap", d)
	}
	if d := p.Delay(1); d != time.Second {
		t.Errorf("Delay(1) = %v, want 1s", d)
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
