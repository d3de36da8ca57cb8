// Package retry runs operations under a bounded exponential backoff policy
// driven by a caller-supplied failure classifier.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/BadgerOps/zonesync/internal/logsink"
)

// Class tells the policy how to treat a failed attempt.
type Class int

const (
	// Fatal failures propagate immediately.
	Fatal Class = iota
	// Transient failures are retried after an exponential delay.
	Transient
	// RateLimited failures are retried after the delay the server asked for.
	RateLimited
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	default:
		return "fatal"
	}
}

// Classifier maps an error to a Class. For RateLimited it also returns the
// server-specified wait; a zero wait falls back to the backoff delay.
type Classifier func(err error) (Class, time.Duration)

// Outcome describes a single attempt.
type Outcome struct {
	Attempt   int
	Delay     time.Duration
	Succeeded bool
	Err       error
	// Class is the classification of Err. Unset when Succeeded.
	Class Class
}

// ErrExhausted is matched by errors returned once the retry budget is spent.
var ErrExhausted = errors.New("retry budget exhausted")

// ExhaustedError wraps the last failure after all retries were used.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy configures Execute.
type Policy struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	BaseDelay  time.Duration
	Factor     float64
	MaxDelay   time.Duration

	Sleep SleepFunc
	Sink  logsink.Sink
	// OnAttempt, when set, observes every attempt after it completes.
	OnAttempt func(op string, o Outcome)
}

// DefaultPolicy returns 3 retries with delays of 1s, 2s and 4s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Factor:     2,
		MaxDelay:   60 * time.Second,
	}
}

// Delay returns the backoff before retry number n (1-based).
func (p Policy) Delay(n int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	d := time.Duration(float64(base) * math.Pow(factor, float64(n-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Execute runs fn until it succeeds, classify reports a fatal failure, the
// retry budget is spent or ctx is cancelled.
func (p Policy) Execute(ctx context.Context, op string, fn func(ctx context.Context) error, classify Classifier) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	sink := p.Sink
	if sink == nil {
		sink = logsink.Nop()
	}
	if classify == nil {
		classify = func(error) (Class, time.Duration) { return Transient, 0 }
	}
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s cancelled: %w", op, err)
		}

		err := fn(ctx)
		if err == nil {
			p.report(op, Outcome{Attempt: attempt, Succeeded: true})
			sink.Log(logsink.Debug, op+" succeeded", map[string]any{
				"operation": op,
				"attempt":   attempt,
			})
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			p.report(op, Outcome{Attempt: attempt, Err: err})
			return fmt.Errorf("%s cancelled: %w (last error: %v)", op, ctxErr, err)
		}

		class, serverDelay := classify(err)
		if class == Fatal {
			p.report(op, Outcome{Attempt: attempt, Err: err, Class: class})
			sink.Log(logsink.Error, op+" failed", map[string]any{
				"operation": op,
				"attempt":   attempt,
				"error":     err.Error(),
				"retryable": false,
			})
			return err
		}

		if attempt > maxRetries {
			p.report(op, Outcome{Attempt: attempt, Err: err, Class: class})
			sink.Log(logsink.Error, op+" failed, retries exhausted", map[string]any{
				"operation": op,
				"attempt":   attempt,
				"error":     err.Error(),
			})
			return &ExhaustedError{Op: op, Attempts: attempt, Err: err}
		}

		delay := p.Delay(attempt)
		if class == RateLimited && serverDelay > 0 {
			delay = serverDelay
		}

		p.report(op, Outcome{Attempt: attempt, Delay: delay, Err: err, Class: class})
		sink.Log(logsink.Warning, op+" failed, retrying", map[string]any{
			"operation": op,
			"attempt":   attempt,
			"delay":     delay.String(),
			"class":     class.String(),
			"error":     err.Error(),
		})

		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s cancelled during backoff: %w", op, err)
		}
	}
}

func (p Policy) report(op string, o Outcome) {
	if p.OnAttempt != nil {
		p.OnAttempt(op, o)
	}
}

// Sleep waits for d, returning early with ctx.Err() on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
