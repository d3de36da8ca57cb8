package czds

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/BadgerOps/zonesync/internal/retry"
)

// DefaultRetryAfter is used when a 429 response carries no usable Retry-After.
const DefaultRetryAfter = 60 * time.Second

// APIError represents a non-2xx response from the zone API.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// AuthenticationError is returned when exchanging credentials fails.
// Fatal is set for rejected credentials and unusable tokens, which are never retried.
type AuthenticationError struct {
	StatusCode int
	Fatal      bool
	Err        error
}

func (e *AuthenticationError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("authentication rejected (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// DownloadIntegrityError is returned when a zone stream ends before or after
// the length the server declared.
type DownloadIntegrityError struct {
	TLD      string
	Expected int64
	Actual   int64
}

func (e *DownloadIntegrityError) Error() string {
	return fmt.Sprintf("download integrity check failed for %s: got %d bytes, expected %d", e.TLD, e.Actual, e.Expected)
}

// Classify maps zone API failures onto retry classes.
func Classify(err error) (retry.Class, time.Duration) {
	if err == nil {
		return retry.Fatal, 0
	}
	if errors.Is(err, context.Canceled) {
		return retry.Fatal, 0
	}

	var authErr *AuthenticationError
	if errors.As(err, &authErr) && authErr.Fatal {
		return retry.Fatal, 0
	}

	var integrityErr *DownloadIntegrityError
	if errors.As(err, &integrityErr) {
		return retry.Transient, 0
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return retry.RateLimited, apiErr.RetryAfter
		case apiErr.StatusCode == http.StatusUnauthorized:
			// the cached token has been dropped; the next attempt re-authenticates
			return retry.Transient, 0
		case apiErr.StatusCode == http.StatusRequestTimeout:
			return retry.Transient, 0
		case apiErr.StatusCode >= 500:
			return retry.Transient, 0
		default:
			return retry.Fatal, 0
		}
	}

	// Network failures and timeouts.
	return retry.Transient, 0
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return DefaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}
