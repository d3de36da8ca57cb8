package czds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BadgerOps/zonesync/internal/retry"
	"github.com/BadgerOps/zonesync/internal/safety"
)

const maxAuthResponseBytes = 1 << 20

type accessToken struct {
	value     string
	issuedAt  time.Time
	expiresAt time.Time
}

// validAt reports whether the token outlives now by more than margin. The
// margin is capped at half the token's lifetime so a short-lived token is
// usable right after issue.
func (t *accessToken) validAt(now time.Time, margin time.Duration) bool {
	if half := t.expiresAt.Sub(t.issuedAt) / 2; half < margin {
		margin = half
	}
	return t.expiresAt.Sub(now) > margin
}

type authFlight struct {
	done chan struct{}
	err  error
}

// TokenManager owns the credential exchange and keeps a bearer token valid.
// The token value never leaves the package.
type TokenManager struct {
	authURL   string
	lifetime  time.Duration
	margin    time.Duration
	userAgent string

	httpClient *http.Client
	policy     retry.Policy
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	username string
	password string
	token    *accessToken
	flight   *authFlight
}

// NewTokenManager creates a manager that authenticates against authURL.
func NewTokenManager(cfg Config, httpClient *http.Client, policy retry.Policy, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		authURL:    cfg.AuthURL,
		lifetime:   cfg.TokenLifetime,
		margin:     cfg.RefreshMargin,
		userAgent:  cfg.UserAgent,
		httpClient: httpClient,
		policy:     policy,
		logger:     logger,
		now:        time.Now,
		username:   cfg.Username,
		password:   cfg.Password,
	}
}

// Authenticate exchanges the given credentials for a token and stores both.
// Rejected credentials fail immediately with a fatal AuthenticationError;
// transient and rate-limited failures are retried under the policy.
func (m *TokenManager) Authenticate(ctx context.Context, username, password string) error {
	m.mu.Lock()
	m.username = username
	m.password = password
	m.mu.Unlock()

	_, err := m.refresh(ctx)
	return err
}

// EnsureValid returns a token whose remaining lifetime exceeds the refresh
// margin (at most half the token lifetime), authenticating first when needed.
func (m *TokenManager) EnsureValid(ctx context.Context) (string, error) {
	for {
		m.mu.Lock()
		if m.token != nil && m.token.validAt(m.now(), m.margin) {
			v := m.token.value
			m.mu.Unlock()
			return v, nil
		}
		flight := m.flight
		m.mu.Unlock()

		if flight == nil {
			return m.refresh(ctx)
		}

		select {
		case <-flight.done:
			if flight.err != nil {
				return "", flight.err
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Invalidate drops the cached token so the next call re-authenticates.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
}

// ExpiresAt reports when the current token expires, or the zero time.
func (m *TokenManager) ExpiresAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return time.Time{}
	}
	return m.token.expiresAt
}

// refresh performs one credential exchange, sharing it with concurrent callers.
func (m *TokenManager) refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	if f := m.flight; f != nil {
		m.mu.Unlock()
		select {
		case <-f.done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if f.err != nil {
			return "", f.err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.token == nil {
			return "", errors.New("token invalidated during refresh")
		}
		return m.token.value, nil
	}
	f := &authFlight{done: make(chan struct{})}
	m.flight = f
	username, password := m.username, m.password
	m.mu.Unlock()

	var tok *accessToken
	err := m.policy.Execute(ctx, "authenticate", func(ctx context.Context) error {
		var aerr error
		tok, aerr = m.exchange(ctx, username, password)
		return aerr
	}, Classify)

	m.mu.Lock()
	if err == nil {
		m.token = tok
	}
	m.flight = nil
	f.err = err
	close(f.done)
	m.mu.Unlock()

	if err != nil {
		return "", err
	}
	m.logger.Info("authenticated", "expires_at", tok.expiresAt.Format(time.RFC3339))
	return tok.value, nil
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	AccessToken string `json:"accessToken"`
	Message     string `json:"message"`
}

func (m *TokenManager) exchange(ctx context.Context, username, password string) (*accessToken, error) {
	if username == "" || password == "" {
		return nil, &AuthenticationError{Fatal: true, Err: errors.New("username and password are required")}
	}

	payload, err := json.Marshal(authRequest{Username: username, Password: password})
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.authURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if m.userAgent != "" {
		req.Header.Set("User-Agent", m.userAgent)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, &AuthenticationError{Err: fmt.Errorf("http request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := safety.ReadAllWithLimit(resp.Body, maxAuthResponseBytes)
	if err != nil {
		return nil, &AuthenticationError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthenticationError{StatusCode: resp.StatusCode, Fatal: true, Err: errors.New("invalid credentials")}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		apiErr := &APIError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
		if resp.StatusCode == http.StatusTooManyRequests {
			apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), m.now())
		}
		return nil, &AuthenticationError{StatusCode: resp.StatusCode, Err: apiErr}
	}

	var ar authResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, &AuthenticationError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if ar.AccessToken == "" {
		return nil, &AuthenticationError{StatusCode: resp.StatusCode, Fatal: true, Err: errors.New("response carried no access token")}
	}

	issued := m.now()
	expiresAt := m.expiry(ar.AccessToken, issued)
	if !expiresAt.After(issued) {
		return nil, &AuthenticationError{
			StatusCode: resp.StatusCode,
			Fatal:      true,
			Err:        fmt.Errorf("issued token already expired at %s", expiresAt.Format(time.RFC3339)),
		}
	}
	return &accessToken{
		value:     ar.AccessToken,
		issuedAt:  issued,
		expiresAt: expiresAt,
	}, nil
}

// expiry prefers the token's own exp claim and falls back to the configured
// lifetime for opaque tokens.
func (m *TokenManager) expiry(raw string, issued time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return issued.Add(m.lifetime)
}
