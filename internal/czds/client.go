// Package czds talks to a CZDS-style zone file distribution API: it manages
// the bearer token, lists the TLDs the account is approved for and streams
// zone artifacts to disk.
package czds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/BadgerOps/zonesync/internal/retry"
	"github.com/BadgerOps/zonesync/internal/safety"
)

const (
	DefaultAuthURL = "https://account-api.icann.org/api/authenticate"
	DefaultBaseURL = "https://czds-api.icann.org"

	maxCatalogBytes = 16 << 20
	maxErrorBody    = 64 << 10
)

// Config holds the client settings.
type Config struct {
	AuthURL  string
	BaseURL  string
	Username string
	Password string

	TokenLifetime time.Duration
	RefreshMargin time.Duration

	RequestTimeout  time.Duration
	DownloadTimeout time.Duration

	RequestsPerSecond float64
	Burst             int
	UserAgent         string
}

// DefaultConfig returns the public CZDS endpoints and conservative limits.
func DefaultConfig() Config {
	return Config{
		AuthURL:           DefaultAuthURL,
		BaseURL:           DefaultBaseURL,
		TokenLifetime:     time.Hour,
		RefreshMargin:     10 * time.Minute,
		RequestTimeout:    30 * time.Second,
		DownloadTimeout:   30 * time.Minute,
		RequestsPerSecond: 2,
		Burst:             1,
		UserAgent:         "zonesync/1.0",
	}
}

// Stream is an open zone download. Reading Body to EOF verifies the byte
// count against ExpectedLength when the server declared one.
type Stream struct {
	TLD            string
	Body           io.ReadCloser
	ExpectedLength int64
}

// DownloadResult describes a zone artifact written to disk.
type DownloadResult struct {
	TLD      string
	Path     string
	Size     int64
	Attempts int
	Duration time.Duration
}

// Client performs authenticated catalog and download requests.
type Client struct {
	cfg       Config
	tokens    *TokenManager
	apiClient *http.Client
	dlClient  *http.Client
	limiter   *rate.Limiter
	policy    retry.Policy
	logger    *slog.Logger
}

// NewClient creates a client. Every retried operation runs under policy.
func NewClient(cfg Config, policy retry.Policy, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.AuthURL == "" {
		cfg.AuthURL = def.AuthURL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = def.TokenLifetime
	}
	if cfg.RefreshMargin < 0 {
		cfg.RefreshMargin = 0
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = def.DownloadTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	apiClient := safety.NewHTTPClient(cfg.RequestTimeout)
	return &Client{
		cfg:       cfg,
		tokens:    NewTokenManager(cfg, apiClient, policy, logger),
		apiClient: apiClient,
		dlClient:  safety.NewStreamingClient(cfg.RequestTimeout),
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		policy:    policy,
		logger:    logger,
	}
}

// Authenticate exchanges the configured credentials for a token.
func (c *Client) Authenticate(ctx context.Context) error {
	return c.tokens.Authenticate(ctx, c.cfg.Username, c.cfg.Password)
}

// ListApprovedTLDs returns the TLDs the account may download, de-duplicated
// and in lexicographic order.
func (c *Client) ListApprovedTLDs(ctx context.Context) ([]string, error) {
	var links []string
	err := c.policy.Execute(ctx, "list approved tlds", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()

		resp, err := c.do(ctx, c.apiClient, http.MethodGet, c.cfg.BaseURL+"/czds/downloads/links")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := safety.ReadAllWithLimit(resp.Body, maxCatalogBytes)
		if err != nil {
			return fmt.Errorf("failed to read catalog: %w", err)
		}
		links = nil
		if err := json.Unmarshal(body, &links); err != nil {
			return &APIError{StatusCode: resp.StatusCode, Status: "invalid catalog payload", Body: err.Error()}
		}
		return nil
	}, Classify)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(links))
	tlds := make([]string, 0, len(links))
	for _, link := range links {
		tld := TLDFromLink(link)
		if tld == "" || seen[tld] {
			continue
		}
		seen[tld] = true
		tlds = append(tlds, tld)
	}
	sort.Strings(tlds)

	c.logger.Info("catalog listed", "links", len(links), "tlds", len(tlds))
	return tlds, nil
}

// TLDFromLink extracts "<tld>" from a ".../<tld>.zone" download link.
func TLDFromLink(link string) string {
	p := link
	if u, err := url.Parse(link); err == nil && u.Path != "" {
		p = u.Path
	}
	base := path.Base(p)
	if !strings.HasSuffix(base, ".zone") {
		return ""
	}
	tld := strings.ToLower(strings.TrimSuffix(base, ".zone"))
	if !ValidTLD(tld) {
		return ""
	}
	return tld
}

// ValidTLD reports whether s is a single lower-case DNS label.
func ValidTLD(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return true
}

// OpenDownloadStream starts a single download attempt for tld. The caller
// owns the stream and must close it.
func (c *Client) OpenDownloadStream(ctx context.Context, tld string) (*Stream, error) {
	if !ValidTLD(tld) {
		return nil, fmt.Errorf("invalid tld %q", tld)
	}
	u := c.cfg.BaseURL + "/czds/downloads/" + url.PathEscape(tld) + ".zone"

	resp, err := c.do(ctx, c.dlClient, http.MethodGet, u)
	if err != nil {
		return nil, err
	}
	return &Stream{
		TLD: tld,
		Body: &countingReader{
			rc:       resp.Body,
			tld:      tld,
			expected: resp.ContentLength,
		},
		ExpectedLength: resp.ContentLength,
	}, nil
}

// Download writes the zone for tld to dir/ArtifactName(tld, date), retrying
// the whole transfer on transient and integrity failures.
func (c *Client) Download(ctx context.Context, tld, dir string, date time.Time) (*DownloadResult, error) {
	destPath, err := safety.ArtifactPath(dir, ArtifactName(tld, date))
	if err != nil {
		return nil, fmt.Errorf("invalid artifact path for %s: %w", tld, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	start := time.Now()
	attempts := 0
	var size int64

	err = c.policy.Execute(ctx, "download "+tld, func(ctx context.Context) error {
		attempts++
		n, err := c.downloadAttempt(ctx, tld, destPath)
		size = n
		return err
	}, Classify)
	if err != nil {
		return nil, err
	}

	result := &DownloadResult{
		TLD:      tld,
		Path:     destPath,
		Size:     size,
		Attempts: attempts,
		Duration: time.Since(start),
	}
	c.logger.Info("zone downloaded", "tld", tld, "path", filepath.Base(destPath), "size", size, "attempts", attempts)
	return result, nil
}

// downloadAttempt performs one transfer into a temporary file and renames it
// into place only when the integrity check passes.
func (c *Client) downloadAttempt(ctx context.Context, tld, destPath string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DownloadTimeout)
	defer cancel()

	stream, err := c.OpenDownloadStream(ctx, tld)
	if err != nil {
		return 0, err
	}
	defer stream.Body.Close()

	partPath := destPath + ".part"
	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %w", err)
	}

	n, copyErr := io.Copy(file, stream.Body)
	closeErr := file.Close()
	if copyErr != nil {
		_ = os.Remove(partPath)
		var integrityErr *DownloadIntegrityError
		if errors.As(copyErr, &integrityErr) {
			return n, integrityErr
		}
		return n, fmt.Errorf("failed to write to file: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(partPath)
		return n, fmt.Errorf("failed to close file: %w", closeErr)
	}

	if err := os.Rename(partPath, destPath); err != nil {
		_ = os.Remove(partPath)
		return n, fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return n, nil
}

// do issues an authenticated request and converts non-2xx responses into
// APIErrors. A 401 drops the cached token.
func (c *Client) do(ctx context.Context, hc *http.Client, method, u string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	token, err := c.tokens.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := safety.ReadAllWithLimit(resp.Body, maxErrorBody)
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			c.tokens.Invalidate()
		case http.StatusTooManyRequests:
			apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		return nil, apiErr
	}
	return resp, nil
}

// countingReader enforces the declared Content-Length at end of stream.
type countingReader struct {
	rc       io.ReadCloser
	tld      string
	expected int64
	n        int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	r.n += int64(n)
	if err != nil && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
		if r.expected >= 0 && r.n != r.expected {
			return n, &DownloadIntegrityError{TLD: r.tld, Expected: r.expected, Actual: r.n}
		}
	}
	return n, err
}

func (r *countingReader) Close() error { return r.rc.Close() }
