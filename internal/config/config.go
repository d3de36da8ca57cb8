package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/zonesync/internal/safety"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the top-level configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Storage  StorageConfig  `yaml:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Schedule ScheduleConfig `yaml:"schedule"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Listen string `yaml:"listen" env:"LISTEN"`
	// LogBuffer is how many recent log entries GET /api/logs can return.
	LogBuffer int `yaml:"log_buffer"`
}

// APIConfig holds the zone service endpoints, credentials and limits
type APIConfig struct {
	AuthURL           string        `yaml:"auth_url" env:"ICANN_AUTH_URL"`
	BaseURL           string        `yaml:"base_url" env:"CZDS_BASE_URL"`
	Username          string        `yaml:"username" env:"ICANN_USER"`
	Password          string        `yaml:"password" env:"ICANN_PASS"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	DownloadTimeout   time.Duration `yaml:"download_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
}

// StorageConfig selects the record store. DSN is a file path for sqlite and
// a connection string for postgres.
type StorageConfig struct {
	Driver          string        `yaml:"driver" env:"DB_DRIVER"`
	DSN             string        `yaml:"dsn" env:"DB_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// PipelineConfig holds download, parse and ingest settings
type PipelineConfig struct {
	TempDir         string   `yaml:"temp_dir" env:"TEMP_DIR"`
	BatchSize       int      `yaml:"batch_size" env:"BATCH_SIZE"`
	RecordTypes     []string `yaml:"record_types" env:"RECORD_TYPES"`
	KeepArtifacts   bool     `yaml:"keep_artifacts" env:"KEEP_ARTIFACTS"`
	ProgressEvery   int      `yaml:"progress_every"`
	DownloadWorkers int      `yaml:"download_workers" env:"DOWNLOAD_WORKERS"`
	ParseWorkers    int      `yaml:"parse_workers" env:"PARSE_WORKERS"`
}

// ScheduleConfig holds scheduler settings. Enabled is only the initial
// value; once toggled the flag stored in the database wins.
type ScheduleConfig struct {
	Enabled       bool          `yaml:"enabled" env:"AUTO_DOWNLOAD"`
	Hour          int           `yaml:"hour" env:"CRON_HOUR"`
	Minute        int           `yaml:"minute" env:"CRON_MINUTE"`
	FollowUpDelay time.Duration `yaml:"follow_up_delay"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:    "0.0.0.0:8080",
			LogBuffer: 200,
		},
		API: APIConfig{
			AuthURL:           "https://account-api.icann.org/api/authenticate",
			BaseURL:           "https://czds-api.icann.org",
			RequestTimeout:    30 * time.Second,
			DownloadTimeout:   30 * time.Minute,
			RequestsPerSecond: 2,
			Burst:             1,
			MaxRetries:        3,
			RetryBaseDelay:    time.Second,
			RetryMaxDelay:     60 * time.Second,
		},
		Storage: StorageConfig{
			Driver:          DriverSQLite,
			DSN:             "/var/lib/zonesync/zonesync.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Pipeline: PipelineConfig{
			TempDir:         "/var/lib/zonesync/tmp",
			BatchSize:       10000,
			RecordTypes:     []string{"NS", "A", "AAAA", "CNAME", "MX", "TXT", "SOA"},
			ProgressEvery:   100000,
			DownloadWorkers: 1,
			ParseWorkers:    1,
		},
		Schedule: ScheduleConfig{
			Enabled:       true,
			Hour:          4,
			Minute:        0,
			FollowUpDelay: time.Hour,
		},
	}
}

// Load reads a config file from the given path, then applies .env files and
// environment overrides. An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, fmt.Errorf("loading env files: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"zonesync.yaml",
		"/etc/zonesync/zonesync.yaml",
	}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "zonesync", "zonesync.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.API.Username == "" || c.API.Password == "" {
		add("api.username and api.password are required (or set ICANN_USER and ICANN_PASS)")
	}
	if _, err := safety.ValidateCredentialURL(c.API.AuthURL); err != nil {
		add("api.auth_url: %w", err)
	}
	if _, err := safety.ValidateCredentialURL(c.API.BaseURL); err != nil {
		add("api.base_url: %w", err)
	}
	if c.API.MaxRetries < 0 {
		add("api.max_retries must not be negative, got %d", c.API.MaxRetries)
	}
	if c.API.RequestsPerSecond < 0 {
		add("api.requests_per_second must not be negative")
	}

	switch c.Storage.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		add("storage.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		add("storage.dsn is required")
	}

	if c.Pipeline.BatchSize <= 0 {
		add("pipeline.batch_size must be positive, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.TempDir == "" {
		add("pipeline.temp_dir is required")
	}
	if c.Pipeline.DownloadWorkers < 1 || c.Pipeline.ParseWorkers < 1 {
		add("pipeline.download_workers and pipeline.parse_workers must be at least 1")
	}
	if c.Pipeline.ProgressEvery < 0 {
		add("pipeline.progress_every must not be negative")
	}

	if c.Schedule.Hour < 0 || c.Schedule.Hour > 23 {
		add("schedule.hour must be 0-23, got %d", c.Schedule.Hour)
	}
	if c.Schedule.Minute < 0 || c.Schedule.Minute > 59 {
		add("schedule.minute must be 0-59, got %d", c.Schedule.Minute)
	}

	return errors.Join(errs...)
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	out.Pipeline.RecordTypes = append([]string(nil), c.Pipeline.RecordTypes...)
	if out.API.Password != "" {
		out.API.Password = "********"
	}
	if out.Storage.Driver == DriverPostgres && out.Storage.DSN != "" {
		out.Storage.DSN = "********"
	}
	return &out
}
