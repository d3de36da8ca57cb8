package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/zonesync/internal/config"
	"github.com/BadgerOps/zonesync/internal/czds"
	"github.com/BadgerOps/zonesync/internal/engine"
	"github.com/BadgerOps/zonesync/internal/logsink"
	"github.com/BadgerOps/zonesync/internal/metrics"
	"github.com/BadgerOps/zonesync/internal/pgstore"
	"github.com/BadgerOps/zonesync/internal/retry"
	"github.com/BadgerOps/zonesync/internal/safety"
	"github.com/BadgerOps/zonesync/internal/scheduler"
	"github.com/BadgerOps/zonesync/internal/store"
)

var (
	// Global flags
	cfgPath   string
	logLevel  string
	logFormat string
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore   store.Backend
	globalMetrics *metrics.Metrics
	globalLogs    *logsink.Recorder
	globalCoord   *engine.Coordinator
)

// openStore opens the configured record store, creating the sqlite
// directory when needed.
func openStore(ctx context.Context, cfg config.StorageConfig) (store.Backend, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		st, err := pgstore.Open(ctx, pgstore.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverSQLite, "":
		if cfg.DSN != ":memory:" {
			if err := safety.PrepareDir(filepath.Dir(cfg.DSN)); err != nil {
				return nil, fmt.Errorf("database directory: %w", err)
			}
		}
		st, err := store.New(cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// retryPolicy builds the API retry policy from config, counting every
// scheduled retry in the metrics.
func retryPolicy(cfg config.APIConfig, sink logsink.Sink, m *metrics.Metrics) retry.Policy {
	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries
	if cfg.RetryBaseDelay > 0 {
		policy.BaseDelay = cfg.RetryBaseDelay
	}
	if cfg.RetryMaxDelay > 0 {
		policy.MaxDelay = cfg.RetryMaxDelay
	}
	policy.Sink = sink
	policy.OnAttempt = func(op string, o retry.Outcome) {
		if !o.Succeeded && o.Delay > 0 {
			m.ObserveRetry(o.Class.String())
		}
	}
	return policy
}

func czdsConfig(cfg config.APIConfig) czds.Config {
	cc := czds.DefaultConfig()
	cc.AuthURL = cfg.AuthURL
	cc.BaseURL = cfg.BaseURL
	cc.Username = cfg.Username
	cc.Password = cfg.Password
	if cfg.RequestTimeout > 0 {
		cc.RequestTimeout = cfg.RequestTimeout
	}
	if cfg.DownloadTimeout > 0 {
		cc.DownloadTimeout = cfg.DownloadTimeout
	}
	cc.RequestsPerSecond = cfg.RequestsPerSecond
	if cfg.Burst > 0 {
		cc.Burst = cfg.Burst
	}
	cc.UserAgent = "zonesync/" + version
	return cc
}

func schedulerConfig(cfg config.ScheduleConfig) scheduler.Config {
	return scheduler.Config{
		Hour:          cfg.Hour,
		Minute:        cfg.Minute,
		Enabled:       cfg.Enabled,
		FollowUpDelay: cfg.FollowUpDelay,
	}
}

// initializeStore opens the store and the log buffer
func initializeStore(ctx context.Context) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	st, err := openStore(ctx, globalCfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st
	globalMetrics = metrics.New()
	globalLogs = logsink.NewRecorder(logger, globalCfg.Server.LogBuffer)
	return nil
}

// initializePipeline validates the full config and builds the zone client
// and the coordinator
func initializePipeline() error {
	if err := globalCfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := safety.PrepareDir(globalCfg.Pipeline.TempDir); err != nil {
		return fmt.Errorf("temp directory: %w", err)
	}

	policy := retryPolicy(globalCfg.API, globalLogs, globalMetrics)
	client := czds.NewClient(czdsConfig(globalCfg.API), policy, logger)

	storagePolicy := retry.DefaultPolicy()
	storagePolicy.Sink = globalLogs

	p := globalCfg.Pipeline
	globalCoord = engine.NewCoordinator(client, globalStore, globalLogs, globalMetrics, engine.Options{
		TempDir:         p.TempDir,
		BatchSize:       p.BatchSize,
		RecordTypes:     p.RecordTypes,
		KeepArtifacts:   p.KeepArtifacts,
		ProgressEvery:   p.ProgressEvery,
		DownloadWorkers: p.DownloadWorkers,
		ParseWorkers:    p.ParseWorkers,
		StoragePolicy:   storagePolicy,
	}, logger)

	logger.Info("components initialized successfully")
	return nil
}

// shouldSkipComponentInit checks if a command, or the group it belongs to,
// works without a store
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"config":  true,
	}
	for c := cmd; c != nil; c = c.Parent() {
		if skipInitCmds[c.Name()] {
			return true
		}
	}
	return false
}

// needsPipeline reports whether a command talks to the zone service
func needsPipeline(cmdName string) bool {
	return cmdName == "serve" || cmdName == "run"
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zonesync",
		Short: "Download, parse and store CZDS zone files",
		Long: `zonesync downloads the zone files a CZDS account is approved for, parses
them into records and stores them in SQLite or PostgreSQL. It runs once from
the command line or as a service with a daily schedule and a JSON API.`,
		Example: `  zonesync run
  zonesync serve --listen 0.0.0.0:8080
  zonesync status
  zonesync schedule disable
  zonesync config show`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults and environment", "error", err)
				}
			}

			var err error
			globalCfg, err = config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger.Debug("config loaded", "path", cfgPath, "driver", globalCfg.Storage.Driver)

			if shouldSkipComponentInit(cmd) {
				return nil
			}
			if err := initializeStore(cmd.Context()); err != nil {
				return err
			}
			if needsPipeline(cmd.Name()) {
				if err := initializePipeline(); err != nil {
					return err
				}
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")

	cmd.AddCommand(
		newRunCmd(),
		newServeCmd(),
		newStatusCmd(),
		newScheduleCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}
