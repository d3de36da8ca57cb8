package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/zonesync/internal/scheduler"
	"github.com/BadgerOps/zonesync/internal/server"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the JSON API and the daily download schedule",
		Long: `Start the HTTP server and the scheduler. The server exposes job control,
status, logs, download history and stored records as JSON, plus Prometheus
metrics on /metrics.

By default, the server listens on the address configured in the config file
(default: 0.0.0.0:8080). Use --listen to override.`,
		Example: `  zonesync serve
  zonesync serve --listen 127.0.0.1:9000`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalCoord == nil {
		return fmt.Errorf("coordinator not initialized")
	}

	listen := globalCfg.Server.Listen
	if serveListen != "" {
		listen = serveListen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched, err := scheduler.New(globalCoord, globalStore, schedulerConfig(globalCfg.Schedule), globalMetrics, globalLogs, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// Runs started over HTTP outlive their request but not the process.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	srv := server.NewServer(globalCoord, sched, globalStore, globalLogs, globalMetrics, logger).WithRunContext(runCtx)

	log.Info("server starting", "listen", listen, "driver", globalCfg.Storage.Driver, "schedule", sched.Status().Schedule)

	errChan := make(chan error, 1)
	go func() {
		fmt.Printf("Starting server on %s...\n", listen)
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	var serveErr error
	select {
	case serveErr = <-errChan:
	case <-ctx.Done():
		log.Info("received shutdown signal")
		fmt.Println("\nShutting down server...")
	}

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}

	// An in-flight run stops at its next cancellation point.
	cancelRuns()
	globalCoord.Wait()

	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	fmt.Println("Server stopped gracefully")
	return nil
}
