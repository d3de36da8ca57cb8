package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/zonesync/internal/engine"
)

var runJSON bool

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Download, parse and store every approved zone once",
		Long: `Run the pipeline once in the foreground. Every TLD the account is approved
for is downloaded, parsed and ingested in catalog order. A TLD that fails is
logged and the run moves on to the next one.

Interrupting the command cancels the run; TLDs already ingested stay stored.`,
		Example: `  zonesync run
  zonesync run --json`,
		RunE: runRun,
	}

	cmd.Flags().BoolVar(&runJSON, "json", false, "print the run summary as JSON")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	if globalCoord == nil {
		return fmt.Errorf("coordinator not initialized")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, runErr := globalCoord.Run(ctx, engine.TriggerCLI)
	if summary != nil {
		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return fmt.Errorf("failed to encode summary: %w", err)
			}
		} else {
			printSummary(os.Stdout, summary)
		}
	}
	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}
	return nil
}

// printSummary writes a human-readable run summary
func printSummary(w io.Writer, s *engine.RunSummary) {
	fmt.Fprintln(w, "Run Summary")
	fmt.Fprintln(w, "===========")
	fmt.Fprintf(w, "Run ID:     %s\n", s.RunID)
	fmt.Fprintf(w, "Status:     %s\n", s.Status)
	fmt.Fprintf(w, "Duration:   %s\n", s.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "TLDs:       %d total, %d succeeded, %d partial, %d failed, %d skipped\n",
		s.TotalTLDs, s.Succeeded, s.Partial, s.Failed, s.Skipped)
	fmt.Fprintf(w, "Records:    %s\n", humanize.Comma(s.RecordsInserted))
	if s.Stopped {
		fmt.Fprintln(w, "Stopped:    yes")
	}
	if s.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", s.Error)
	}
}
