package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/zonesync/internal/store"
)

var (
	statusRuns int
	statusTLD  string
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display stored records and recent runs",
		Long: `Display record totals per TLD, the most recent runs and, with --tld, the
download history of one TLD.`,
		Example: `  zonesync status
  zonesync status --runs 10
  zonesync status --tld com`,
		RunE: statusRun,
	}

	cmd.Flags().IntVar(&statusRuns, "runs", 5, "number of recent runs to show")
	cmd.Flags().StringVar(&statusTLD, "tld", "", "show download history for one TLD")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	ctx := cmd.Context()

	stats, err := globalStore.RecordStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to load stats: %w", err)
	}
	runs, err := globalStore.ListRuns(ctx, statusRuns)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	out := os.Stdout
	printStats(out, stats, time.Now())
	printRuns(out, runs)

	if statusTLD != "" {
		logs, err := globalStore.ListDownloadLogs(ctx, strings.ToLower(statusTLD), 10)
		if err != nil {
			return fmt.Errorf("failed to list download logs: %w", err)
		}
		printDownloadLogs(out, logs)
	}
	return nil
}

func printStats(w io.Writer, stats *store.Stats, now time.Time) {
	fmt.Fprintln(w, "Zone Records")
	fmt.Fprintln(w, "============")
	fmt.Fprintln(w, "")

	if len(stats.TLDs) == 0 {
		fmt.Fprintln(w, "No records stored")
		fmt.Fprintln(w, "")
		return
	}

	fmt.Fprintf(w, "%-20s %15s\n", "TLD", "Records")
	fmt.Fprintln(w, strings.Repeat("-", 36))
	for _, tc := range stats.TLDs {
		fmt.Fprintf(w, "%-20s %15s\n", tc.TLD, humanize.Comma(tc.Records))
	}
	fmt.Fprintln(w, strings.Repeat("-", 36))
	fmt.Fprintf(w, "%-20s %15s\n", "Total", humanize.Comma(stats.TotalRecords))

	lastDownload := "never"
	if !stats.LastDownload.IsZero() {
		lastDownload = humanize.RelTime(stats.LastDownload, now, "ago", "from now")
	}
	fmt.Fprintf(w, "Last download: %s\n", lastDownload)
	fmt.Fprintln(w, "")
}

func printRuns(w io.Writer, runs []store.Run) {
	fmt.Fprintln(w, "Recent Runs")
	fmt.Fprintln(w, "===========")
	fmt.Fprintln(w, "")

	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		fmt.Fprintln(w, "")
		return
	}

	fmt.Fprintf(w, "%-17s %-10s %-8s %6s %8s %7s %14s\n", "Started", "Trigger", "Status", "TLDs", "Failed", "Partial", "Records")
	fmt.Fprintln(w, strings.Repeat("-", 76))
	for _, r := range runs {
		fmt.Fprintf(w, "%-17s %-10s %-8s %6d %8d %7d %14s\n",
			r.StartTime.Local().Format("2006-01-02 15:04"),
			r.Trigger,
			r.Status,
			r.TotalTLDs,
			r.Failed,
			r.Partial,
			humanize.Comma(r.RecordsInserted),
		)
	}
	fmt.Fprintln(w, "")
}

func printDownloadLogs(w io.Writer, logs []store.DownloadLog) {
	fmt.Fprintln(w, "Download History")
	fmt.Fprintln(w, "================")
	fmt.Fprintln(w, "")

	if len(logs) == 0 {
		fmt.Fprintln(w, "No downloads recorded")
		return
	}

	fmt.Fprintf(w, "%-17s %-8s %10s %12s %10s %10s\n", "Started", "Status", "Size", "Records", "Download", "Parse")
	fmt.Fprintln(w, strings.Repeat("-", 72))
	for _, l := range logs {
		fmt.Fprintf(w, "%-17s %-8s %10s %12s %10s %10s\n",
			l.StartedAt.Local().Format("2006-01-02 15:04"),
			l.Status,
			humanize.Bytes(uint64(max(l.FileSize, 0))),
			humanize.Comma(l.RecordsCount),
			l.DownloadDuration.Round(time.Second),
			l.ParseDuration.Round(time.Second),
		)
		if l.ErrorMessage != "" {
			fmt.Fprintf(w, "  error: %s\n", l.ErrorMessage)
		}
	}
}
