package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/zonesync/internal/scheduler"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show or toggle the daily download schedule",
		Long: `Show or toggle the daily download schedule. The enabled flag is stored in
the database, so a running server picks it up on restart and it overrides
schedule.enabled from the config file.`,
		Example: `  zonesync schedule show
  zonesync schedule enable
  zonesync schedule disable`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Display the schedule and next run time",
			RunE:  scheduleShowRun,
		},
		&cobra.Command{
			Use:   "enable",
			Short: "Enable scheduled downloads",
			RunE: func(cmd *cobra.Command, args []string) error {
				return scheduleSetRun(cmd, true)
			},
		},
		&cobra.Command{
			Use:   "disable",
			Short: "Disable scheduled downloads",
			RunE: func(cmd *cobra.Command, args []string) error {
				return scheduleSetRun(cmd, false)
			},
		},
	)

	return cmd
}

// loadScheduler builds a scheduler over the store without starting it.
// The CLI never runs jobs, so the runner is nil.
func loadScheduler(cmd *cobra.Command) (*scheduler.Scheduler, error) {
	if globalStore == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	sched, err := scheduler.New(nil, globalStore, schedulerConfig(globalCfg.Schedule), nil, globalLogs, logger)
	if err != nil {
		return nil, err
	}
	if err := sched.Load(cmd.Context()); err != nil {
		return nil, err
	}
	return sched, nil
}

func scheduleShowRun(cmd *cobra.Command, args []string) error {
	sched, err := loadScheduler(cmd)
	if err != nil {
		return err
	}
	printSchedule(os.Stdout, sched.Status(), time.Now())
	return nil
}

func scheduleSetRun(cmd *cobra.Command, enabled bool) error {
	sched, err := loadScheduler(cmd)
	if err != nil {
		return err
	}
	if err := sched.SetEnabled(cmd.Context(), enabled); err != nil {
		return err
	}
	printSchedule(os.Stdout, sched.Status(), time.Now())
	return nil
}

func printSchedule(w io.Writer, st scheduler.Status, now time.Time) {
	state := "disabled"
	if st.Enabled {
		state = "enabled"
	}
	fmt.Fprintf(w, "Scheduled downloads: %s\n", state)
	fmt.Fprintf(w, "Schedule:            %s\n", st.Schedule)
	if st.NextRun != nil {
		fmt.Fprintf(w, "Next run:            %s (%s)\n",
			st.NextRun.Format("2006-01-02 15:04 MST"),
			humanize.RelTime(*st.NextRun, now, "ago", "from now"))
	}
}
