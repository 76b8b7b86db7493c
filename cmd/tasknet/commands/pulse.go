package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/tasknet/am"
	"github.com/teranos/tasknet/display"
	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/logger"
	"github.com/teranos/tasknet/pulse/async"
	"github.com/teranos/tasknet/pulse/schedule"
	"github.com/teranos/tasknet/sym"
)

// PulseCmd represents the pulse command
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run and inspect the task worker pool",
	Long: sym.Pulse + ` Pulse - the task system.

Pulse runs registered tasks from the HIGH and REGULAR queues, fires
scheduled tasks from the ticker, and keeps finished jobs for
pulse.retention_hours.

Examples:
  tasknet pulse start                 # Run workers and ticker in the foreground
  tasknet pulse start --workers 4     # Override pulse.workers
  tasknet pulse ls --status RUNNING   # List running jobs
  tasknet pulse cancel <job-id>       # Request cancellation of a job
  tasknet pulse schedules --all       # List every scheduled task`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the worker pool and schedule ticker",
	Long: `Run the worker pool and schedule ticker in the foreground until
interrupted. Running jobs get a grace period to finish on Ctrl+C.`,
	RunE: runPulseStart,
}

var pulseLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE:  runPulseLs,
}

var pulseCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runPulseCancel,
}

var pulseSchedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "List scheduled tasks",
	RunE:  runPulseSchedules,
}

var (
	pulseWorkers int
	lsQueue      string
	lsStatus     string
	lsFunc       string
	lsLimit      int
	schedulesAll bool
	pulseDBPath  string
)

func init() {
	PulseCmd.PersistentFlags().StringVar(&pulseDBPath, "db-path", "", "Database path (overrides database.path)")

	pulseStartCmd.Flags().IntVar(&pulseWorkers, "workers", -1, "Number of concurrent workers (default pulse.workers)")

	pulseLsCmd.Flags().StringVar(&lsQueue, "queue", "", "Only jobs on this queue (HIGH, REGULAR)")
	pulseLsCmd.Flags().StringVar(&lsStatus, "status", "", "Only jobs with this status")
	pulseLsCmd.Flags().StringVar(&lsFunc, "func", "", "Only jobs of this registered func")
	pulseLsCmd.Flags().IntVar(&lsLimit, "limit", 50, "Maximum number of jobs")

	pulseLsCmd.Flags().BoolP("json", "j", false, "Output jobs as JSON")

	pulseSchedulesCmd.Flags().BoolVar(&schedulesAll, "all", false, "Include finished schedules")
	pulseSchedulesCmd.Flags().BoolP("json", "j", false, "Output schedules as JSON")

	PulseCmd.AddCommand(pulseStartCmd)
	PulseCmd.AddCommand(pulseLsCmd)
	PulseCmd.AddCommand(pulseCancelCmd)
	PulseCmd.AddCommand(pulseSchedulesCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if pulseWorkers >= 0 {
		cfg.Pulse.Workers = pulseWorkers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	database, _, err := openDatabase(cfg, pulseDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := buildStack(ctx, database, cfg, logger.Logger)
	if err := st.scheduleSystemTasks(ctx, cfg); err != nil {
		return errors.Wrap(err, "failed to schedule built-in tasks")
	}

	st.pool.Start()
	if st.ticker != nil {
		st.ticker.Start()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Pulse started\n", sym.Pulse)
	fmt.Fprintf(out, "  Workers: %d\n", st.pool.Workers())
	fmt.Fprintf(out, "  Poll interval: %v\n", cfg.Pulse.PollInterval())
	fmt.Fprintf(out, "  Ticker interval: %v\n", cfg.Pulse.TickerInterval())
	fmt.Fprintf(out, "  Registered tasks: %s\n", strings.Join(st.registry.Names(), ", "))
	fmt.Fprintf(out, "\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Fprintf(out, "\n%s Stopping...\n", sym.PulseClose)
	if st.ticker != nil {
		st.ticker.Stop()
	}
	st.pool.Stop()
	fmt.Fprintf(out, "%s Pulse stopped\n", sym.Pulse)
	return nil
}

func runPulseLs(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, _, err := openDatabase(cfg, pulseDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	filter := async.JobFilter{Func: lsFunc, Limit: lsLimit}
	if lsQueue != "" {
		filter.Queue = async.NormalizePriority(lsQueue)
	}
	if lsStatus != "" {
		status := strings.ToUpper(lsStatus)
		if !async.IsValidStatus(status) {
			return errors.NewInvalidRequestError("unknown status %q", lsStatus)
		}
		filter.Status = async.JobStatus(status)
	}

	jobs, err := async.NewStore(database).ListJobs(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), jobs)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFUNC\tQUEUE\tSTATUS\tPROGRESS\tUPDATED")
	for _, job := range jobs {
		progress := "-"
		if job.TrackProgress && job.Progress.Total > 0 {
			progress = fmt.Sprintf("%d/%d", job.Progress.Current, job.Progress.Total)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			job.ID, job.Func, job.Queue, job.Status, progress,
			job.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runPulseCancel(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, _, err := openDatabase(cfg, pulseDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	// The owning process notices CANCELING through Job.CheckForCancel
	job, err := async.NewStore(database).RequestCancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Job %s is %s\n", sym.Pulse, job.ID, job.Status)
	return nil
}

func runPulseSchedules(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, _, err := openDatabase(cfg, pulseDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	scheduler := schedule.NewScheduler(schedule.NewStore(database), logger.Logger)
	entries, err := scheduler.List(cmd.Context(), schedulesAll)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), entries)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFUNC\tQUEUE\tEVERY\tNEXT RUN\tRUNS\tSTATE")
	for _, e := range entries {
		every := "once"
		switch {
		case e.CronExpr != "":
			every = e.CronExpr
		case e.Interval > 0:
			every = e.Interval.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.ID, e.Func, e.Queue, every,
			e.NextRunAt.Local().Format(time.DateTime), e.RunCount, e.State)
	}
	return w.Flush()
}
