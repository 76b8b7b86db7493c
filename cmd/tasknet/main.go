package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/tasknet/cmd/tasknet/commands"
	"github.com/teranos/tasknet/logger"
)

var rootCmd = &cobra.Command{
	Use:   "tasknet",
	Short: "tasknet - background tasks and kolibri peer discovery",
	Long: `tasknet - background task runner with peer discovery.

tasknet runs registered tasks on prioritized sqlite-backed queues, schedules
them for later or on a cron expression, and keeps track of kolibri peers on
the network.

Available commands:
  am      - Show and validate configuration ("I am")
  db      - Manage the tasknet database
  pulse   - Run and inspect the task worker pool
  server  - Start the HTTP API and job update stream
  version - Show version information

Examples:
  tasknet am show              # Show current configuration
  tasknet pulse start          # Run workers in the foreground
  tasknet pulse ls --status QUEUED
  tasknet server               # Start the API server`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// am show writes TOML to stdout; keep log lines out of it
		if cmd.Name() == "show" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		// Long-running commands report startup at info level by default
		if verbosity == 0 && (cmd.Name() == "server" || cmd.Name() == "start") {
			verbosity = logger.VerbosityInfo
		}
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write structured JSON logs")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
