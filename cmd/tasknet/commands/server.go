package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tasknet/am"
	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/logger"
	"github.com/teranos/tasknet/server"
	"github.com/teranos/tasknet/sym"
)

// ServerCmd starts the tasknet HTTP server
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Start the HTTP API, workers and job update stream",
	Long: `Start the tasknet server: the task and network location HTTP API, the
worker pool, the schedule ticker and the /ws/tasks job update stream.

The config file is watched; queue rate limits are re-applied on change.`,
	RunE: runServer,
}

var (
	serverPort   int
	serverDBPath string
)

func init() {
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "Port to listen on (default server.port)")
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Database path (overrides database.path)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if serverPort > 0 {
		cfg.Server.Port = serverPort
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	database, dbPath, err := openDatabase(cfg, serverDBPath)
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

	// Without a config file there is nothing to watch
	var watcher *am.ConfigWatcher
	if path := am.ConfigFileUsed(); path != "" {
		watcher, err = am.NewConfigWatcher(path)
		if err != nil {
			logger.Warnw("Config watcher disabled", "path", path, logger.FieldError, err)
		} else {
			am.SetGlobalWatcher(watcher)
		}
	}

	srv, err := server.New(server.Options{
		Config:        cfg,
		Registry:      st.registry,
		Pool:          st.pool,
		Scheduler:     st.scheduler,
		Ticker:        st.ticker,
		Discovery:     st.discovery,
		ConfigWatcher: watcher,
		Logger:        logger.Logger,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s tasknet server on :%d (database %s)\n", sym.Pulse, cfg.GetServerPort(), dbPath)
	if cfg.Server.SuperuserToken == "" {
		pterm.Warning.Println("No superuser token configured; admin endpoints will refuse every request")
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(fmt.Sprintf(":%d", cfg.GetServerPort()))
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server stopped unexpectedly")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
			defer stopCancel()
			shutdownDone <- srv.Stop(stopCtx)
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}
