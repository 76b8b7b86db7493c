package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/tasknet/am"
	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the tasknet database",
	Long: sym.DB + ` db - Manage the tasknet database

Examples:
  tasknet db migrate                      # Apply pending migrations
  tasknet db migrate --db-path /tmp/t.db  # Migrate a specific file`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbPathFlag string

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Database path (overrides database.path)")
	DbCmd.AddCommand(dbMigrateCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, path, err := openDatabase(cfg, dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	var applied int
	if err := database.QueryRowContext(cmd.Context(), `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		return errors.Wrap(err, "failed to count applied migrations")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s is up to date (%d migrations applied)\n", sym.DB, path, applied)
	return nil
}
