package commands

import (
	"database/sql"

	"github.com/teranos/tasknet/am"
	"github.com/teranos/tasknet/db"
	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/logger"
)

// openDatabase opens and migrates the database at dbPath, or at
// database.path from config when dbPath is empty.
func openDatabase(cfg *am.Config, dbPath string) (*sql.DB, string, error) {
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, dbPath, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, dbPath, nil
}
