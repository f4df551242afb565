// Package commands implements the mailpulse CLI.
package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/mailpulse/mailpulse/am"
	"github.com/mailpulse/mailpulse/db"
	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/logger"
)

// ConfigPath is the --config flag; empty means the merged config cascade
var ConfigPath string

// Setup loads configuration and initializes the global logger before any
// command runs. -v flags override log.level.
func Setup(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if verbosity, _ := cmd.Flags().GetCount("verbose"); verbosity > 0 {
		level = logger.VerbosityToLevel(verbosity).String()
	}
	if err := logger.Initialize(cfg.Log.JSON, level); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	return nil
}

func loadConfig() (*am.Config, error) {
	if ConfigPath != "" {
		return am.LoadFromFile(ConfigPath)
	}
	return am.Load()
}

// openDatabase opens and migrates the configured database
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.Database.Path
	if path == "" {
		path = "mailpulse.db"
	}
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}
