package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/sym"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// Migration is one embedded schema file, e.g. 002_create_delivery_records.sql
type Migration struct {
	Version string
	Name    string
	file    string
}

// MigrationStatus pairs an embedded migration with whether it has been applied
type MigrationStatus struct {
	Migration
	Applied bool
}

// Available lists the embedded migrations in version order.
func Available() ([]Migration, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var list []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, rest, ok := strings.Cut(strings.TrimSuffix(name, ".sql"), "_")
		if !ok {
			return nil, errors.Newf("migration %s has no version prefix", name)
		}
		list = append(list, Migration{Version: version, Name: rest, file: name})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	return list, nil
}

// Migrate applies every migration not yet recorded in schema_migrations.
// Each file runs in its own transaction together with its bookkeeping row.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	list, err := Available()
	if err != nil {
		return err
	}

	applied, err := appliedSet(db)
	if err != nil {
		return err
	}

	count := 0
	for _, m := range list {
		if applied[m.Version] {
			continue
		}
		// 000 creates schema_migrations itself
		if len(applied) == 0 && count == 0 && m.Version != "000" {
			return errors.Newf("schema_migrations table missing, but first migration is %s", m.file)
		}
		if logger != nil {
			logger.Infow("Applying migration", "migration", m.file, "version", m.Version)
		}
		if err := apply(db, m); err != nil {
			return err
		}
		count++
	}

	if logger != nil {
		logger.Infow("Migrations complete",
			"symbol", sym.DB,
			"total_migrations", len(list),
			"applied", count,
		)
	}
	return nil
}

func apply(db *sql.DB, m Migration) error {
	body, err := migrations.ReadFile(path.Join(migrationsDir, m.file))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.file)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.file)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return errors.Wrapf(err, "execute %s", m.file)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
		return errors.Wrapf(err, "record %s", m.file)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.file)
}

// appliedSet returns the recorded versions; a missing table yields an empty set.
func appliedSet(db *sql.DB) (map[string]bool, error) {
	var exists int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'").Scan(&exists)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check schema_migrations")
	}
	set := make(map[string]bool)
	if exists == 0 {
		return set, nil
	}
	versions, err := AppliedVersions(db)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		set[v] = true
	}
	return set, nil
}

// AppliedVersions returns the recorded migration versions in order
func AppliedVersions(db *sql.DB) ([]string, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list applied migrations")
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "failed to scan migration version")
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Status reports every embedded migration and whether it is applied.
func Status(db *sql.DB) ([]MigrationStatus, error) {
	list, err := Available()
	if err != nil {
		return nil, err
	}
	applied, err := appliedSet(db)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, len(list))
	for i, m := range list {
		out[i] = MigrationStatus{Migration: m, Applied: applied[m.Version]}
	}
	return out, nil
}
