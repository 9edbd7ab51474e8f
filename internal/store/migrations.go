package store

import (
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/collabedit/core/internal/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrate applies all pending schema migrations in filename order. Each
// migration is tracked in the schema_migrations table so reruns are cheap.
func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			filename TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	applied := 0
	for i, entry := range entries {
		version := i + 1
		if version <= currentVersion {
			continue
		}

		filename := entry.Name()
		logger.Info("applying migration %d: %s", version, filename)

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", filename))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", filename, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("migration %s: %w", filename, err)
		}
		if _, err := db.Exec(
			"INSERT INTO schema_migrations (version, filename, applied_at) VALUES (?, ?, ?)",
			version, filename, time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("record migration %s: %w", filename, err)
		}
		applied++
	}

	if applied > 0 {
		logger.Info("applied %d migration(s)", applied)
	} else {
		logger.Debug("schema up to date (version %d)", currentVersion)
	}
	return nil
}
