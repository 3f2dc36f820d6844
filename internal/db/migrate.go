package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one embedded SQL script, applied in lexical order of Version.
type Migration struct {
	Version string
	Applied bool
}

func versions() ([]string, error) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migration files: %w", err)
	}

	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			out = append(out, entry.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func ensureLedger(ctx context.Context, database *sql.DB) error {
	if _, err := database.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}
	return nil
}

// Status lists every embedded migration and whether it has been applied.
func Status(ctx context.Context, database *sql.DB) ([]Migration, error) {
	if err := ensureLedger(ctx, database); err != nil {
		return nil, err
	}

	all, err := versions()
	if err != nil {
		return nil, err
	}

	applied := make(map[string]bool, len(all))
	rows, err := database.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}

	out := make([]Migration, 0, len(all))
	for _, version := range all {
		out = append(out, Migration{Version: version, Applied: applied[version]})
	}
	return out, nil
}

// RunMigrations applies pending migrations, each in its own transaction, and
// returns the versions it applied.
func RunMigrations(ctx context.Context, database *sql.DB) ([]string, error) {
	status, err := Status(ctx, database)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, m := range status {
		if m.Applied {
			continue
		}
		if err := apply(ctx, database, m.Version); err != nil {
			return done, err
		}
		done = append(done, m.Version)
	}

	return done, nil
}

func apply(ctx context.Context, database *sql.DB, version string) error {
	script, err := migrationFiles.ReadFile("migrations/" + version)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", version, err)
	}

	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		return fmt.Errorf("execute migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}
