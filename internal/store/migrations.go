package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// loadMigrations reads the embedded migrations directory. Each file is one
// migration named NNN_description.sql; the numeric prefix is its version.
func loadMigrations() (versions []int, byVersion map[int]struct{ name, script string }, err error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion = make(map[int]struct{ name, script string }, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		prefix, _, ok := strings.Cut(strings.TrimSuffix(name, ".sql"), "_")
		if !ok {
			return nil, nil, fmt.Errorf("migration %q: missing version prefix", name)
		}
		version, convErr := strconv.Atoi(prefix)
		if convErr != nil {
			return nil, nil, fmt.Errorf("migration %q: bad version prefix: %w", name, convErr)
		}
		if _, dup := byVersion[version]; dup {
			return nil, nil, fmt.Errorf("migration version %d declared twice", version)
		}
		raw, readErr := migrationFiles.ReadFile("migrations/" + name)
		if readErr != nil {
			return nil, nil, fmt.Errorf("read migration %q: %w", name, readErr)
		}
		byVersion[version] = struct{ name, script string }{name: name, script: string(raw)}
		versions = append(versions, version)
	}
	sort.Ints(versions)
	return versions, byVersion, nil
}

// runMigrations brings the database schema up to date, applying each pending
// migration in its own transaction and recording it so a restart resumes
// where it left off.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}

	versions, byVersion, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, version := range versions {
		if version <= current {
			continue
		}
		m := byVersion[version]
		if err := applyMigration(ctx, db, version, m.name, m.script); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, version int, name, script string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", version, err)
	}
	defer tx.Rollback()

	for _, stmt := range sqlStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, version, name); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return tx.Commit()
}

// sqlStatements splits a migration script into executable statements:
// comment lines are stripped first, then the remainder splits on semicolons.
func sqlStatements(script string) []string {
	var code []string
	for _, line := range strings.Split(script, "\n") {
		if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "--") {
			continue
		}
		code = append(code, line)
	}

	var stmts []string
	for _, chunk := range strings.Split(strings.Join(code, "\n"), ";") {
		if stmt := strings.TrimSpace(chunk); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
