package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_initial_schema.sql
var initialSchemaSQL string

// Migrations are append-only: never edit an applied file, add a new one.
var allMigrations = []struct {
	version int
	name    string
	script  string
}{
	{1, "initial_schema", initialSchemaSQL},
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range allMigrations {
		if applied[m.version] {
			continue
		}
		if err := applyMigration(ctx, db, m.version, m.name, m.script); err != nil {
			return err
		}
	}
	return nil
}

// applyMigration runs one script and its bookkeeping row in a single
// transaction, so a half-applied migration is never recorded.
func applyMigration(ctx context.Context, db *sql.DB, version int, name, script string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range sqlStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", version, name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, version, name); err != nil {
		return fmt.Errorf("migration %d: record: %w", version, err)
	}
	return tx.Commit()
}

// sqlStatements splits a script on semicolons, dropping blanks and
// comment-only chunks.
func sqlStatements(script string) []string {
	var out []string
	for _, chunk := range strings.Split(script, ";") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" || commentOnly(chunk) {
			continue
		}
		out = append(out, chunk)
	}
	return out
}

func commentOnly(chunk string) bool {
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
