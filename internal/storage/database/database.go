// Package database opens the SQLite database shared by runs, audit and memory.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Options controls which schema parts are provisioned.
type Options struct {
	// ProvisionMemory creates the session and long-term memory tables.
	ProvisionMemory bool
}

// Open opens (creating if needed) the database at path and applies migrations.
// SQLite allows a single writer, so the pool is limited to one connection.
func Open(ctx context.Context, path string, opts Options) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := Migrate(ctx, db, opts); err != nil {
		db.Close()
		return nil, err
	}
	slog.Debug("database ready", "path", path, "memory", opts.ProvisionMemory)
	return db, nil
}

var coreSchema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id            TEXT PRIMARY KEY,
		prompt        TEXT NOT NULL,
		model         TEXT NOT NULL DEFAULT '',
		tools         TEXT NOT NULL DEFAULT '[]',
		status        TEXT NOT NULL,
		memory_key    TEXT NOT NULL DEFAULT '',
		plan_state    TEXT,
		error_message TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		started_at    INTEGER,
		finished_at   INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at)`,
	`CREATE TABLE IF NOT EXISTS run_logs (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		line       TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_logs_run ON run_logs(run_id, id)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id         TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL,
		level      TEXT NOT NULL,
		message    TEXT NOT NULL,
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_log(run_id, created_at)`,
}

var memorySchema = []string{
	`CREATE TABLE IF NOT EXISTS agent_memory (
		id         TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL,
		content    TEXT NOT NULL,
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_memory_run ON agent_memory(run_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS agent_long_term_memory (
		id               TEXT PRIMARY KEY,
		memory_key       TEXT NOT NULL,
		content          TEXT NOT NULL,
		summary          TEXT NOT NULL DEFAULT '',
		tags             TEXT NOT NULL DEFAULT '[]',
		importance       REAL NOT NULL DEFAULT 0,
		metadata         TEXT NOT NULL DEFAULT '{}',
		last_accessed_at INTEGER NOT NULL,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ltm_key ON agent_long_term_memory(memory_key, updated_at)`,
}

// Migrate creates the schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB, opts Options) error {
	stmts := coreSchema
	if opts.ProvisionMemory {
		stmts = append(append([]string{}, coreSchema...), memorySchema...)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// TableExists reports whether a table is present.
func TableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return n > 0, nil
}
