// Package store provides SQLite-backed persistence for fleetcore.
//
// The store is the single source of truth for agent and task records. Every
// row carries a monotonically increasing revision; all status changes go
// through compare-and-swap updates so concurrent coordinator loops can never
// double-apply a transition.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store provides access to the fleetcore SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		capabilities TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'spawning',
		current_task_id TEXT,
		last_heartbeat DATETIME,
		rev INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		capability TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		payload TEXT,
		status TEXT NOT NULL DEFAULT 'queued',
		assigned_agent TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		resource_scope TEXT,
		deadline DATETIME,
		cancel_wanted INTEGER NOT NULL DEFAULT 0,
		rev INTEGER NOT NULL DEFAULT 1,
		enqueued_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS crisis_events (
		id TEXT PRIMARY KEY,
		severity TEXT NOT NULL,
		category TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		subject_kind TEXT NOT NULL,
		detail TEXT,
		urgency INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		acked_by TEXT,
		acked_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS conflict_cases (
		id TEXT PRIMARY KEY,
		task_ids TEXT NOT NULL,
		changes TEXT NOT NULL,
		detected_at DATETIME NOT NULL,
		resolution TEXT NOT NULL DEFAULT 'pending',
		detail TEXT
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		subject_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_capability ON tasks(capability);
	CREATE INDEX IF NOT EXISTS idx_crisis_events_ack ON crisis_events(acknowledged);
	CREATE INDEX IF NOT EXISTS idx_conflict_cases_resolution ON conflict_cases(resolution);
	`

	_, err := s.db.Exec(schema)
	return err
}
