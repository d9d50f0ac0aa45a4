// Package store provides SQLite-backed persistence for conductor.
// It owns the schema for every orchestration entity and exposes the
// atomic check-then-act operations the components rely on.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps an SQLite database connection with conductor-specific operations.
type Store struct {
	conn *sql.DB
	path string
}

// DefaultPath returns the path to the conductor database under XDG data home.
func DefaultPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "conductor", "conductor.db")
}

// Open opens an SQLite database at the given path, creating parent
// directories as needed. WAL mode is enabled for concurrent reads and a
// busy timeout covers writer contention. Migrations run before return.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection also keeps
	// :memory: databases coherent across calls.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Path returns the path to the database file.
func (s *Store) Path() string {
	return s.path
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// migrate applies all pending schema migrations.
func (s *Store) migrate() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Tasks},
		{2, migrationV2Pipelines},
		{3, migrationV3Agents},
		{4, migrationV4Events},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	parent_id TEXT,
	title TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'backlog',
	priority INTEGER NOT NULL DEFAULT 0,
	progress_percentage INTEGER NOT NULL DEFAULT 0 CHECK (progress_percentage BETWEEN 0 AND 100),
	blocked_reason TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS hierarchy_edges (
	task_id TEXT NOT NULL,
	ancestor_id TEXT NOT NULL,
	depth INTEGER NOT NULL CHECK (depth >= 0),
	PRIMARY KEY (task_id, ancestor_id)
);

CREATE INDEX IF NOT EXISTS idx_hierarchy_ancestor ON hierarchy_edges(ancestor_id);

CREATE TABLE IF NOT EXISTS dependency_edges (
	dependent_id TEXT NOT NULL,
	dependency_id TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'blocks',
	created_at DATETIME NOT NULL,
	PRIMARY KEY (dependent_id, dependency_id)
);

CREATE INDEX IF NOT EXISTS idx_dependency_dependency ON dependency_edges(dependency_id);
`

const migrationV2Pipelines = `
CREATE TABLE IF NOT EXISTS pipelines (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	steps TEXT NOT NULL,
	trigger_config TEXT NOT NULL DEFAULT '{}',
	success_rate REAL NOT NULL DEFAULT 0,
	average_duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (owner_id, name)
);

CREATE TABLE IF NOT EXISTS pipeline_executions (
	id TEXT PRIMARY KEY,
	pipeline_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	error_details TEXT,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_executions_pipeline ON pipeline_executions(pipeline_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON pipeline_executions(status);

CREATE TABLE IF NOT EXISTS pipeline_steps (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	name TEXT NOT NULL,
	step_order INTEGER NOT NULL DEFAULT 0,
	depends_on TEXT,
	task_type TEXT,
	prompt TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	error_details TEXT,
	started_at DATETIME,
	completed_at DATETIME,
	UNIQUE (execution_id, name)
);

CREATE INDEX IF NOT EXISTS idx_steps_execution ON pipeline_steps(execution_id);
`

const migrationV3Agents = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	capabilities TEXT,
	active INTEGER NOT NULL DEFAULT 1,
	max_concurrent_tasks INTEGER NOT NULL CHECK (max_concurrent_tasks > 0),
	success_rate REAL NOT NULL DEFAULT 0,
	average_completion_ms INTEGER NOT NULL DEFAULT 0,
	last_used_at DATETIME,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agents_type ON agents(type);

CREATE TABLE IF NOT EXISTS agent_tasks (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	task_id TEXT,
	step_id TEXT,
	status TEXT NOT NULL DEFAULT 'queued',
	priority INTEGER NOT NULL DEFAULT 0,
	prompt TEXT,
	result TEXT,
	error_details TEXT,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	cost_cents INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_agent_tasks_agent ON agent_tasks(agent_id);
CREATE INDEX IF NOT EXISTS idx_agent_tasks_status ON agent_tasks(status);
`

const migrationV4Events = `
CREATE TABLE IF NOT EXISTS webhook_events (
	id TEXT PRIMARY KEY,
	integration_id TEXT NOT NULL,
	external_event_id TEXT NOT NULL,
	source TEXT NOT NULL,
	event_type TEXT,
	payload BLOB,
	headers TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	retry_after DATETIME,
	error_details TEXT,
	received_at DATETIME NOT NULL,
	processed_at DATETIME,
	UNIQUE (integration_id, external_event_id)
);

CREATE INDEX IF NOT EXISTS idx_events_status ON webhook_events(status);

CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	target_config TEXT,
	message TEXT,
	triggered_at DATETIME NOT NULL
);
`

// Transaction runs the given function within a transaction. The wrapped
// Tx exposes typed helpers so check-then-act sequences commit atomically.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	raw, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	tx := &Tx{tx: raw}
	if err := fn(tx); err != nil {
		raw.Rollback()
		return err
	}

	return raw.Commit()
}

// Tx wraps an open transaction with entity-level helpers.
type Tx struct {
	tx *sql.Tx
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// formatNullableTime formats an optional time for SQLite storage.
func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}
