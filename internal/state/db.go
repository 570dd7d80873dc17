// Package state provides SQLite-based persistence for conclave.
// It handles both global state (~/.local/share/conclave/conclave.db) and
// project-local state (.conclave/state.db).
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverModernc is the pure-Go driver and the default.
	DriverModernc = "sqlite"
	// DriverCGO is the mattn/go-sqlite3 driver; requires a cgo build.
	DriverCGO = "sqlite3"
)

// DB wraps an SQLite database connection with conclave-specific operations.
type DB struct {
	conn  *sql.DB
	path  string
	retry RetryPolicy
	mu    sync.RWMutex
}

// ProjectDBPath returns the path to the project-local database.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".conclave", "state.db")
}

// Open opens an SQLite database at the given path using the default driver.
func Open(path string) (*DB, error) {
	return OpenWithDriver(DriverModernc, path)
}

// OpenWithDriver opens an SQLite database with the named driver.
// It creates the parent directories if they don't exist.
// WAL mode, foreign keys and a busy timeout are set on every connection.
func OpenWithDriver(driver, path string) (*DB, error) {
	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open(driver, dsn(driver, path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{
		conn:  conn,
		path:  path,
		retry: DefaultRetryPolicy(),
	}, nil
}

// dsn builds a connection string carrying per-connection pragmas.
func dsn(driver, path string) string {
	if driver == DriverCGO {
		return "file:" + path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	}
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// SetRetryPolicy replaces the contention retry policy.
func (db *DB) SetRetryPolicy(p RetryPolicy) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.retry = p
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Tasks},
		{2, migrationV2Subtasks},
		{3, migrationV3Meetings},
		{4, migrationV4RevisionMemo},
		{5, migrationV5Messages},
		{6, migrationV6TaskLogs},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
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

// Migration SQL statements
const migrationV1Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'inbox',
	assigned_agent_id TEXT,
	department_id TEXT,
	source_task_id TEXT,
	workdir TEXT,
	provider TEXT,
	run_pid INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_source_task_id ON tasks(source_task_id);
`

const migrationV2Subtasks = `
CREATE TABLE IF NOT EXISTS subtasks (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	target_department_id TEXT,
	delegated_task_id TEXT,
	blocked_reason TEXT,
	origin TEXT,
	marker_ref TEXT,
	created_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_subtasks_task_id ON subtasks(task_id);
CREATE INDEX IF NOT EXISTS idx_subtasks_delegated_task_id ON subtasks(delegated_task_id);
`

const migrationV3Meetings = `
CREATE TABLE IF NOT EXISTS meetings (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	round INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL DEFAULT 'in_progress',
	started_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_meetings_task_id ON meetings(task_id, type, round);
CREATE INDEX IF NOT EXISTS idx_meetings_status ON meetings(status);

CREATE TABLE IF NOT EXISTS meeting_entries (
	meeting_id TEXT NOT NULL REFERENCES meetings(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	speaker_agent_id TEXT,
	department_name TEXT,
	role_label TEXT,
	content TEXT NOT NULL,
	decision TEXT,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (meeting_id, seq)
);
`

const migrationV4RevisionMemo = `
CREATE TABLE IF NOT EXISTS revision_memo_items (
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	normalized_note TEXT NOT NULL,
	raw_note TEXT NOT NULL,
	first_round INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (task_id, normalized_note)
);
`

const migrationV5Messages = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	task_id TEXT,
	message_type TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_task_id ON messages(task_id);
`

const migrationV6TaskLogs = `
CREATE TABLE IF NOT EXISTS task_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id);
`

// Exec executes a query that doesn't return rows.
// Transient contention is retried according to the retry policy.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var res sql.Result
	err := db.retry.do(func() error {
		var err error
		res, err = db.conn.Exec(query, args...)
		return err
	})
	return res, err
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var rows *sql.Rows
	err := db.retry.do(func() error {
		var err error
		rows, err = db.conn.Query(query, args...)
		return err
	})
	return rows, err
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// Transaction runs the given function within a transaction.
// The whole transaction is retried when it fails with transient contention,
// so fn must be safe to run more than once.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.retry.do(func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}

		return tx.Commit()
	})
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
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

// nullableTime converts an optional time into a value SQLite accepts.
func nullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// nullString returns nil for empty strings so optional columns stay NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// PurgeTaskLogs deletes task log rows older than the specified duration.
// Returns the number of rows deleted.
func (db *DB) PurgeTaskLogs(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	result, err := db.Exec(`DELETE FROM task_logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge task logs: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	return count, nil
}
