// Package store provides the shared database layer for the event log and
// checkpoint store. SQLite (modernc, pure Go) is the default backend;
// Postgres via the pgx stdlib driver serves multi-process deployments.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB wraps a database connection with dialect-aware helpers. All queries are
// written with ? placeholders; the postgres dialect rebinds them to $N.
type DB struct {
	conn   *sql.DB
	driver string
	dsn    string
	mu     sync.RWMutex
}

// Open opens a database for the given driver. For sqlite the dsn is a file
// path and parent directories are created; WAL mode is enabled for
// concurrent reads. For postgres the dsn is a connection string.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}

		conn, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := conn.Exec(pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}

		return &DB{conn: conn, driver: driver, dsn: dsn}, nil

	case DriverPostgres:
		conn, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := conn.Ping(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		return &DB{conn: conn, driver: driver, dsn: dsn}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Driver returns the driver name the database was opened with.
func (db *DB) Driver() string {
	return db.driver
}

// DSN returns the dsn the database was opened with.
func (db *DB) DSN() string {
	return db.dsn
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
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
		{1, migrationV1Events},
		{2, migrationV2Checkpoints},
		{3, migrationV3Sessions},
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

		record := db.rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)")
		if _, err := tx.Exec(record, m.version, FormatTime(time.Now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// The schema uses TEXT timestamps (RFC3339, UTC) so the same DDL works on
// both backends.
const migrationV1Events = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	agent TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	fingerprint TEXT NOT NULL DEFAULT '',
	ts TEXT NOT NULL,
	UNIQUE (task_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_events_task_seq ON events(task_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_fingerprint ON events(task_id, fingerprint, ts);
`

const migrationV2Checkpoints = `
CREATE TABLE IF NOT EXISTS story_progress (
	task_id TEXT NOT NULL,
	epic_id TEXT NOT NULL,
	story_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	commit_hash TEXT NOT NULL DEFAULT '',
	sdk_session_id TEXT NOT NULL DEFAULT '',
	files_modified TEXT NOT NULL DEFAULT '[]',
	files_created TEXT NOT NULL DEFAULT '[]',
	tools_used TEXT NOT NULL DEFAULT '[]',
	cost_usd REAL NOT NULL DEFAULT 0,
	verdict TEXT NOT NULL DEFAULT '',
	branch TEXT NOT NULL DEFAULT '',
	pr_url TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (task_id, epic_id, story_id)
);

CREATE INDEX IF NOT EXISTS idx_story_progress_task ON story_progress(task_id);
`

const migrationV3Sessions = `
CREATE TABLE IF NOT EXISTS agent_sessions (
	task_id TEXT NOT NULL,
	agent_role TEXT NOT NULL,
	story_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	last_message_uuid TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (task_id, agent_role, story_id)
);
`

// rebind converts ? placeholders to $N for the postgres dialect.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(db.rebind(query), args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(db.rebind(query), args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(db.rebind(query), args...)
}

// Tx wraps a transaction with the same placeholder rebinding as DB.
type Tx struct {
	tx     *sql.Tx
	rebind func(string) string
}

// Exec executes a statement inside the transaction.
func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(t.rebind(query), args...)
}

// Query executes a query inside the transaction.
func (t *Tx) Query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.Query(t.rebind(query), args...)
}

// QueryRow executes a single-row query inside the transaction.
func (t *Tx) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRow(t.rebind(query), args...)
}

// Transaction runs the given function within a transaction.
func (db *DB) Transaction(fn func(tx *Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&Tx{tx: tx, rebind: db.rebind}); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// FormatTime formats a time.Time for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a stored time string.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// ParseNullableTime parses a nullable stored time string.
func ParseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := ParseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}
