package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTime is the layout CURRENT_TIMESTAMP writes.
const sqliteTime = "2006-01-02 15:04:05"

// DB wraps the SQLite database of one peer
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

var schema = []struct {
	name string
	ddl  string
}{
	{"meta", `
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);`},
	{"users", `
		CREATE TABLE IF NOT EXISTS _users (
			id         TEXT PRIMARY KEY,
			username   TEXT NOT NULL DEFAULT '',
			full_name  TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			addrs      TEXT NOT NULL DEFAULT '[]',
			last_seen  DATETIME DEFAULT CURRENT_TIMESTAMP
		);`},
	{"threads", `
		CREATE TABLE IF NOT EXISTS _threads (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL DEFAULT 'direct',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`},
	// Member rows let the signal channel find the peers to fan a thread
	// message out to.
	{"thread members", `
		CREATE TABLE IF NOT EXISTS _thread_members (
			thread_id TEXT NOT NULL REFERENCES _threads(id) ON DELETE CASCADE,
			user_id   TEXT NOT NULL,
			PRIMARY KEY (thread_id, user_id)
		);`},
	{"messages", `
		CREATE TABLE IF NOT EXISTS _messages (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			thread_id  TEXT NOT NULL,
			sender     TEXT NOT NULL,
			type       TEXT NOT NULL,
			body       TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS _messages_thread ON _messages(thread_id, seq);`},
	{"calls", `
		CREATE TABLE IF NOT EXISTS _calls (
			call_id      TEXT PRIMARY KEY,
			thread_id    TEXT NOT NULL,
			room_id      TEXT NOT NULL DEFAULT '',
			peer_id      TEXT NOT NULL DEFAULT '',
			direction    TEXT NOT NULL,
			kind         TEXT NOT NULL,
			end_reason   TEXT NOT NULL DEFAULT '',
			started_at   INTEGER NOT NULL,
			connected_at INTEGER NOT NULL DEFAULT 0,
			ended_at     INTEGER NOT NULL DEFAULT 0
		);`},
	{"notifications", `
		CREATE TABLE IF NOT EXISTS _notifications (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			type       TEXT NOT NULL,
			title      TEXT NOT NULL DEFAULT '',
			body       TEXT NOT NULL DEFAULT '',
			data       TEXT NOT NULL DEFAULT '{}',
			read       INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`},
}

// Open opens or creates a SQLite database in the given directory
func Open(configDir string) (*DB, error) {
	dbPath := filepath.Join(configDir, "data.db")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	for _, t := range schema {
		if _, err := db.Exec(t.ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s table: %w", t.name, err)
		}
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Exec executes a query without returning rows
func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Exec(query, args...)
}

// Query executes a query that returns rows
func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.Query(query, args...)
}

// QueryRow executes a query that returns a single row
func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.QueryRow(query, args...)
}

// GetMeta reads a key from _meta, "" when absent.
func (d *DB) GetMeta(key string) string {
	var v string
	_ = d.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	return v
}

// SetMeta writes a key to _meta.
func (d *DB) SetMeta(key, value string) error {
	_, err := d.Exec(`INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// parseTime accepts both the raw CURRENT_TIMESTAMP text and the RFC 3339
// form the driver produces when it decodes DATETIME columns itself.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	t, _ := time.Parse(sqliteTime, s)
	return t
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
