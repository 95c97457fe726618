package storage

import (
	"fmt"
	"time"
)

// ThreadRow represents a row from the _threads table.
type ThreadRow struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageRow represents a row from the _messages table. Body is the raw JSON
// payload.
type MessageRow struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Sender    string    `json:"sender"`
	Type      string    `json:"type"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// EnsureThread creates a thread with its members if it does not exist yet,
// and adds any members that are missing.
func (d *DB) EnsureThread(id, kind string, members []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("ensure thread: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO _threads (id, kind) VALUES (?, ?)`, id, kind); err != nil {
		return fmt.Errorf("ensure thread: %w", err)
	}
	for _, m := range members {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO _thread_members (thread_id, user_id) VALUES (?, ?)`, id, m,
		); err != nil {
			return fmt.Errorf("add thread member: %w", err)
		}
	}
	return tx.Commit()
}

// GetThread returns a thread and its members.
func (d *DB) GetThread(id string) (ThreadRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var t ThreadRow
	var created string
	err := d.db.QueryRow(`SELECT id, kind, created_at FROM _threads WHERE id = ?`, id).
		Scan(&t.ID, &t.Kind, &created)
	if err != nil {
		return t, fmt.Errorf("get thread: %w", err)
	}
	t.CreatedAt = parseTime(created)

	rows, err := d.db.Query(
		`SELECT user_id FROM _thread_members WHERE thread_id = ? ORDER BY user_id`, id,
	)
	if err != nil {
		return t, err
	}
	defer rows.Close()
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return t, err
		}
		t.Members = append(t.Members, m)
	}
	return t, rows.Err()
}

// InsertMessage stores a message once. It reports false when a message with
// the same ID was already stored, which is how redelivered messages are
// recognised.
func (d *DB) InsertMessage(m MessageRow) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(
		`INSERT OR IGNORE INTO _messages (id, thread_id, sender, type, body) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.Sender, m.Type, m.Body,
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListMessages returns messages of a thread with seq greater than afterSeq,
// oldest first.
func (d *DB) ListMessages(threadID string, afterSeq int64, limit int) ([]MessageRow, error) {
	if limit <= 0 {
		limit = 100
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT seq, id, thread_id, sender, type, body, created_at
		FROM _messages WHERE thread_id = ? AND seq > ?
		ORDER BY seq LIMIT ?`, threadID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []MessageRow
	for rows.Next() {
		var m MessageRow
		var created string
		if err := rows.Scan(&m.Seq, &m.ID, &m.ThreadID, &m.Sender, &m.Type, &m.Body, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
