package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// NotificationRow is one entry in the local inbox.
type NotificationRow struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"created_at"`
}

// InsertNotification stores a notification once; a redelivered ID is ignored
// and reported as false.
func (d *DB) InsertNotification(n NotificationRow) (bool, error) {
	data, _ := json.Marshal(n.Data)
	if n.Data == nil {
		data = []byte("{}")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`
		INSERT OR IGNORE INTO _notifications (id, user_id, type, title, body, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Type, n.Title, n.Body, string(data),
	)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	c, _ := res.RowsAffected()
	return c > 0, nil
}

// ListNotifications returns the newest notifications first.
func (d *DB) ListNotifications(unreadOnly bool, limit int) ([]NotificationRow, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, user_id, type, title, body, data, read, created_at
		FROM _notifications WHERE (? = 0 OR read = 0)
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, boolInt(unreadOnly), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NotificationRow
	for rows.Next() {
		var n NotificationRow
		var data, created string
		var read int
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Body, &data, &read, &created); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(data), &n.Data)
		n.Read = read != 0
		n.CreatedAt = parseTime(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead flags a notification as read.
func (d *DB) MarkNotificationRead(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`UPDATE _notifications SET read = 1 WHERE id = ?`, id)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
