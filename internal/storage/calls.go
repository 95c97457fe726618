package storage

import (
	"fmt"
	"time"
)

// CallRow is one finished call in the history.
type CallRow struct {
	CallID      string    `json:"call_id"`
	ThreadID    string    `json:"thread_id"`
	RoomID      string    `json:"room_id"`
	PeerID      string    `json:"peer_id"`
	Direction   string    `json:"direction"`
	Kind        string    `json:"kind"`
	EndReason   string    `json:"end_reason"`
	StartedAt   time.Time `json:"started_at"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	EndedAt     time.Time `json:"ended_at"`
}

// Duration is how long the call was connected.
func (c CallRow) Duration() time.Duration {
	if c.ConnectedAt.IsZero() || c.EndedAt.Before(c.ConnectedAt) {
		return 0
	}
	return c.EndedAt.Sub(c.ConnectedAt)
}

// InsertCall writes a call record. Writing the same call ID twice keeps the
// first record.
func (d *DB) InsertCall(c CallRow) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO _calls
			(call_id, thread_id, room_id, peer_id, direction, kind, end_reason, started_at, connected_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CallID, c.ThreadID, c.RoomID, c.PeerID, c.Direction, c.Kind, c.EndReason,
		unixMilli(c.StartedAt), unixMilli(c.ConnectedAt), unixMilli(c.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

// ListCalls returns the most recent calls first. An empty threadID lists
// every thread.
func (d *DB) ListCalls(threadID string, limit int) ([]CallRow, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT call_id, thread_id, room_id, peer_id, direction, kind, end_reason,
		       started_at, connected_at, ended_at
		FROM _calls WHERE ? = '' OR thread_id = ?
		ORDER BY started_at DESC LIMIT ?`, threadID, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []CallRow
	for rows.Next() {
		var c CallRow
		var started, connected, ended int64
		if err := rows.Scan(&c.CallID, &c.ThreadID, &c.RoomID, &c.PeerID, &c.Direction, &c.Kind,
			&c.EndReason, &started, &connected, &ended); err != nil {
			return nil, err
		}
		c.StartedAt, c.ConnectedAt, c.EndedAt = fromMilli(started), fromMilli(connected), fromMilli(ended)
		calls = append(calls, c)
	}
	return calls, rows.Err()
}
