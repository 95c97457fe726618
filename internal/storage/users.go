package storage

import (
	"encoding/json"
	"strings"
	"time"
)

// UserRow is the persistent record of a known user. It is written whenever a
// presence pulse arrives and survives the user going offline, so the
// directory can still find them.
type UserRow struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	AvatarURL string    `json:"avatar_url"`
	Addrs     []string  `json:"addrs,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}

// UpsertUser stores or replaces a user. An empty address list keeps the
// addresses already on file.
func (d *DB) UpsertUser(u UserRow) error {
	if u.Addrs == nil {
		u.Addrs = []string{}
	}
	addrs, _ := json.Marshal(u.Addrs)
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _users (id, username, full_name, avatar_url, addrs, last_seen)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			username   = CASE WHEN excluded.username = '' THEN _users.username ELSE excluded.username END,
			full_name  = CASE WHEN excluded.full_name = '' THEN _users.full_name ELSE excluded.full_name END,
			avatar_url = excluded.avatar_url,
			addrs      = CASE WHEN excluded.addrs = '[]' THEN _users.addrs ELSE excluded.addrs END,
			last_seen  = CURRENT_TIMESTAMP`,
		u.ID, u.Username, u.FullName, u.AvatarURL, string(addrs),
	)
	return err
}

// GetUser returns a user by ID, or false if unknown.
func (d *DB) GetUser(id string) (UserRow, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, err := scanUser(d.db.QueryRow(`
		SELECT id, username, full_name, avatar_url, addrs, last_seen
		FROM _users WHERE id = ?`, id))
	if err != nil {
		return UserRow{}, false
	}
	return u, true
}

// SearchUsers matches query case-insensitively against username and full
// name. An empty query matches everyone. Results are ordered by username.
func (d *DB) SearchUsers(query string, limit int) ([]UserRow, error) {
	if limit <= 0 {
		limit = 50
	}
	like := "%" + escapeLike(strings.ToLower(query)) + "%"
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, username, full_name, avatar_url, addrs, last_seen
		FROM _users
		WHERE lower(username) LIKE ? ESCAPE '\' OR lower(full_name) LIKE ? ESCAPE '\'
		ORDER BY lower(username), id
		LIMIT ?`, like, like, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []UserRow
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser forgets a user entirely.
func (d *DB) DeleteUser(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _users WHERE id = ?`, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (UserRow, error) {
	var u UserRow
	var addrsJSON, lastSeen string
	if err := s.Scan(&u.ID, &u.Username, &u.FullName, &u.AvatarURL, &addrsJSON, &lastSeen); err != nil {
		return UserRow{}, err
	}
	json.Unmarshal([]byte(addrsJSON), &u.Addrs)
	u.LastSeen = parseTime(lastSeen)
	return u, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
