package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
)

// RoomClient talks to the room service that issues SFU credentials.
type RoomClient struct {
	base string
	key  string
	http *http.Client
}

// NewRoomClient creates a client for the room service at base. A nil client
// uses a 10 second default.
func NewRoomClient(base, key string, c *http.Client) *RoomClient {
	if c == nil {
		c = &http.Client{Timeout: 10 * time.Second}
	}
	return &RoomClient{
		base: strings.TrimRight(strings.TrimSpace(base), "/"),
		key:  key,
		http: c,
	}
}

type roomRequest struct {
	RoomID string `json:"roomId,omitempty"`
}

// CreateOrJoin creates a room when roomID is empty, otherwise returns a
// credential for the existing room.
func (c *RoomClient) CreateOrJoin(ctx context.Context, roomID string) (call.Credential, error) {
	if c.base == "" {
		return call.Credential{}, ErrNoRoomAPI
	}
	body, _ := json.Marshal(roomRequest{RoomID: roomID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/rooms", bytes.NewReader(body))
	if err != nil {
		return call.Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return call.Credential{}, fmt.Errorf("room api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return call.Credential{}, fmt.Errorf("room api: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var cred call.Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return call.Credential{}, fmt.Errorf("room api: decode: %w", err)
	}
	if cred.RoomID == "" {
		cred.RoomID = roomID
	}
	if cred.RoomID == "" || cred.Token == "" {
		return call.Credential{}, fmt.Errorf("room api: incomplete credential for room %q", roomID)
	}
	log.Debugw("room credential", "room", cred.RoomID, "created", roomID == "")
	return cred, nil
}
