// Package media implements the call media session on top of an SFU room
// service: room credentials over HTTP, room signaling over a WebSocket and
// audio/video over a pion PeerConnection.
package media

import (
	"errors"
	"net/http"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
)

var log = logging.Logger("media")

var (
	ErrNoRoomAPI      = errors.New("media: no room api configured")
	ErrNoRoomURL      = errors.New("media: credential has no signaling url")
	ErrNotJoined      = errors.New("media: not joined")
	ErrClosed         = errors.New("media: session closed")
	ErrNotPublishable = errors.New("media: track cannot be published")
	ErrNoCapture      = errors.New("media: no capture devices on this platform")
)

// joinTimeout bounds the wait for the SFU's joined reply when the caller's
// context carries no deadline.
const joinTimeout = 15 * time.Second

// Config configures the SFU connection.
type Config struct {
	// RoomAPI is the base URL of the room service, e.g. https://rooms.example.org.
	RoomAPI string
	APIKey  string
	// ICEServers are STUN/TURN URLs handed to every PeerConnection.
	ICEServers []string
	HTTPClient *http.Client
}

// Provider hands out one Session per call and keeps track of the live ones
// so the viewer can attach remote previews.
type Provider struct {
	cfg   Config
	rooms *RoomClient

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewProvider creates a Provider for cfg.
func NewProvider(cfg Config) *Provider {
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}
	return &Provider{
		cfg:      cfg,
		rooms:    NewRoomClient(cfg.RoomAPI, cfg.APIKey, cfg.HTTPClient),
		sessions: make(map[*Session]struct{}),
	}
}

// NewSession implements call.MediaProvider.
func (p *Provider) NewSession() call.MediaSession {
	s := newSession(p)
	p.mu.Lock()
	p.sessions[s] = struct{}{}
	p.mu.Unlock()
	return s
}

func (p *Provider) release(s *Session) {
	p.mu.Lock()
	delete(p.sessions, s)
	p.mu.Unlock()
}

// Preview returns the live WebM stream of a remote participant in roomID.
func (p *Provider) Preview(roomID, participantID string) (*Preview, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := range p.sessions {
		if s.RoomID() != roomID {
			continue
		}
		if pv := s.preview(participantID, false); pv != nil {
			return pv, true
		}
	}
	return nil, false
}
