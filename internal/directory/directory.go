// Package directory answers user searches from the users this peer has
// seen on the presence topic.
package directory

import (
	"context"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/storage"
)

var log = logging.Logger("directory")

const maxLimit = 100

// Service implements call.Directory.
type Service struct {
	self  string
	db    *storage.DB
	peers *state.PeerTable
}

var _ call.Directory = (*Service)(nil)

func New(self string, db *storage.DB, peers *state.PeerTable) *Service {
	return &Service{self: self, db: db, peers: peers}
}

// Run copies every presence update into the users table until ctx ends.
func (s *Service) Run(ctx context.Context) {
	ch := s.peers.Subscribe()
	defer s.peers.Unsubscribe(ch)

	for id, sp := range s.peers.Snapshot() {
		s.record(id, sp.Profile)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type == "update" && ev.Peer != nil {
				s.record(ev.PeerID, ev.Peer.Profile)
			}
		}
	}
}

func (s *Service) record(id string, p state.Profile) {
	if id == s.self {
		return
	}
	err := s.db.UpsertUser(storage.UserRow{
		ID:        id,
		Username:  p.Username,
		FullName:  p.FullName,
		AvatarURL: p.AvatarURL,
	})
	if err != nil {
		log.Warnw("store user", "peer", id, "err", err)
	}
}

// Search matches query against username and full name. The local user is
// never returned.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]call.User, error) {
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.SearchUsers(strings.TrimSpace(query), limit+1)
	if err != nil {
		return nil, err
	}
	users := make([]call.User, 0, len(rows))
	for _, r := range rows {
		if r.ID == s.self {
			continue
		}
		users = append(users, call.User{
			ID:        r.ID,
			Username:  r.Username,
			FullName:  r.FullName,
			AvatarURL: r.AvatarURL,
		})
		if len(users) == limit {
			break
		}
	}
	return users, nil
}

// Online reports whether id is currently announcing itself.
func (s *Service) Online(id string) bool {
	sp, ok := s.peers.Get(id)
	return ok && sp.Online()
}
