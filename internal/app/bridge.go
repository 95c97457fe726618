package app

import (
	"context"
	"sync"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/mq"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/storage"
)

// liveConfig holds the config as last reloaded from disk.
type liveConfig struct {
	mu  sync.RWMutex
	cfg config.Config
}

func newLiveConfig(cfg config.Config) *liveConfig { return &liveConfig{cfg: cfg} }

func (l *liveConfig) get() config.Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *liveConfig) set(cfg config.Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

// historyStore records finished calls in the _calls table.
type historyStore struct {
	db *storage.DB
}

func (h historyStore) RecordCall(_ context.Context, r call.Record) error {
	return h.db.InsertCall(storage.CallRow{
		CallID:      r.CallID,
		ThreadID:    r.ThreadID,
		RoomID:      r.RoomID,
		PeerID:      r.PeerID,
		Direction:   string(r.Direction),
		Kind:        string(r.Kind),
		EndReason:   string(r.EndReason),
		StartedAt:   r.StartedAt,
		ConnectedAt: r.ConnectedAt,
		EndedAt:     r.EndedAt,
	})
}

// localPublisher is the part of mq.Manager the bridges push events through.
type localPublisher interface {
	PublishCallIncoming(p mq.CallIncomingPayload)
	PublishCallState(threadID string, snapshot any)
	PublishPeerAnnounce(p mq.PeerAnnouncePayload)
	PublishPeerGone(peerID string)
}

// bridgeCalls announces incoming calls on the local event bus and follows
// every session's snapshots until it closes.
func bridgeCalls(ctx context.Context, calls *call.Manager, pub localPublisher) {
	off := calls.OnSession(func(s *call.Session) {
		snap := s.Snapshot()
		if snap.Direction == call.Incoming {
			pub.PublishCallIncoming(mq.CallIncomingPayload{
				ThreadID:   snap.ThreadID,
				CallID:     snap.CallID,
				CallerID:   snap.PeerID,
				CallerName: snap.PeerName,
				CallType:   string(snap.Kind),
			})
		}
		go followSession(ctx, s, pub)
	})
	go func() {
		<-ctx.Done()
		off()
	}()
}

func followSession(ctx context.Context, s *call.Session, pub localPublisher) {
	ch, stop := s.Watch()
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			pub.PublishCallState(snap.ThreadID, snap)
		}
	}
}

// bridgePeers mirrors presence table changes onto the local event bus.
func bridgePeers(ctx context.Context, peers *state.PeerTable, pub localPublisher) {
	ch := peers.Subscribe()
	defer peers.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch {
			case ev.Type == "remove":
				pub.PublishPeerGone(ev.PeerID)
			case ev.Peer != nil:
				pub.PublishPeerAnnounce(mq.PeerAnnouncePayload{
					PeerID:    ev.PeerID,
					Username:  ev.Peer.Username,
					FullName:  ev.Peer.FullName,
					AvatarURL: ev.Peer.AvatarURL,
					Reachable: ev.Peer.Reachable,
					LastSeen:  ev.Peer.LastSeen.UnixMilli(),
				})
			}
		}
	}
}
