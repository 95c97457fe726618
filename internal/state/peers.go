// Package state keeps the in-memory presence table of online users.
package state

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Profile is what a peer announces about its user.
type Profile struct {
	Username  string `json:"username"`
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url"`
}

type SeenPeer struct {
	Profile
	Reachable    bool      `json:"reachable"`
	LastSeen     time.Time `json:"last_seen"`
	OfflineSince time.Time `json:"offline_since,omitzero"`
}

// Online reports whether the peer is currently announcing itself.
func (p SeenPeer) Online() bool { return p.OfflineSince.IsZero() }

type PeerEvent struct {
	Type   string    `json:"type"` // update|remove
	PeerID string    `json:"peer_id,omitempty"`
	Peer   *SeenPeer `json:"peer,omitempty"`
}

type PeerTable struct {
	clk       clock.Clock
	mu        sync.Mutex
	peers     map[string]SeenPeer
	listeners []chan PeerEvent
}

// NewPeerTable creates an empty table. A nil clock uses the wall clock.
func NewPeerTable(clk clock.Clock) *PeerTable {
	if clk == nil {
		clk = clock.New()
	}
	return &PeerTable{
		clk:   clk,
		peers: map[string]SeenPeer{},
	}
}

// Upsert records a presence pulse.
func (t *PeerTable) Upsert(id string, p Profile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reachable := true
	if existing, ok := t.peers[id]; ok && existing.Online() {
		reachable = existing.Reachable
	}
	peer := SeenPeer{
		Profile:   p,
		Reachable: reachable,
		LastSeen:  t.clk.Now(),
	}
	t.peers[id] = peer
	t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &peer})
}

// Touch refreshes LastSeen without changing the profile.
func (t *PeerTable) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok {
		return
	}
	sp.LastSeen = t.clk.Now()
	t.peers[id] = sp
}

func (t *PeerTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return
	}
	delete(t.peers, id)
	t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
}

// MarkOffline keeps the peer but flags it as gone, as on an explicit
// offline announcement.
func (t *PeerTable) MarkOffline(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok || !sp.Online() {
		return
	}
	sp.Reachable = false
	sp.OfflineSince = t.clk.Now()
	t.peers[id] = sp
	t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
}

func (t *PeerTable) Get(id string) (SeenPeer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	return sp, ok
}

func (t *PeerTable) SetReachable(id string, reachable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok || sp.Reachable == reachable {
		return
	}
	sp.Reachable = reachable
	t.peers[id] = sp
	t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
}

func (t *PeerTable) Snapshot() map[string]SeenPeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]SeenPeer, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

// PruneStale moves online peers silent for longer than ttl to offline state,
// then removes peers that have been offline for longer than grace.
func (t *PeerTable) PruneStale(ttl, grace time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clk.Now()
	for id, sp := range t.peers {
		if sp.Online() {
			if now.Sub(sp.LastSeen) > ttl {
				sp.Reachable = false
				sp.OfflineSince = now
				t.peers[id] = sp
				t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
			}
		} else if now.Sub(sp.OfflineSince) > grace {
			delete(t.peers, id)
			t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
		}
	}
}

func (t *PeerTable) Subscribe() chan PeerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PeerEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PeerTable) Unsubscribe(ch chan PeerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *PeerTable) notifyListeners(evt PeerEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
