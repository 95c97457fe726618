package call

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// seenRequests is how many call_request keys the manager remembers to drop
// redelivered requests.
const seenRequests = 512

// CallRequest describes an outgoing call. Either ThreadID or PeerID must be
// set; a missing thread is resolved to the direct thread with the peer.
type CallRequest struct {
	ThreadID string    `json:"thread_id"`
	PeerID   string    `json:"peer_id"`
	PeerName string    `json:"peer_name"`
	Kind     MediaKind `json:"kind"`
	// RoomID joins an existing room instead of creating one.
	RoomID string `json:"room_id,omitempty"`
}

// Manager owns active call sessions, one per thread, and turns incoming
// call_request signals into ringing sessions.
type Manager struct {
	self User
	deps Deps

	mu       sync.RWMutex
	policy   Policy
	sessions map[string]*Session
	closed   bool

	seen *lru.Cache[string, struct{}]

	hooksMu sync.RWMutex
	hooks   map[int]hook
	nextID  int

	unsub func()
}

// New creates a Manager for the local user self and starts listening for
// call requests on every thread.
func New(self User, deps Deps) (*Manager, error) {
	if deps.Media == nil {
		return nil, errors.New("call: media provider required")
	}
	seen, err := lru.New[string, struct{}](seenRequests)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		self:     self,
		deps:     deps.withDefaults(),
		policy:   DefaultPolicy(),
		sessions: make(map[string]*Session),
		seen:     seen,
		hooks:    make(map[int]hook),
	}
	if deps.Signals != nil {
		m.unsub = deps.Signals.Subscribe(AllThreads, m.handleSignal)
	}
	return m, nil
}

// Self returns the local user.
func (m *Manager) Self() User { return m.self }

// SetPolicy replaces the timing policy for sessions created afterwards.
func (m *Manager) SetPolicy(p Policy) {
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
	log.Infof("CALL: policy ring=%s join=%s grace=%s", p.RingTimeout, p.JoinTimeout, p.AcceptGrace)
}

// Policy returns the current timing policy.
func (m *Manager) Policy() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

type hook struct {
	fn  func(*Session)
	all bool // outgoing sessions too
}

// OnIncoming registers fn for every new incoming session and returns a func
// that removes it. Each event stream in the viewer registers one.
func (m *Manager) OnIncoming(fn func(*Session)) func() {
	return m.addHook(hook{fn: fn})
}

// OnSession registers fn for every new session, incoming or outgoing.
func (m *Manager) OnSession(fn func(*Session)) func() {
	return m.addHook(hook{fn: fn, all: true})
}

func (m *Manager) addHook(h hook) func() {
	m.hooksMu.Lock()
	id := m.nextID
	m.nextID++
	m.hooks[id] = h
	m.hooksMu.Unlock()
	return func() {
		m.hooksMu.Lock()
		delete(m.hooks, id)
		m.hooksMu.Unlock()
	}
}

// fire runs the hooks for a new session synchronously.
func (m *Manager) fire(s *Session, incoming bool) {
	m.hooksMu.RLock()
	fns := make([]func(*Session), 0, len(m.hooks))
	for _, h := range m.hooks {
		if incoming || h.all {
			fns = append(fns, h.fn)
		}
	}
	m.hooksMu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

// StartCall places an outgoing call.
func (m *Manager) StartCall(ctx context.Context, req CallRequest) (*Session, error) {
	if req.Kind == "" {
		req.Kind = Audio
	}
	if req.Kind != Audio && req.Kind != Video {
		return nil, fmt.Errorf("call: unknown call type %q", req.Kind)
	}
	if req.ThreadID == "" {
		if req.PeerID == "" {
			return nil, errors.New("call: thread or peer required")
		}
		if m.deps.Threads == nil {
			return nil, errors.New("call: no thread resolver")
		}
		tid, err := m.deps.Threads.FindOrCreateDirect(ctx, m.self.ID, req.PeerID)
		if err != nil {
			return nil, fmt.Errorf("resolve thread: %w", err)
		}
		req.ThreadID = tid
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	stale, err := m.claimLocked(req.ThreadID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	p := Params{
		CallID:   uuid.NewString(),
		ThreadID: req.ThreadID,
		RoomID:   req.RoomID,
		SelfID:   m.self.ID,
		SelfName: m.self.DisplayName(),
		PeerID:   req.PeerID,
		PeerName: req.PeerName,
		Kind:     req.Kind,
		Policy:   m.policy,
	}
	st, fx := NewOutgoing(p, m.deps.Clock.Now())
	s := newSession(st, fx, m.deps, m.remove)
	m.sessions[req.ThreadID] = s
	m.mu.Unlock()

	if stale != nil {
		go stale.Close()
	}
	log.Infof("CALL: started %s on %s -> %s", p.CallID, p.ThreadID, p.PeerID)
	m.fire(s, false)
	return s, nil
}

// claimLocked checks that thread is free. An ended session that has not
// closed yet is handed back to be closed early.
func (m *Manager) claimLocked(thread string) (*Session, error) {
	old, ok := m.sessions[thread]
	if !ok {
		return nil, nil
	}
	if old.Snapshot().Status != StatusEnded {
		return nil, ErrCallActive
	}
	delete(m.sessions, thread)
	return old, nil
}

// Session returns the session on thread, if any.
func (m *Manager) Session(thread string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[thread]
	m.mu.RUnlock()
	return s, ok
}

// Sessions returns every session that has not closed yet.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	return out
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.ThreadID()]; ok && cur == s {
		delete(m.sessions, s.ThreadID())
	}
	m.mu.Unlock()
}

// Close ends every session through the unmount path and stops listening.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	if m.unsub != nil {
		m.unsub()
	}
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
}

func requestKey(sig Signal) string {
	room := sig.Metadata.RoomID
	if room == "" {
		room = sig.ThreadID
	}
	return room + "|" + sig.Actor() + "|" + strconv.FormatInt(sig.Metadata.Timestamp, 10)
}

// handleSignal turns a fresh call_request into an incoming session. Signals
// for live sessions reach them through their own thread subscription.
func (m *Manager) handleSignal(sig Signal) {
	if sig.Type != SignalRequest || sig.IsFrom(m.self.ID) {
		return
	}
	if sig.ThreadID == "" {
		log.Debugf("CALL: call_request without thread from %s", sig.From)
		return
	}
	key := requestKey(sig)
	if ok, _ := m.seen.ContainsOrAdd(key, struct{}{}); ok {
		log.Debugf("CALL [%s]: duplicate call_request from %s", sig.ThreadID, sig.Actor())
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	now := m.deps.Clock.Now()
	if at := sig.SentAt(); !at.IsZero() && now.Sub(at) > m.policy.RingTimeout {
		m.mu.Unlock()
		log.Infof("CALL [%s]: ignoring stale call_request from %s (%s old)", sig.ThreadID, sig.Actor(), now.Sub(at))
		return
	}
	stale, err := m.claimLocked(sig.ThreadID)
	if err != nil {
		m.mu.Unlock()
		log.Infof("CALL [%s]: busy, ignoring call_request from %s", sig.ThreadID, sig.Actor())
		return
	}
	p := Params{
		CallID:   uuid.NewString(),
		ThreadID: sig.ThreadID,
		SelfID:   m.self.ID,
		SelfName: m.self.DisplayName(),
		Policy:   m.policy,
	}
	st, fx := NewIncoming(p, sig, now)
	s := newSession(st, fx, m.deps, m.remove)
	m.sessions[sig.ThreadID] = s
	m.mu.Unlock()

	if stale != nil {
		go stale.Close()
	}
	log.Infof("CALL: incoming %s call from %s on %s (room %s)", st.Kind, st.PeerID, st.ThreadID, st.RoomID)
	m.fire(s, true)
}
