package call

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

// ── tracks ──────────────────────────────────────────────────────────────────

var trackSeq atomic.Int64

type fakeTrack struct {
	id   string
	kind TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
	volume  float64
	ended   []func()
}

func newTrack(kind TrackKind) *fakeTrack {
	return &fakeTrack{id: fmt.Sprintf("%s-%d", kind, trackSeq.Add(1)), kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string      { return t.id }
func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.ended = append(t.ended, fn)
	t.mu.Unlock()
}

func (t *fakeTrack) SetVolume(v float64) {
	t.mu.Lock()
	t.volume = v
	t.mu.Unlock()
}

func (t *fakeTrack) Volume() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.volume
}

// endBySource simulates the capture source going away.
func (t *fakeTrack) endBySource() {
	t.mu.Lock()
	t.stopped = true
	fns := append([]func(){}, t.ended...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// ── capture ─────────────────────────────────────────────────────────────────

type fakeCapture struct {
	mu       sync.Mutex
	tracks   []*fakeTrack
	camGate  chan struct{}
	micErr   error
	camErr   error
	resSeen  []Resolution
	screenFn func() (*fakeTrack, error)
}

func (c *fakeCapture) add(t *fakeTrack) *fakeTrack {
	c.mu.Lock()
	c.tracks = append(c.tracks, t)
	c.mu.Unlock()
	return t
}

func (c *fakeCapture) Microphone(context.Context) (Track, error) {
	c.mu.Lock()
	err := c.micErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.add(newTrack(TrackAudio)), nil
}

func (c *fakeCapture) Camera(_ context.Context, res Resolution) (Track, error) {
	c.mu.Lock()
	gate, err := c.camGate, c.camErr
	c.resSeen = append(c.resSeen, res)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	t := c.add(newTrack(TrackVideo))
	if gate != nil {
		<-gate
	}
	return t, nil
}

func (c *fakeCapture) Screen(context.Context) (Track, error) {
	if c.screenFn != nil {
		t, err := c.screenFn()
		if t != nil {
			c.add(t)
		}
		return t, err
	}
	return c.add(newTrack(TrackShare)), nil
}

func (c *fakeCapture) byKind(kind TrackKind) []*fakeTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTrack
	for _, t := range c.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

func (c *fakeCapture) all() []*fakeTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTrack{}, c.tracks...)
}

// ── media session ───────────────────────────────────────────────────────────

type fakeMedia struct {
	mu        sync.Mutex
	roomErr   error
	joinErr   error
	joinGate  chan struct{}
	muteErr   error
	joined    bool
	joins     int
	leaves    int
	mutes     int
	mics      int
	webcams   int
	offs      int
	shares    int
	shareOffs int
	subs      map[int]func(MediaEvent)
	nextSub   int
	existing  map[string][]Track
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		subs:     make(map[int]func(MediaEvent)),
		existing: make(map[string][]Track),
	}
}

func (m *fakeMedia) CreateOrJoinRoom(_ context.Context, roomID string) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roomErr != nil {
		return Credential{}, m.roomErr
	}
	if roomID == "" {
		roomID = "room-new"
	}
	return Credential{RoomID: roomID, Token: "token-" + roomID}, nil
}

func (m *fakeMedia) Join(ctx context.Context, _ Credential, _ JoinOptions) error {
	m.mu.Lock()
	m.joins++
	gate, err := m.joinGate, m.joinErr
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.joined = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) Leave() error {
	m.mu.Lock()
	m.leaves++
	m.joined = false
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) EnableMic(Track) error {
	m.mu.Lock()
	m.mics++
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) MuteMic() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutes++
	return m.muteErr
}

func (m *fakeMedia) EnableWebcam(Track) error {
	m.mu.Lock()
	m.webcams++
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) DisableWebcam() error {
	m.mu.Lock()
	m.offs++
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) EnableScreenShare(Track) error {
	m.mu.Lock()
	m.shares++
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) DisableScreenShare() error {
	m.mu.Lock()
	m.shareOffs++
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) ParticipantTracks(id string) []Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Track{}, m.existing[id]...)
}

func (m *fakeMedia) Subscribe(fn func(MediaEvent)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *fakeMedia) emit(ev MediaEvent) {
	m.mu.Lock()
	fns := make([]func(MediaEvent), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (m *fakeMedia) count(f func(*fakeMedia) int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return f(m)
}

type fakeProvider struct {
	mu       sync.Mutex
	sessions []*fakeMedia
	prepare  func(*fakeMedia)
}

func (p *fakeProvider) NewSession() MediaSession {
	m := newFakeMedia()
	if p.prepare != nil {
		p.prepare(m)
	}
	p.mu.Lock()
	p.sessions = append(p.sessions, m)
	p.mu.Unlock()
	return m
}

func (p *fakeProvider) last() *fakeMedia {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// ── signal bus ──────────────────────────────────────────────────────────────

type fakeBus struct {
	mu   sync.Mutex
	sent []Signal
	subs map[int]busSub
	next int
}

type busSub struct {
	thread string
	fn     func(Signal)
}

func newBus() *fakeBus { return &fakeBus{subs: make(map[int]busSub)} }

func (b *fakeBus) Send(_ context.Context, thread string, sig Signal) error {
	sig.ThreadID = thread
	b.mu.Lock()
	b.sent = append(b.sent, sig)
	var fns []func(Signal)
	for _, s := range b.subs {
		if s.thread == thread || s.thread == AllThreads {
			fns = append(fns, s.fn)
		}
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(sig)
	}
	return nil
}

func (b *fakeBus) Subscribe(thread string, fn func(Signal)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = busSub{thread: thread, fn: fn}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *fakeBus) of(typ SignalType, from string) []Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Signal
	for _, s := range b.sent {
		if s.Type == typ && (from == "" || s.From == from) {
			out = append(out, s)
		}
	}
	return out
}

// ── other capabilities ──────────────────────────────────────────────────────

type fakeNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *fakeNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	n.sent = append(n.sent, note)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) list() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification{}, n.sent...)
}

type fakeThreads struct {
	gate chan struct{}
}

func (f *fakeThreads) FindOrCreateDirect(ctx context.Context, a, b string) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	ids := []string{a, b}
	sort.Strings(ids)
	return "dm-" + ids[0] + "-" + ids[1], nil
}

type fakeDirectory struct{ users []User }

func (d fakeDirectory) Search(_ context.Context, _ string, limit int) ([]User, error) {
	if len(d.users) > limit {
		return d.users[:limit], nil
	}
	return d.users, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	records []Record
}

func (h *fakeHistory) RecordCall(_ context.Context, r Record) error {
	h.mu.Lock()
	h.records = append(h.records, r)
	h.mu.Unlock()
	return nil
}

func (h *fakeHistory) list() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Record{}, h.records...)
}

// ── harness ─────────────────────────────────────────────────────────────────

type peer struct {
	mgr      *Manager
	media    *fakeProvider
	capture  *fakeCapture
	notifier *fakeNotifier
	history  *fakeHistory
	incoming chan *Session
}

type world struct {
	t     *testing.T
	clock *clock.Mock
	bus   *fakeBus
	dir   fakeDirectory
}

func newWorld(t *testing.T) *world {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return &world{t: t, clock: mock, bus: newBus()}
}

func (w *world) peer(id, name string) *peer {
	w.t.Helper()
	p := &peer{
		media:    &fakeProvider{},
		capture:  &fakeCapture{},
		notifier: &fakeNotifier{},
		history:  &fakeHistory{},
		incoming: make(chan *Session, 8),
	}
	mgr, err := New(User{ID: id, FullName: name}, Deps{
		Media:     p.media,
		Capture:   p.capture,
		Signals:   w.bus,
		Notifier:  p.notifier,
		Directory: w.dir,
		Threads:   &fakeThreads{},
		History:   p.history,
		Clock:     w.clock,
		Display:   Display{Width: 1920, Height: 1080},
	})
	require.NoError(w.t, err)
	mgr.OnIncoming(func(s *Session) { p.incoming <- s })
	w.t.Cleanup(mgr.Close)
	p.mgr = mgr
	return p
}

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

func waitStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Snapshot().Status == want }, wait, tick,
		"status %s, want %s", s.Snapshot().Status, want)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, wait, tick, msg)
}

func nextIncoming(t *testing.T, p *peer) *Session {
	t.Helper()
	select {
	case s := <-p.incoming:
		return s
	case <-time.After(wait):
		t.Fatal("no incoming call")
		return nil
	}
}
