package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/mq"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/storage"
)

func TestNormalizeLocalViewer(t *testing.T) {
	addr, url, _ := NormalizeLocalViewer(" :8080 ")
	assert.Equal(t, "127.0.0.1:8080", addr)
	assert.Equal(t, "http://127.0.0.1:8080", url)

	addr, _, _ = NormalizeLocalViewer("0.0.0.0:9000")
	assert.Equal(t, "127.0.0.1:9000", addr)
}

func TestHistoryStoreRecordsCall(t *testing.T) {
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	start := time.UnixMilli(1_700_000_000_000)
	h := historyStore{db: db}
	require.NoError(t, h.RecordCall(context.Background(), call.Record{
		CallID: "c1", ThreadID: "t1", RoomID: "r1", PeerID: "bob",
		Direction: call.Incoming, Kind: call.Video, EndReason: call.EndMissed,
		StartedAt: start, EndedAt: start.Add(45 * time.Second),
	}))

	rows, err := db.ListCalls("t1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "incoming", rows[0].Direction)
	assert.Equal(t, "missed", rows[0].EndReason)
	assert.True(t, rows[0].ConnectedAt.IsZero())
	assert.Zero(t, rows[0].Duration())
}

type recordingPub struct {
	mu       sync.Mutex
	incoming []mq.CallIncomingPayload
	states   []string
	announce []mq.PeerAnnouncePayload
	gone     []string
}

func (p *recordingPub) PublishCallIncoming(v mq.CallIncomingPayload) {
	p.mu.Lock()
	p.incoming = append(p.incoming, v)
	p.mu.Unlock()
}

func (p *recordingPub) PublishCallState(thread string, _ any) {
	p.mu.Lock()
	p.states = append(p.states, thread)
	p.mu.Unlock()
}

func (p *recordingPub) PublishPeerAnnounce(v mq.PeerAnnouncePayload) {
	p.mu.Lock()
	p.announce = append(p.announce, v)
	p.mu.Unlock()
}

func (p *recordingPub) PublishPeerGone(id string) {
	p.mu.Lock()
	p.gone = append(p.gone, id)
	p.mu.Unlock()
}

func TestBridgePeers(t *testing.T) {
	mock := clock.NewMock()
	peers := state.NewPeerTable(mock)
	pub := &recordingPub{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		bridgePeers(ctx, peers, pub)
		close(done)
	}()

	// The subscription is taken inside the goroutine; retry until it sees us.
	require.Eventually(t, func() bool {
		peers.Upsert("bob", state.Profile{Username: "bob", FullName: "Bob"})
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.announce) > 0
	}, 2*time.Second, 10*time.Millisecond)

	peers.Remove("bob")
	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.gone) == 1
	}, 2*time.Second, 10*time.Millisecond)

	pub.mu.Lock()
	assert.Equal(t, "Bob", pub.announce[0].FullName)
	assert.True(t, pub.announce[0].Reachable)
	assert.Equal(t, "bob", pub.gone[0])
	pub.mu.Unlock()

	cancel()
	<-done
}

func TestLiveConfig(t *testing.T) {
	l := newLiveConfig(config.Default())
	next := config.Default()
	next.Profile.Username = "carol"
	l.set(next)
	assert.Equal(t, "carol", l.get().Profile.Username)
}
