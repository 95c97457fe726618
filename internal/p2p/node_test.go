package p2p

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/state"
)

func TestLoadOrCreateKeyPersists(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "keys", "identity.key")
	k1, isNew, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	assert.True(t, isNew)

	k2, isNew, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.True(t, k1.Equals(k2))

	require.NoError(t, os.WriteFile(keyFile, []byte("garbage"), 0600))
	k3, isNew, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.False(t, k1.Equals(k3))
}

func testPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

func TestRelayAddrs(t *testing.T) {
	id := testPeerID(t)
	_, err := relayAddrInfo(&RelayInfo{PeerID: "bogus"})
	assert.Error(t, err)
	_, err = relayAddrInfo(&RelayInfo{PeerID: id.String(), Addrs: []string{"not-an-addr"}})
	assert.Error(t, err)

	ri, err := relayAddrInfo(&RelayInfo{PeerID: id.String(), Addrs: []string{
		"/ip4/203.0.113.7/tcp/4001",
		"/ip4/203.0.113.7/udp/4001/quic-v1/p2p/" + id.String(),
	}})
	require.NoError(t, err)

	addrs := circuitAddrs(ri)
	require.Len(t, addrs, 2)
	want := "/p2p/" + id.String() + "/p2p-circuit"
	assert.Equal(t, "/ip4/203.0.113.7/tcp/4001"+want, addrs[0].String())
	assert.Equal(t, "/ip4/203.0.113.7/udp/4001/quic-v1"+want, addrs[1].String())
	for _, a := range addrs {
		assert.True(t, isCircuitAddr(a))
	}
	assert.False(t, isCircuitAddr(ma.StringCast("/ip4/203.0.113.7/tcp/4001")))
}

func attachPair(t *testing.T) (*Node, *Node, *state.PeerTable) {
	t.Helper()
	mn, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	t.Cleanup(func() { mn.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hs := mn.Hosts()
	a, err := attach(ctx, hs[0], Options{Profile: func() state.Profile {
		return state.Profile{Username: "alice", FullName: "Alice"}
	}}, state.NewPeerTable(nil))
	require.NoError(t, err)
	tbl := state.NewPeerTable(clock.New())
	b, err := attach(ctx, hs[1], Options{PresenceTTL: time.Minute}, tbl)
	require.NoError(t, err)
	return a, b, tbl
}

func TestPresenceReachesPeerTable(t *testing.T) {
	a, b, tbl := attachPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan proto.PresenceMsg, 16)
	b.RunPresenceLoop(ctx, func(pm proto.PresenceMsg) {
		select {
		case seen <- pm:
		default:
		}
	})

	require.Eventually(t, func() bool {
		a.Publish(ctx, proto.TypeOnline)
		_, ok := tbl.Get(a.ID())
		return ok
	}, 10*time.Second, 200*time.Millisecond)

	sp, _ := tbl.Get(a.ID())
	assert.Equal(t, "alice", sp.Username)
	assert.Equal(t, "Alice", sp.FullName)
	assert.True(t, sp.Online())
	pm := <-seen
	assert.Equal(t, a.ID(), pm.PeerID)

	a.Publish(ctx, proto.TypeOffline)
	require.Eventually(t, func() bool {
		sp, _ := tbl.Get(a.ID())
		return !sp.Online()
	}, 5*time.Second, 50*time.Millisecond)
}

func TestHandlePresenceRules(t *testing.T) {
	_, b, tbl := attachPair(t)

	assert.False(t, b.handlePresence(proto.PresenceMsg{Type: proto.TypeOnline}))
	assert.False(t, b.handlePresence(proto.PresenceMsg{Type: proto.TypeOnline, PeerID: b.ID()}))
	assert.False(t, b.handlePresence(proto.PresenceMsg{Type: "weird", PeerID: "x"}))

	other := testPeerID(t)
	require.True(t, b.handlePresence(proto.PresenceMsg{
		Type: proto.TypeUpdate, PeerID: other.String(), Username: "carol",
		Addrs: []string{"/ip4/198.51.100.1/tcp/4001", "/ip4/127.0.0.1/tcp/4001"},
	}))
	sp, ok := tbl.Get(other.String())
	require.True(t, ok)
	assert.Equal(t, "carol", sp.Username)

	addrs := b.Host.Peerstore().Addrs(other)
	require.Len(t, addrs, 1)
	assert.Equal(t, "/ip4/198.51.100.1/tcp/4001", addrs[0].String())
}
