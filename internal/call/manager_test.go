package call

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dmThread = "dm-alice-bob"

// ring delivers a call_request from caller on dmThread, sent at.
func ring(t *testing.T, w *world, caller, room string, at time.Time) Signal {
	t.Helper()
	sig := Signal{
		Type:     SignalRequest,
		ThreadID: dmThread,
		From:     caller,
		Metadata: Metadata{
			CallType:   Audio,
			RoomID:     room,
			CallerID:   caller,
			CallerName: caller,
			Timestamp:  at.UnixMilli(),
		},
	}
	require.NoError(t, w.bus.Send(context.Background(), dmThread, sig))
	return sig
}

func TestRedeliveredRequestRingsOnce(t *testing.T) {
	w := newWorld(t)
	bob := w.peer("bob", "Bob")

	sig := ring(t, w, "alice", "room-1", w.clock.Now())
	bs := nextIncoming(t, bob)
	assert.Equal(t, "room-1", bs.Snapshot().RoomID)

	require.NoError(t, bs.Reject())
	waitStatus(t, bs, StatusEnded)

	// Same room, caller and timestamp: a redelivery, not a new call.
	require.NoError(t, w.bus.Send(context.Background(), dmThread, sig))
	assert.Len(t, bob.incoming, 0)
	if cur, ok := bob.mgr.Session(dmThread); ok {
		assert.Same(t, bs, cur)
	}
}

func TestRequestOnBusyThreadIgnored(t *testing.T) {
	w := newWorld(t)
	bob := w.peer("bob", "Bob")

	ring(t, w, "alice", "room-1", w.clock.Now())
	bs := nextIncoming(t, bob)

	w.clock.Add(time.Second)
	ring(t, w, "alice", "room-2", w.clock.Now())
	assert.Len(t, bob.incoming, 0)

	cur, ok := bob.mgr.Session(dmThread)
	require.True(t, ok)
	assert.Same(t, bs, cur)
	assert.Equal(t, "room-1", cur.Snapshot().RoomID)
	assert.Equal(t, StatusRinging, cur.Snapshot().Status)
}

func TestStaleRequestDropped(t *testing.T) {
	w := newWorld(t)
	bob := w.peer("bob", "Bob")

	ring(t, w, "alice", "room-1", w.clock.Now().Add(-DefaultPolicy().RingTimeout-time.Second))
	assert.Len(t, bob.incoming, 0)
	_, ok := bob.mgr.Session(dmThread)
	assert.False(t, ok)

	// Within the ring window the same caller still gets through.
	ring(t, w, "alice", "room-1", w.clock.Now().Add(-time.Second))
	nextIncoming(t, bob)
}

func TestStartCallOnActiveThread(t *testing.T) {
	w := newWorld(t)
	bob := w.peer("bob", "Bob")

	ring(t, w, "alice", "room-1", w.clock.Now())
	bs := nextIncoming(t, bob)

	_, err := bob.mgr.StartCall(context.Background(), CallRequest{ThreadID: dmThread, Kind: Audio})
	assert.ErrorIs(t, err, ErrCallActive)
	_, err = bob.mgr.StartCall(context.Background(), CallRequest{PeerID: "alice", Kind: Video})
	assert.ErrorIs(t, err, ErrCallActive)

	require.NoError(t, bs.Reject())
	waitStatus(t, bs, StatusEnded)
	out, err := bob.mgr.StartCall(context.Background(), CallRequest{PeerID: "alice", Kind: Audio})
	require.NoError(t, err)
	assert.Equal(t, Outgoing, out.Snapshot().Direction)
}
