package thread

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/mq"
	"github.com/petervdpas/goopcall/internal/storage"
)

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func peers(t *testing.T) (*Service, *Service) {
	t.Helper()
	mn, err := mocknet.WithNPeers(2)
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())
	t.Cleanup(func() { mn.Close() })
	hs := mn.Hosts()
	a := New(openDB(t), mq.New(hs[0]))
	b := New(openDB(t), mq.New(hs[1]))
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)
	return a, b
}

func collect(s *Service, thread string) chan call.Signal {
	ch := make(chan call.Signal, 16)
	s.Subscribe(thread, func(sig call.Signal) { ch <- sig })
	return ch
}

func TestDirectIDIsSymmetric(t *testing.T) {
	assert.Equal(t, DirectID("a", "b"), DirectID("b", "a"))
	assert.NotEqual(t, DirectID("a", "b"), DirectID("a", "c"))
	assert.Regexp(t, `^dm-[0-9a-f]{24}$`, DirectID("a", "b"))
}

func TestSendReachesPeerAndEchoes(t *testing.T) {
	a, b := peers(t)
	ctx := context.Background()

	id, err := a.FindOrCreateDirect(ctx, a.self, b.self)
	require.NoError(t, err)
	again, err := b.FindOrCreateDirect(ctx, b.self, a.self)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	echo := collect(a, id)
	remote := collect(b, call.AllThreads)

	req := call.Signal{Type: call.SignalRequest, Metadata: call.Metadata{RoomID: "r-1", CallerID: a.self, CallType: call.Video}}
	require.NoError(t, a.Send(ctx, id, req))

	require.Len(t, remote, 1)
	got := <-remote
	assert.Equal(t, call.SignalRequest, got.Type)
	assert.Equal(t, a.self, got.From)
	assert.Equal(t, id, got.ThreadID)
	assert.Equal(t, "r-1", got.Metadata.RoomID)
	assert.NotEmpty(t, got.ID)

	require.Len(t, echo, 1)
	assert.True(t, (<-echo).IsFrom(a.self))

	stored, err := b.Messages(id, 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "call_request", stored[0].Type)
	assert.Equal(t, a.self, stored[0].Sender)
}

func TestSignalsStayOrdered(t *testing.T) {
	a, b := peers(t)
	ctx := context.Background()
	id, err := a.FindOrCreateDirect(ctx, a.self, b.self)
	require.NoError(t, err)
	remote := collect(b, id)

	for _, typ := range []call.SignalType{call.SignalRequest, call.SignalAccepted, call.SignalEnded} {
		require.NoError(t, a.Send(ctx, id, call.Signal{Type: typ}))
	}
	require.Len(t, remote, 3)
	assert.Equal(t, call.SignalRequest, (<-remote).Type)
	assert.Equal(t, call.SignalAccepted, (<-remote).Type)
	assert.Equal(t, call.SignalEnded, (<-remote).Type)
}

func TestRedeliveryIsDropped(t *testing.T) {
	_, b := peers(t)
	remote := collect(b, call.AllThreads)

	peer := "peer-x"
	id := DirectID(peer, b.self)
	body, _ := json.Marshal(call.Signal{Type: call.SignalEnded})
	raw, _ := json.Marshal(Message{ID: "m-1", ThreadID: id, Kind: KindDirect, Members: sorted(peer, b.self), Type: "call_ended", Body: body})

	b.receive(peer, mq.TopicThreadPrefix+id, raw)
	b.receive(peer, mq.TopicThreadPrefix+id, raw)
	require.Len(t, remote, 1)
	assert.Equal(t, peer, (<-remote).From)
}

func TestForeignMessagesAreDropped(t *testing.T) {
	_, b := peers(t)
	remote := collect(b, call.AllThreads)
	body, _ := json.Marshal(call.Signal{Type: call.SignalRequest})

	send := func(from string, m Message) {
		raw, _ := json.Marshal(m)
		b.receive(from, mq.TopicThreadPrefix+m.ThreadID, raw)
	}
	// sender not a member
	send("mallory", Message{ID: "1", ThreadID: DirectID("x", b.self), Kind: KindDirect, Members: sorted("x", b.self), Body: body})
	// we are not a member
	send("x", Message{ID: "2", ThreadID: DirectID("x", "y"), Kind: KindDirect, Members: sorted("x", "y"), Body: body})
	// thread id does not match the members
	send("x", Message{ID: "3", ThreadID: "dm-forged", Kind: KindDirect, Members: sorted("x", b.self), Body: body})

	assert.Len(t, remote, 0)
}

func sorted(a, b string) []string {
	if a < b {
		return []string{a, b}
	}
	return []string{b, a}
}

type failingTransport struct{ calls int }

func (f *failingTransport) SelfID() string { return "self" }
func (f *failingTransport) Send(context.Context, string, string, any) (string, error) {
	f.calls++
	return "", errors.New("unreachable")
}
func (f *failingTransport) SubscribeTopic(string, func(string, string, json.RawMessage)) func() {
	return func() {}
}

func TestSendErrors(t *testing.T) {
	tr := &failingTransport{}
	s := New(openDB(t), tr)
	ctx := context.Background()

	err := s.Send(ctx, "nope", call.Signal{Type: call.SignalEnded})
	assert.ErrorIs(t, err, ErrUnknownThread)

	_, err = s.FindOrCreateDirect(ctx, "self", "self")
	assert.Error(t, err)

	id, err := s.FindOrCreateDirect(ctx, "self", "other")
	require.NoError(t, err)
	echo := collect(s, id)

	short, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	err = s.Send(short, id, call.Signal{Type: call.SignalEnded})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "other")
	assert.Equal(t, sendAttempts, tr.calls)
	assert.Len(t, echo, 1)

	other, err := s.FindOrCreateDirect(ctx, "x", "y")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Send(ctx, other, call.Signal{Type: call.SignalEnded}), ErrNotMember)
}
