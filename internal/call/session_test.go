package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connectedCall places a call from alice to bob and lets bob accept.
func connectedCall(t *testing.T, w *world, kind MediaKind) (alice, bob *peer, as, bs *Session) {
	t.Helper()
	alice = w.peer("alice", "Alice")
	bob = w.peer("bob", "Bob")

	as, err := alice.mgr.StartCall(context.Background(), CallRequest{PeerID: "bob", PeerName: "Bob", Kind: kind})
	require.NoError(t, err)
	waitStatus(t, as, StatusRinging)

	bs = nextIncoming(t, bob)
	require.NoError(t, bs.Accept())
	waitStatus(t, bs, StatusConnected)
	waitStatus(t, as, StatusConnected)
	return alice, bob, as, bs
}

func TestCallAcceptedEndToEnd(t *testing.T) {
	w := newWorld(t)
	alice, bob, as, bs := connectedCall(t, w, Video)

	require.Len(t, w.bus.of(SignalRequest, "alice"), 1)
	req := w.bus.of(SignalRequest, "alice")[0]
	assert.Equal(t, "dm-alice-bob", req.ThreadID)
	assert.Equal(t, "room-new", req.Metadata.RoomID)
	assert.Equal(t, Video, req.Metadata.CallType)

	snap := bs.Snapshot()
	assert.Equal(t, Incoming, snap.Direction)
	assert.Equal(t, "alice", snap.PeerID)
	assert.Equal(t, "room-new", snap.RoomID)
	assert.Len(t, w.bus.of(SignalAccepted, "bob"), 1)

	waitFor(t, func() bool { return as.Snapshot().LocalAudio && as.Snapshot().LocalVideo }, "alice media published")
	waitFor(t, func() bool { return bs.Snapshot().LocalAudio && bs.Snapshot().LocalVideo }, "bob media published")
	alice.capture.mu.Lock()
	assert.Equal(t, []Resolution{{Width: 1280, Height: 720}}, alice.capture.resSeen)
	alice.capture.mu.Unlock()

	w.clock.Add(30 * time.Second)
	assert.Equal(t, int64(30_000), as.Snapshot().DurationMs)

	require.NoError(t, as.Hangup())
	waitStatus(t, as, StatusEnded)
	waitStatus(t, bs, StatusEnded)
	assert.Equal(t, EndLocalHangup, as.Snapshot().EndReason)
	assert.Equal(t, EndRemoteEnded, bs.Snapshot().EndReason)
	assert.Len(t, w.bus.of(SignalEnded, ""), 1)
	assert.Equal(t, int64(30_000), as.Snapshot().DurationMs)

	// Nothing missed on a connected call.
	assert.Empty(t, bob.notifier.list())
	assert.Empty(t, alice.notifier.list())

	for _, tr := range append(alice.capture.all(), bob.capture.all()...) {
		assert.True(t, tr.Stopped(), "track %s leaked", tr.ID())
	}
	assert.Equal(t, 1, alice.media.last().count(func(m *fakeMedia) int { return m.leaves }))

	// The ended card closes after the close delay.
	w.clock.Add(1500 * time.Millisecond)
	waitFor(t, func() bool { _, ok := alice.mgr.Session(as.ThreadID()); return !ok }, "alice session removed")
	waitFor(t, func() bool { _, ok := bob.mgr.Session(bs.ThreadID()); return !ok }, "bob session removed")
	assert.True(t, as.Snapshot().Closed)

	waitFor(t, func() bool { return len(alice.history.list()) == 1 }, "history recorded")
	rec := alice.history.list()[0]
	assert.Equal(t, Outgoing, rec.Direction)
	assert.Equal(t, 30*time.Second, rec.Duration())
}

// Scenario A.
func TestNoAnswerMissedCall(t *testing.T) {
	w := newWorld(t)
	alice := w.peer("alice", "Alice")
	bob := w.peer("bob", "Bob")

	as, err := alice.mgr.StartCall(context.Background(), CallRequest{PeerID: "bob", Kind: Video})
	require.NoError(t, err)
	waitStatus(t, as, StatusRinging)
	bs := nextIncoming(t, bob)
	waitStatus(t, bs, StatusRinging)

	w.clock.Add(44 * time.Second)
	assert.Equal(t, StatusRinging, as.Snapshot().Status)

	w.clock.Add(time.Second)
	waitStatus(t, as, StatusEnded)
	waitStatus(t, bs, StatusEnded)
	assert.Equal(t, EndMissed, as.Snapshot().EndReason)
	assert.Empty(t, as.Snapshot().Error, "a missed call is not an error")

	waitFor(t, func() bool { return len(alice.notifier.list()) == 1 }, "missed-call notification")
	n := alice.notifier.list()[0]
	assert.Equal(t, "bob", n.UserID)
	assert.Equal(t, NotificationMissedCall, n.Type)
	assert.Contains(t, n.Body, "Alice")
}

// Scenario C.
func TestParticipantFallbackConnects(t *testing.T) {
	w := newWorld(t)
	alice := w.peer("alice", "Alice")
	as, err := alice.mgr.StartCall(context.Background(), CallRequest{PeerID: "bob", Kind: Audio})
	require.NoError(t, err)
	waitStatus(t, as, StatusRinging)

	media := alice.media.last()
	remoteAudio := newTrack(TrackAudio)
	media.mu.Lock()
	media.existing["bob"] = []Track{remoteAudio}
	media.mu.Unlock()
	media.emit(MediaEvent{Type: MediaParticipantJoined, Participant: Participant{ID: "bob", DisplayName: "Bob"}})
	waitFor(t, func() bool { return len(as.Snapshot().Participants) == 1 }, "participant tracked")
	assert.True(t, as.Snapshot().Participants[0].Audio, "tracks published before we subscribed are picked up")

	w.clock.Add(2 * time.Second)
	waitStatus(t, as, StatusConnected)
	assert.InDelta(t, 0.8, remoteAudio.Volume(), 0.001)
}

// Scenario D.
func TestRemoteLeavesWithoutSignal(t *testing.T) {
	w := newWorld(t)
	_, bob, as, bs := connectedCall(t, w, Audio)

	media := bob.media.last()
	remote := newTrack(TrackAudio)
	media.emit(MediaEvent{Type: MediaParticipantJoined, Participant: Participant{ID: "alice"}})
	media.emit(MediaEvent{Type: MediaStreamEnabled, Participant: Participant{ID: "alice"}, Track: remote})
	waitFor(t, func() bool { return len(bs.Snapshot().Participants) == 1 }, "alice present")

	// Alice drops off the media session without signaling.
	media.emit(MediaEvent{Type: MediaParticipantLeft, Participant: Participant{ID: "alice"}})
	waitStatus(t, bs, StatusEnded)
	assert.Equal(t, EndPeerLeft, bs.Snapshot().EndReason)
	waitFor(t, func() bool { return len(w.bus.of(SignalEnded, "bob")) == 1 }, "bob sends call_ended")
	assert.True(t, remote.Stopped())
	waitStatus(t, as, StatusEnded)
}

// Scenario E.
func TestCameraToggleLeavesOneTrack(t *testing.T) {
	w := newWorld(t)
	alice, _, as, _ := connectedCall(t, w, Video)
	waitFor(t, func() bool { return as.Snapshot().LocalVideo }, "camera published")

	gate := make(chan struct{})
	alice.capture.mu.Lock()
	alice.capture.camGate = gate
	alice.capture.mu.Unlock()

	for i, want := range []bool{false, true, false, true} {
		on, err := as.ToggleCamera()
		require.NoError(t, err)
		assert.Equal(t, want, on, "toggle %d", i)
	}
	close(gate)

	waitFor(t, func() bool {
		live := 0
		for _, tr := range alice.capture.byKind(TrackVideo) {
			if !tr.Stopped() {
				live++
			}
		}
		return live == 1 && len(alice.capture.byKind(TrackVideo)) == 3
	}, "exactly one live camera track")
	waitFor(t, func() bool { return as.Snapshot().LocalVideo }, "camera republished")
	assert.True(t, as.Snapshot().CameraOn)

	require.NoError(t, as.Hangup())
	waitStatus(t, as, StatusEnded)
	for _, tr := range alice.capture.all() {
		assert.True(t, tr.Stopped())
	}
}

func TestCameraOffReleasesDevice(t *testing.T) {
	w := newWorld(t)
	alice, _, as, _ := connectedCall(t, w, Video)
	waitFor(t, func() bool { return as.Snapshot().LocalVideo && as.Snapshot().LocalAudio }, "media published")

	on, err := as.ToggleCamera()
	require.NoError(t, err)
	assert.False(t, on)
	cams := alice.capture.byKind(TrackVideo)
	require.Len(t, cams, 1)
	assert.True(t, cams[0].Stopped())
	assert.False(t, as.Snapshot().LocalVideo)
	assert.True(t, as.Snapshot().LocalAudio, "audio survives dropping video")
	assert.Equal(t, 1, alice.media.last().count(func(m *fakeMedia) int { return m.offs }))
}

func TestMuteAppliesEvenWhenAdapterFails(t *testing.T) {
	w := newWorld(t)
	alice, _, as, _ := connectedCall(t, w, Audio)
	waitFor(t, func() bool { return as.Snapshot().LocalAudio }, "mic published")
	media := alice.media.last()
	media.mu.Lock()
	media.muteErr = errors.New("adapter down")
	media.mu.Unlock()

	muted, err := as.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)

	mic := alice.capture.byKind(TrackAudio)[0]
	assert.False(t, mic.Enabled())
	snap := as.Snapshot()
	assert.True(t, snap.Muted)
	assert.Equal(t, KindMedia, snap.ErrorKind)
	assert.Equal(t, StatusConnected, snap.Status)

	muted, err = as.ToggleMute()
	require.NoError(t, err)
	assert.False(t, muted)
	assert.True(t, mic.Enabled())
}

func TestScreenShareExclusive(t *testing.T) {
	w := newWorld(t)
	alice, _, as, _ := connectedCall(t, w, Video)
	waitFor(t, func() bool { return as.Snapshot().LocalAudio }, "media published")
	media := alice.media.last()

	bobShare := newTrack(TrackShare)
	media.mu.Lock()
	media.existing["bob"] = []Track{bobShare}
	media.mu.Unlock()
	media.emit(MediaEvent{Type: MediaPresenterChanged, Presenter: "bob"})
	waitFor(t, func() bool { return as.Snapshot().Presenter == "bob" }, "bob presents")
	assert.Equal(t, bobShare.ID(), as.Snapshot().RemoteShare)

	err := as.StartScreenShare()
	assert.ErrorIs(t, err, ErrPresenterActive)
	assert.False(t, as.Snapshot().Sharing)
	assert.Empty(t, alice.capture.byKind(TrackShare), "no capture while refused")

	media.emit(MediaEvent{Type: MediaPresenterChanged, Presenter: ""})
	waitFor(t, func() bool { return as.Snapshot().Presenter == "" }, "bob stops")
	assert.True(t, bobShare.Stopped())
	assert.Empty(t, as.Snapshot().RemoteShare)

	require.NoError(t, as.StartScreenShare())
	waitFor(t, func() bool { return as.Snapshot().Sharing }, "local share active")
	assert.Equal(t, LocalPresenter, as.Snapshot().Presenter)

	// The user stops sharing from the system picker.
	share := alice.capture.byKind(TrackShare)[0]
	share.endBySource()
	waitFor(t, func() bool { return !as.Snapshot().Sharing }, "share reverted")
	assert.Equal(t, 1, media.count(func(m *fakeMedia) int { return m.shareOffs }))
}

func TestScreenShareInFlightRefused(t *testing.T) {
	w := newWorld(t)
	alice, _, as, _ := connectedCall(t, w, Audio)
	waitFor(t, func() bool { return as.Snapshot().LocalAudio }, "media published")

	gate := make(chan struct{})
	alice.capture.screenFn = func() (*fakeTrack, error) {
		<-gate
		return newTrack(TrackShare), nil
	}
	require.NoError(t, as.StartScreenShare())
	assert.ErrorIs(t, as.StartScreenShare(), ErrShareInFlight)

	// Cancel before the picker returns; the late capture is released.
	require.NoError(t, as.StopScreenShare())
	close(gate)
	waitFor(t, func() bool {
		shares := alice.capture.byKind(TrackShare)
		return len(shares) == 1 && shares[0].Stopped()
	}, "late capture stopped")
	assert.False(t, as.Snapshot().Sharing)
}

func TestHangupDuringJoinReleasesLateJoin(t *testing.T) {
	w := newWorld(t)
	alice := w.peer("alice", "Alice")
	gate := make(chan struct{})
	alice.media.prepare = func(m *fakeMedia) { m.joinGate = gate }

	as, err := alice.mgr.StartCall(context.Background(), CallRequest{PeerID: "bob", Kind: Video})
	require.NoError(t, err)
	require.NoError(t, as.Hangup())
	waitStatus(t, as, StatusEnded)
	close(gate)

	media := alice.media.last()
	waitFor(t, func() bool { return media.count(func(m *fakeMedia) int { return m.leaves }) >= 1 }, "left")
	assert.Empty(t, alice.capture.all(), "nothing captured for a call that never joined")
	assert.Empty(t, w.bus.of(SignalRequest, ""), "request never sent")
	assert.Empty(t, alice.notifier.list())
}

func TestJoinTimeout(t *testing.T) {
	w := newWorld(t)
	alice := w.peer("alice", "Alice")
	gate := make(chan struct{})
	defer close(gate)
	alice.media.prepare = func(m *fakeMedia) { m.joinGate = gate }

	as, err := alice.mgr.StartCall(context.Background(), CallRequest{PeerID: "bob", Kind: Audio})
	require.NoError(t, err)
	media := func() *fakeMedia { return alice.media.last() }
	waitFor(t, func() bool { return media().count(func(m *fakeMedia) int { return m.joins }) == 1 }, "join started")

	w.clock.Add(30 * time.Second)
	waitStatus(t, as, StatusEnded)
	snap := as.Snapshot()
	assert.Equal(t, EndJoinTimeout, snap.EndReason)
	assert.Equal(t, KindJoinTimeout, snap.ErrorKind)
	assert.Contains(t, snap.Error, "connection timeout")
}

func TestRoomFailureIsFatal(t *testing.T) {
	w := newWorld(t)
	alice := w.peer("alice", "Alice")
	alice.media.prepare = func(m *fakeMedia) { m.roomErr = errors.New("bad token") }

	as, err := alice.mgr.StartCall(context.Background(), CallRequest{PeerID: "bob"})
	require.NoError(t, err)
	waitStatus(t, as, StatusEnded)
	assert.Equal(t, KindJoin, as.Snapshot().ErrorKind)
	assert.Equal(t, EndJoinFailed, as.Snapshot().EndReason)
}

func TestMicFailureIsNotFatal(t *testing.T) {
	w := newWorld(t)
	alice := w.peer("alice", "Alice")
	alice.capture.micErr = errors.New("permission denied")
	bob := w.peer("bob", "Bob")

	as, err := alice.mgr.StartCall(context.Background(), CallRequest{PeerID: "bob", Kind: Audio})
	require.NoError(t, err)
	waitFor(t, func() bool { return as.Snapshot().ErrorKind == KindAcquisition }, "acquisition error shown")
	assert.Equal(t, StatusRinging, as.Snapshot().Status)

	bs := nextIncoming(t, bob)
	require.NoError(t, bs.Accept())
	waitStatus(t, as, StatusConnected)
}

func TestDoubleAcceptJoinsOnce(t *testing.T) {
	w := newWorld(t)
	alice := w.peer("alice", "Alice")
	bob := w.peer("bob", "Bob")
	_, err := alice.mgr.StartCall(context.Background(), CallRequest{PeerID: "bob"})
	require.NoError(t, err)
	bs := nextIncoming(t, bob)

	for i := 0; i < 3; i++ {
		go func() { _ = bs.Accept() }()
	}
	waitStatus(t, bs, StatusConnected)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, w.bus.of(SignalAccepted, "bob"), 1)
	assert.Len(t, bob.media.sessions, 1)
}

func TestRejectIncoming(t *testing.T) {
	w := newWorld(t)
	alice := w.peer("alice", "Alice")
	bob := w.peer("bob", "Bob")
	as, err := alice.mgr.StartCall(context.Background(), CallRequest{PeerID: "bob"})
	require.NoError(t, err)
	bs := nextIncoming(t, bob)

	require.NoError(t, bs.Reject())
	require.NoError(t, bs.Reject())
	waitStatus(t, as, StatusEnded)
	assert.Equal(t, EndDeclined, as.Snapshot().EndReason)
	assert.Len(t, w.bus.of(SignalRejected, "bob"), 1)
	assert.Empty(t, w.bus.of(SignalEnded, ""))
	waitFor(t, func() bool { return len(alice.notifier.list()) == 1 }, "declined call notice")
	assert.Equal(t, "bob", alice.notifier.list()[0].UserID)
	assert.ErrorIs(t, bs.Accept(), ErrSessionEnded)
}

func TestSpeakerCycle(t *testing.T) {
	w := newWorld(t)
	alice, _, as, _ := connectedCall(t, w, Audio)
	media := alice.media.last()
	remote := newTrack(TrackAudio)
	media.emit(MediaEvent{Type: MediaStreamEnabled, Participant: Participant{ID: "bob"}, Track: remote})
	waitFor(t, func() bool { return remote.Volume() == 0.8 }, "normal volume applied")

	for _, want := range []struct {
		level SpeakerLevel
		vol   float64
	}{{SpeakerLoud, 1.0}, {SpeakerLow, 0.4}, {SpeakerNormal, 0.8}} {
		level, err := as.CycleSpeaker()
		require.NoError(t, err)
		assert.Equal(t, want.level, level)
		assert.InDelta(t, want.vol, remote.Volume(), 0.001)

		snap := as.Snapshot()
		assert.Equal(t, want.level, snap.Speaker)
		assert.InDelta(t, want.vol, snap.SpeakerVolume, 0.001)
		require.NotEmpty(t, snap.Participants)
		for _, pv := range snap.Participants {
			if pv.ID == "bob" {
				assert.InDelta(t, want.vol, pv.Volume, 0.001)
			}
		}
	}
}

func TestRaiseHand(t *testing.T) {
	w := newWorld(t)
	_, bob, as, bs := connectedCall(t, w, Audio)
	bob.media.last().emit(MediaEvent{Type: MediaParticipantJoined, Participant: Participant{ID: "alice", DisplayName: "Alice"}})
	waitFor(t, func() bool { return len(bs.Snapshot().Participants) == 1 }, "alice in bob's room")

	require.NoError(t, as.RaiseHand(true))
	require.NoError(t, as.RaiseHand(true))
	assert.True(t, as.Snapshot().HandRaised)
	waitFor(t, func() bool { return bs.Snapshot().Participants[0].HandRaised }, "bob sees the raised hand")
	assert.Len(t, w.bus.of(SignalRaiseHand, "alice"), 1)

	require.NoError(t, as.RaiseHand(false))
	waitFor(t, func() bool { return !bs.Snapshot().Participants[0].HandRaised }, "hand lowered")
	assert.Equal(t, StatusConnected, bs.Snapshot().Status)
	assert.Equal(t, StatusConnected, as.Snapshot().Status)
}

func TestInvite(t *testing.T) {
	w := newWorld(t)
	w.dir = fakeDirectory{users: []User{
		{ID: "bob", Username: "bob", FullName: "Bob"},
		{ID: "carol", Username: "carol", FullName: "Carol"},
		{ID: "alice", Username: "alice", FullName: "Alice"},
	}}
	alice, _, as, _ := connectedCall(t, w, Video)
	alice.media.last().emit(MediaEvent{Type: MediaParticipantJoined, Participant: Participant{ID: "bob", DisplayName: "Bob"}})
	waitFor(t, func() bool { return len(as.Snapshot().Participants) == 1 }, "bob in room")

	cands, err := as.InviteCandidates(context.Background(), "o")
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "bob", cands[0].ID)
	assert.True(t, cands[0].InCall)
	assert.False(t, cands[1].InCall)

	assert.ErrorIs(t, as.Invite(context.Background(), "bob"), ErrAlreadyInCall)
	require.NoError(t, as.Invite(context.Background(), "carol"))

	reqs := w.bus.of(SignalRequest, "alice")
	require.Len(t, reqs, 2)
	inv := reqs[1]
	assert.Equal(t, "dm-alice-carol", inv.ThreadID)
	assert.Equal(t, as.Snapshot().RoomID, inv.Metadata.RoomID)
	assert.Equal(t, "alice", inv.Metadata.CallerID)
	waitFor(t, func() bool { return len(as.Snapshot().Inviting) == 0 }, "invite settled")
}

func TestInviteInFlightPerTarget(t *testing.T) {
	w := newWorld(t)
	_, _, as, _ := connectedCall(t, w, Audio)
	gate := make(chan struct{})
	as.deps.Threads = &fakeThreads{gate: gate}

	errc := make(chan error, 1)
	go func() { errc <- as.Invite(context.Background(), "carol") }()
	waitFor(t, func() bool { return len(as.Snapshot().Inviting) == 1 }, "invite in flight")

	assert.ErrorIs(t, as.Invite(context.Background(), "carol"), ErrInviteInFlight)
	close(gate)
	require.NoError(t, <-errc)
	waitFor(t, func() bool { return len(as.Snapshot().Inviting) == 0 }, "invite done")
}

func TestWatchDeliversUpdatesAndCloses(t *testing.T) {
	w := newWorld(t)
	alice := w.peer("alice", "Alice")
	as, err := alice.mgr.StartCall(context.Background(), CallRequest{PeerID: "bob"})
	require.NoError(t, err)

	ch, stop := as.Watch()
	defer stop()
	<-ch

	require.NoError(t, as.Hangup())
	w.clock.Add(2 * time.Second)
	var last Snapshot
	for snap := range ch {
		last = snap
	}
	assert.True(t, last.Closed)
	assert.Equal(t, StatusEnded, last.Status)
}

func TestManagerCloseTearsDownSessions(t *testing.T) {
	w := newWorld(t)
	alice, _, as, _ := connectedCall(t, w, Video)
	waitFor(t, func() bool { return as.Snapshot().LocalVideo }, "media published")

	alice.mgr.Close()
	<-as.Done()
	assert.Equal(t, EndUnmounted, as.Snapshot().EndReason)
	for _, tr := range alice.capture.all() {
		assert.True(t, tr.Stopped())
	}
	assert.Len(t, w.bus.of(SignalEnded, "alice"), 1)

	_, err := alice.mgr.StartCall(context.Background(), CallRequest{PeerID: "bob"})
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestSessionHooks(t *testing.T) {
	w := newWorld(t)
	alice := w.peer("alice", "Alice")
	bob := w.peer("bob", "Bob")

	var mu sync.Mutex
	var seen []Direction
	off := alice.mgr.OnSession(func(s *Session) {
		mu.Lock()
		seen = append(seen, s.Snapshot().Direction)
		mu.Unlock()
	})
	bobAll := make(chan *Session, 1)
	bob.mgr.OnSession(func(s *Session) { bobAll <- s })

	as, err := alice.mgr.StartCall(context.Background(), CallRequest{PeerID: "bob"})
	require.NoError(t, err)
	bs := nextIncoming(t, bob)
	select {
	case s := <-bobAll:
		assert.Same(t, bs, s)
	case <-time.After(wait):
		t.Fatal("OnSession missed incoming call")
	}

	mu.Lock()
	assert.Equal(t, []Direction{Outgoing}, seen)
	mu.Unlock()

	off()
	require.NoError(t, as.Hangup())
	waitStatus(t, bs, StatusEnded)
}

func TestLocalStreamDisabledDropsOnlyItsKind(t *testing.T) {
	w := newWorld(t)
	alice, _, as, _ := connectedCall(t, w, Video)
	waitFor(t, func() bool { return as.Snapshot().LocalAudio && as.Snapshot().LocalVideo }, "media published")
	media := alice.media.last()
	mic := alice.capture.byKind(TrackAudio)[0]
	cam := alice.capture.byKind(TrackVideo)[0]
	self := Participant{ID: "alice", Local: true}

	// A muted mic reports disabled but stays acquired.
	_, err := as.ToggleMute()
	require.NoError(t, err)
	media.emit(MediaEvent{Type: MediaStreamDisabled, Participant: self, Track: mic})
	// A stale id for the camera slot is ignored.
	media.emit(MediaEvent{Type: MediaStreamDisabled, Participant: self, Track: newTrack(TrackVideo)})
	media.emit(MediaEvent{Type: MediaStreamDisabled, Participant: self, Track: cam})
	waitFor(t, func() bool { return !as.Snapshot().LocalVideo }, "camera dropped")

	snap := as.Snapshot()
	assert.True(t, snap.LocalAudio, "audio-only stream kept")
	assert.False(t, snap.CameraOn)
	assert.True(t, cam.Stopped())
	assert.False(t, mic.Stopped())
	assert.Equal(t, StatusConnected, snap.Status)
}

func TestRemoteStreamDisabled(t *testing.T) {
	w := newWorld(t)
	alice, _, as, _ := connectedCall(t, w, Video)
	media := alice.media.last()
	bob := Participant{ID: "bob", DisplayName: "Bob"}
	audio, video := newTrack(TrackAudio), newTrack(TrackVideo)
	media.emit(MediaEvent{Type: MediaStreamEnabled, Participant: bob, Track: audio})
	media.emit(MediaEvent{Type: MediaStreamEnabled, Participant: bob, Track: video})

	view := func() ParticipantView {
		for _, pv := range as.Snapshot().Participants {
			if pv.ID == "bob" {
				return pv
			}
		}
		return ParticipantView{}
	}
	waitFor(t, func() bool { return view().Audio && view().Video }, "bob's streams shown")

	media.emit(MediaEvent{Type: MediaStreamDisabled, Participant: bob, Track: newTrack(TrackVideo)})
	media.emit(MediaEvent{Type: MediaStreamDisabled, Participant: bob, Track: video})
	waitFor(t, func() bool { return !view().Video }, "bob's video dropped")
	assert.True(t, view().Audio)
	assert.True(t, video.Stopped())
	assert.False(t, audio.Stopped())

	media.emit(MediaEvent{Type: MediaStreamDisabled, Participant: bob, Track: audio})
	waitFor(t, func() bool { return !view().Audio }, "bob's audio dropped")
	assert.Equal(t, 0.0, view().Volume)
	assert.Equal(t, StatusConnected, as.Snapshot().Status)
}
