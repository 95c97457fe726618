package media

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
)

// publishable is implemented by local tracks that can be sent over a
// PeerConnection.
type publishable interface {
	TrackLocal() webrtc.TrackLocal
}

// remoteTrack is the call-facing view of a received track. A view is
// replaced by a fresh one when the publisher re-enables the stream, since
// the call side stops views it no longer shows.
type remoteTrack struct {
	id          string
	participant string
	kind        call.TrackKind

	enabled atomic.Bool
	volume  atomic.Uint64

	mu      sync.Mutex
	stopped bool
	ended   []func()
}

func newRemoteTrack(id, participant string, kind call.TrackKind) *remoteTrack {
	t := &remoteTrack{
		id:          id,
		participant: participant,
		kind:        kind,
	}
	t.enabled.Store(true)
	t.volume.Store(math.Float64bits(1))
	return t
}

func remoteKind(tr *webrtc.TrackRemote) call.TrackKind {
	if strings.HasPrefix(tr.ID(), string(call.TrackShare)) {
		return call.TrackShare
	}
	if tr.Kind() == webrtc.RTPCodecTypeAudio {
		return call.TrackAudio
	}
	return call.TrackVideo
}

func (t *remoteTrack) ID() string           { return t.id }
func (t *remoteTrack) Kind() call.TrackKind { return t.kind }
func (t *remoteTrack) Enabled() bool        { return t.enabled.Load() }
func (t *remoteTrack) SetEnabled(on bool)   { t.enabled.Store(on) }
func (t *remoteTrack) Volume() float64      { return math.Float64frombits(t.volume.Load()) }
func (t *remoteTrack) SetVolume(v float64)  { t.volume.Store(math.Float64bits(clamp01(v))) }
func (t *remoteTrack) Participant() string  { return t.participant }

func (t *remoteTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stop detaches the view; packets are no longer forwarded through it.
func (t *remoteTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *remoteTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.ended = append(t.ended, fn)
	t.mu.Unlock()
}

// end runs when the source stops delivering packets.
func (t *remoteTrack) end() {
	t.mu.Lock()
	already := t.stopped
	t.stopped = true
	fns := t.ended
	t.ended = nil
	t.mu.Unlock()
	if already {
		return
	}
	for _, fn := range fns {
		fn()
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
