//go:build linux

package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
)

// codecSelector is shared by capture and the PeerConnection media engine so
// the encoders match what gets negotiated.
var codecSelector = sync.OnceValues(func() (*mediadevices.CodecSelector, error) {
	vp8, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vp8.BitRate = 1_500_000

	op, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vp8),
		mediadevices.WithAudioEncoders(&op),
	), nil
})

func registerCodecs(me *webrtc.MediaEngine) error {
	cs, err := codecSelector()
	if err != nil {
		log.Warnw("codec selector unavailable, using defaults", "err", err)
		return me.RegisterDefaultCodecs()
	}
	cs.Populate(me)
	return nil
}

// rawFormats excludes MJPEG: some cameras expose an MJPEG node whose frames
// break the VP8 encoder.
var rawFormats = prop.FrameFormatOneOf{
	frame.FormatYUYV,
	frame.FormatI420,
	frame.FormatI444,
	frame.FormatRGBA,
}

// Capturer acquires microphone, camera and screen through pion/mediadevices.
type Capturer struct {
	cs *mediadevices.CodecSelector
}

// NewCapturer prepares device capture and logs what the drivers found.
func NewCapturer() (*Capturer, error) {
	cs, err := codecSelector()
	if err != nil {
		return nil, fmt.Errorf("media: codecs: %w", err)
	}
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warn("no capture devices found")
	}
	for _, d := range devices {
		log.Debugw("capture device", "kind", d.Kind, "label", d.Label)
	}
	return &Capturer{cs: cs}, nil
}

func (c *Capturer) Microphone(ctx context.Context) (call.Track, error) {
	return c.open(ctx, call.TrackAudio, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(*mediadevices.MediaTrackConstraints) {},
			Codec: c.cs,
		})
	})
}

func (c *Capturer) Camera(ctx context.Context, res call.Resolution) (call.Track, error) {
	return c.open(ctx, call.TrackVideo, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: func(m *mediadevices.MediaTrackConstraints) {
				m.FrameFormat = rawFormats
				m.Width = prop.IntRanged{Max: res.Width, Ideal: res.Width}
				m.Height = prop.IntRanged{Max: res.Height, Ideal: res.Height}
			},
			Codec: c.cs,
		})
	})
}

func (c *Capturer) Screen(ctx context.Context) (call.Track, error) {
	return c.open(ctx, call.TrackShare, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Video: func(m *mediadevices.MediaTrackConstraints) {
				m.FrameFormat = rawFormats
			},
			Codec: c.cs,
		})
	})
}

// open runs the blocking device request off the caller's goroutine so a
// cancelled context returns promptly; a device that opens after that is
// closed again.
func (c *Capturer) open(ctx context.Context, kind call.TrackKind, get func() (mediadevices.MediaStream, error)) (call.Track, error) {
	type result struct {
		t   *localTrack
		err error
	}
	ch := make(chan result, 1)
	go func() {
		stream, err := get()
		if err != nil {
			ch <- result{err: err}
			return
		}
		tracks := stream.GetTracks()
		if len(tracks) == 0 {
			ch <- result{err: errors.New("no track")}
			return
		}
		for _, extra := range tracks[1:] {
			_ = extra.Close()
		}
		ch <- result{t: newLocalTrack(tracks[0], kind)}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("media: open %s: %w", kind, r.err)
		}
		log.Debugw("captured", "kind", kind, "track", r.t.ID())
		return r.t, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.t != nil {
				r.t.Stop()
			}
		}()
		return nil, ctx.Err()
	}
}

// localTrack wraps a captured mediadevices track.
type localTrack struct {
	src  mediadevices.Track
	kind call.TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
	ended   []func()
}

func newLocalTrack(src mediadevices.Track, kind call.TrackKind) *localTrack {
	t := &localTrack{src: src, kind: kind, enabled: true}
	src.OnEnded(func(err error) {
		if err != nil {
			log.Debugw("capture ended", "kind", kind, "err", err)
		}
		t.mu.Lock()
		stopped := t.stopped
		t.stopped = true
		fns := t.ended
		t.mu.Unlock()
		if stopped {
			return
		}
		for _, fn := range fns {
			fn()
		}
	})
	return t
}

func (t *localTrack) TrackLocal() webrtc.TrackLocal { return t.src }
func (t *localTrack) ID() string                    { return t.src.ID() }
func (t *localTrack) Kind() call.TrackKind          { return t.kind }

func (t *localTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *localTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *localTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stop releases the device.
func (t *localTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	_ = t.src.Close()
}

func (t *localTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.ended = append(t.ended, fn)
	t.mu.Unlock()
}
