//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
)

func registerCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

// Capturer is unavailable here: device drivers for pion/mediadevices are
// only wired on Linux. Calls run receive-only.
type Capturer struct{}

func NewCapturer() (*Capturer, error) { return nil, ErrNoCapture }

func (*Capturer) Microphone(context.Context) (call.Track, error) { return nil, ErrNoCapture }

func (*Capturer) Camera(context.Context, call.Resolution) (call.Track, error) {
	return nil, ErrNoCapture
}

func (*Capturer) Screen(context.Context) (call.Track, error) { return nil, ErrNoCapture }
