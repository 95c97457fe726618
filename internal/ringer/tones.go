package ringer

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
)

const (
	SampleRate = 48000
	fade       = 10 * time.Millisecond
)

// segment is one step of a cadence. A segment without frequencies is silence.
type segment struct {
	freqs []float64
	dur   time.Duration
}

// cadences repeat until the ringer is stopped.
var cadences = map[call.Tone][]segment{
	// incoming: double ring
	call.ToneRingtone: {
		{freqs: []float64{400, 450}, dur: 400 * time.Millisecond},
		{dur: 200 * time.Millisecond},
		{freqs: []float64{400, 450}, dur: 400 * time.Millisecond},
		{dur: 2 * time.Second},
	},
	// outgoing: long ringback
	call.ToneRingback: {
		{freqs: []float64{440, 480}, dur: 2 * time.Second},
		{dur: 4 * time.Second},
	},
}

// synth renders a mix of sine waves as signed 16-bit little-endian mono PCM
// with a short fade at both ends.
func synth(freqs []float64, dur time.Duration, volume float64) []byte {
	n := int(dur.Seconds() * SampleRate)
	out := make([]byte, 2*n)
	if len(freqs) == 0 || volume <= 0 {
		return out
	}
	amp := math.Min(volume, 1) * math.MaxInt16 / float64(len(freqs))
	ramp := int(fade.Seconds() * SampleRate)
	for i := range n {
		t := float64(i) / SampleRate
		var v float64
		for _, f := range freqs {
			v += math.Sin(2 * math.Pi * f * t)
		}
		g := 1.0
		if i < ramp {
			g = float64(i) / float64(ramp)
		} else if n-i < ramp {
			g = float64(n-i) / float64(ramp)
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v*amp*g)))
	}
	return out
}
