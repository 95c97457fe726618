// Package ringer plays the local ringtone and ringback cadences. Every call
// session gets its own Ringer so stopping one session's tones never silences
// another.
package ringer

import (
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
)

var log = logging.Logger("ringer")

var ErrUnknownTone = errors.New("ringer: unknown tone")

// Player loops a PCM buffer (S16LE mono at SampleRate) until stop is called.
type Player interface {
	Play(pcm []byte) (stop func(), err error)
}

// Provider hands out scoped ringers sharing one output device.
type Provider struct {
	player Player
	clk    clock.Clock
	volume float64

	mu     sync.Mutex
	active map[*Ringer]call.Tone
	pcm    map[string][]byte
}

var _ call.RingerProvider = (*Provider)(nil)

// NewProvider creates a Provider. volume is 0..1; a nil clock uses the wall
// clock.
func NewProvider(p Player, clk clock.Clock, volume float64) *Provider {
	if clk == nil {
		clk = clock.New()
	}
	if p == nil {
		p = NullPlayer{}
	}
	return &Provider{
		player: p,
		clk:    clk,
		volume: volume,
		active: make(map[*Ringer]call.Tone),
		pcm:    make(map[string][]byte),
	}
}

func (p *Provider) NewRinger() call.Ringer {
	return &Ringer{p: p}
}

// Active returns the tones currently playing, one entry per ringing session.
func (p *Provider) Active() []call.Tone {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]call.Tone, 0, len(p.active))
	for _, t := range p.active {
		out = append(out, t)
	}
	return out
}

// StopAll silences every ringer, as on shutdown.
func (p *Provider) StopAll() {
	p.mu.Lock()
	rs := make([]*Ringer, 0, len(p.active))
	for r := range p.active {
		rs = append(rs, r)
	}
	p.mu.Unlock()
	for _, r := range rs {
		r.StopAll()
	}
}

func (p *Provider) segmentPCM(tone call.Tone, i int, s segment) []byte {
	key := string(tone) + "/" + string(rune('0'+i))
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.pcm[key]; ok {
		return b
	}
	b := synth(s.freqs, s.dur, p.volume)
	p.pcm[key] = b
	return b
}

func (p *Provider) track(r *Ringer, tone call.Tone, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on {
		p.active[r] = tone
	} else {
		delete(p.active, r)
	}
}

// Ringer plays at most one tone at a time for one session.
type Ringer struct {
	p *Provider

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// Start replaces whatever tone this ringer plays with tone.
func (r *Ringer) Start(tone call.Tone) error {
	cad, ok := cadences[tone]
	if !ok {
		return ErrUnknownTone
	}
	r.StopAll()

	r.mu.Lock()
	defer r.mu.Unlock()
	stop, done := make(chan struct{}), make(chan struct{})
	r.stop, r.done = stop, done
	r.p.track(r, tone, true)
	go r.run(tone, cad, stop, done)
	return nil
}

// StopAll silences this ringer and waits for playback to end.
func (r *Ringer) StopAll() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	r.p.track(r, "", false)
}

func (r *Ringer) run(tone call.Tone, cad []segment, stop, done chan struct{}) {
	defer close(done)
	for {
		for i, seg := range cad {
			var halt func()
			if len(seg.freqs) > 0 {
				h, err := r.p.player.Play(r.p.segmentPCM(tone, i, seg))
				if err != nil {
					log.Warnw("playback failed", "tone", tone, "err", err)
				} else {
					halt = h
				}
			}
			t := r.p.clk.Timer(seg.dur)
			select {
			case <-stop:
				t.Stop()
				if halt != nil {
					halt()
				}
				return
			case <-t.C:
			}
			if halt != nil {
				halt()
			}
		}
	}
}

// NullPlayer discards audio. It keeps ringing logic alive on hosts without
// an output device.
type NullPlayer struct{}

func (NullPlayer) Play([]byte) (func(), error) { return func() {}, nil }
