//go:build linux

package ringer

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// DevicePlayer plays through the default output device with miniaudio.
type DevicePlayer struct {
	ctx *malgo.AllocatedContext
}

func NewDevicePlayer() (*DevicePlayer, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debugf("malgo: %s", message)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &DevicePlayer{ctx: ctx}, nil
}

// Play loops pcm on a fresh playback device.
func (p *DevicePlayer) Play(pcm []byte) (func(), error) {
	if len(pcm) == 0 {
		return func() {}, nil
	}
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = SampleRate

	var mu sync.Mutex
	pos := 0
	onSamples := func(out, _ []byte, _ uint32) {
		mu.Lock()
		defer mu.Unlock()
		for n := 0; n < len(out); {
			c := copy(out[n:], pcm[pos:])
			n += c
			pos = (pos + c) % len(pcm)
		}
	}

	dev, err := malgo.InitDevice(p.ctx.Context, cfg, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("start playback device: %w", err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = dev.Stop()
			dev.Uninit()
		})
	}, nil
}

func (p *DevicePlayer) Close() {
	_ = p.ctx.Uninit()
	p.ctx.Free()
}
