//go:build !linux

package ringer

import "errors"

var errNoDevice = errors.New("ringer: no audio output on this platform")

// DevicePlayer is unavailable here; callers fall back to NullPlayer.
type DevicePlayer struct{}

func NewDevicePlayer() (*DevicePlayer, error) { return nil, errNoDevice }

func (*DevicePlayer) Play([]byte) (func(), error) { return nil, errNoDevice }

func (*DevicePlayer) Close() {}
