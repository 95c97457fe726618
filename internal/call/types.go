// Package call orchestrates peer-to-peer audio/video calls.
//
// The state machine lives in machine.go as a pure reducer. Session runs one
// reducer instance on its own event loop and executes the effects it emits
// against the injected capabilities (media session, signal channel, ringer,
// notifier, directory). Manager owns one session per thread.
package call

import (
	"time"
)

// Status is the call lifecycle position. It only ever moves forward.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusRinging    Status = "ringing"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
)

func (s Status) rank() int {
	switch s {
	case StatusConnecting:
		return 1
	case StatusRinging:
		return 2
	case StatusConnected:
		return 3
	case StatusEnded:
		return 4
	}
	return 0
}

// Direction tells which side placed the call.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// MediaKind is the call type requested by the caller.
type MediaKind string

const (
	Audio MediaKind = "audio"
	Video MediaKind = "video"
)

// EndReason records why a session reached StatusEnded.
type EndReason string

const (
	EndNone        EndReason = ""
	EndLocalHangup EndReason = "hangup"
	EndRejected    EndReason = "rejected"  // we declined an incoming call
	EndDeclined    EndReason = "declined"  // the peer declined our call
	EndRemoteEnded EndReason = "remote_ended"
	EndMissed      EndReason = "missed"    // ring timeout
	EndPeerLeft    EndReason = "peer_left" // last remote participant left
	EndMeetingLeft EndReason = "meeting_left"
	EndJoinFailed  EndReason = "join_failed"
	EndJoinTimeout EndReason = "join_timeout"
	EndUnmounted   EndReason = "unmounted"
)

// Tone selects what the ringer plays.
type Tone string

const (
	ToneRingtone Tone = "ringtone" // incoming call
	ToneRingback Tone = "ringback" // outgoing call waiting for answer
)

// Policy holds the timing rules of the state machine.
type Policy struct {
	RingTimeout time.Duration
	JoinTimeout time.Duration
	AcceptGrace time.Duration
	CloseDelay  time.Duration
}

// DefaultPolicy returns the production timings.
func DefaultPolicy() Policy {
	return Policy{
		RingTimeout: 45 * time.Second,
		JoinTimeout: 30 * time.Second,
		AcceptGrace: 2 * time.Second,
		CloseDelay:  1500 * time.Millisecond,
	}
}

// User is a directory entry.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url"`
}

// DisplayName returns the best human label for u.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	if u.Username != "" {
		return u.Username
	}
	return u.ID
}

// Notification is a push/in-app notice addressed to one user.
type Notification struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Type   string            `json:"type"`
	Data   map[string]string `json:"data,omitempty"`
}

// NotificationMissedCall is the Notification.Type for missed calls.
const NotificationMissedCall = "missed_call"

// Record is the call-history row written when a session finishes.
type Record struct {
	CallID      string
	ThreadID    string
	RoomID      string
	PeerID      string
	Direction   Direction
	Kind        MediaKind
	EndReason   EndReason
	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
}

// Duration is the connected time of the call, zero if it never connected.
func (r Record) Duration() time.Duration {
	if r.ConnectedAt.IsZero() || r.EndedAt.Before(r.ConnectedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}
