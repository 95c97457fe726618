package call

import "time"

// SignalType is the "type" field of a signaling message on a thread.
type SignalType string

const (
	SignalRequest   SignalType = "call_request"
	SignalAccepted  SignalType = "call_accepted"
	SignalRejected  SignalType = "call_rejected"
	SignalEnded     SignalType = "call_ended"
	SignalRaiseHand SignalType = "raise_hand"
)

// Signal is one call lifecycle message carried by the signal channel.
// From is filled in by the channel with the sender identity.
type Signal struct {
	ID       string     `json:"id,omitempty"`
	ThreadID string     `json:"thread_id"`
	Type     SignalType `json:"type"`
	From     string     `json:"from"`
	Metadata Metadata   `json:"metadata"`
}

// Metadata is the union of the per-type signal fields. Timestamps are unix
// milliseconds.
type Metadata struct {
	CallType MediaKind `json:"callType,omitempty"`
	// CallID and RoomID tag every lifecycle signal with the call it belongs
	// to. call_request carries the room the invitee should join.
	CallID string `json:"callId,omitempty"`
	RoomID string `json:"roomId,omitempty"`

	// call_request
	CallerID   string `json:"callerId,omitempty"`
	CallerName string `json:"callerName,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`

	// call_accepted
	AcceptedBy string `json:"acceptedBy,omitempty"`
	AcceptedAt int64  `json:"acceptedAt,omitempty"`

	// call_rejected
	RejectedBy string `json:"rejectedBy,omitempty"`
	RejectedAt int64  `json:"rejectedAt,omitempty"`

	// call_ended
	EndedBy string `json:"endedBy,omitempty"`
	EndedAt int64  `json:"endedAt,omitempty"`

	// raise_hand
	Raised   bool   `json:"raised,omitempty"`
	RaisedBy string `json:"raisedBy,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// Actor returns the identity the signal speaks for: the type-specific
// "...By"/caller field when present, otherwise the transport sender.
func (s Signal) Actor() string {
	var id string
	switch s.Type {
	case SignalRequest:
		id = s.Metadata.CallerID
	case SignalAccepted:
		id = s.Metadata.AcceptedBy
	case SignalRejected:
		id = s.Metadata.RejectedBy
	case SignalEnded:
		id = s.Metadata.EndedBy
	case SignalRaiseHand:
		id = s.Metadata.RaisedBy
	}
	if id == "" {
		return s.From
	}
	return id
}

// IsFrom reports whether either the sender or the actor of s is selfID.
// Channels may echo our own messages back to us.
func (s Signal) IsFrom(selfID string) bool {
	if selfID == "" {
		return false
	}
	return s.From == selfID || s.Actor() == selfID
}

// SentAt returns the creation time carried in the metadata, or the zero time.
func (s Signal) SentAt() time.Time {
	var ms int64
	switch s.Type {
	case SignalRequest:
		ms = s.Metadata.Timestamp
	case SignalAccepted:
		ms = s.Metadata.AcceptedAt
	case SignalRejected:
		ms = s.Metadata.RejectedAt
	case SignalEnded:
		ms = s.Metadata.EndedAt
	}
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
