package call

import "time"

// Event is an input to the reducer.
type Event interface{ isEvent() }

// RoomReady reports a fetched room credential.
type RoomReady struct {
	Credential Credential
}

// RoomFailed reports that the room could not be created or resolved.
type RoomFailed struct{ Err error }

// Joined reports that the local side is in the media session.
type Joined struct{}

// JoinFailed reports a media session join error.
type JoinFailed struct{ Err error }

// TimerFired is posted when a timer started by StartTimer expires.
type TimerFired struct {
	Kind TimerKind
	Gen  uint64
}

// SignalReceived wraps an inbound signal for this session's thread.
type SignalReceived struct{ Signal Signal }

// ParticipantJoined reports a remote participant entering the room.
type ParticipantJoined struct {
	ID   string
	Name string
}

// ParticipantLeft reports a remote participant leaving the room.
type ParticipantLeft struct{ ID string }

// MeetingLeft reports that the media session dropped us.
type MeetingLeft struct{}

// Accept, Reject, Hangup and Unmount are local user/UI actions.
type (
	Accept  struct{}
	Reject  struct{}
	Hangup  struct{}
	Unmount struct{}
)

func (RoomReady) isEvent()         {}
func (RoomFailed) isEvent()        {}
func (Joined) isEvent()            {}
func (JoinFailed) isEvent()        {}
func (TimerFired) isEvent()        {}
func (SignalReceived) isEvent()    {}
func (ParticipantJoined) isEvent() {}
func (ParticipantLeft) isEvent()   {}
func (MeetingLeft) isEvent()       {}
func (Accept) isEvent()            {}
func (Reject) isEvent()            {}
func (Hangup) isEvent()            {}
func (Unmount) isEvent()           {}

// TimerKind names the machine's timers. Each kind has at most one live timer.
type TimerKind int

const (
	TimerJoin TimerKind = iota
	TimerRing
	TimerGrace
	TimerClose
	numTimers
)

func (k TimerKind) String() string {
	switch k {
	case TimerJoin:
		return "join"
	case TimerRing:
		return "ring"
	case TimerGrace:
		return "grace"
	case TimerClose:
		return "close"
	}
	return "unknown"
}

// Effect is a side-effect request produced by the reducer and executed by
// the session runtime.
type Effect interface{ isEffect() }

// CreateRoom fetches a join credential. RoomID is empty for a new room.
type CreateRoom struct{ RoomID string }

// JoinRoom joins the media session with a fetched credential.
type JoinRoom struct {
	Credential Credential
	Video      bool
}

// PublishLocalMedia acquires and publishes local capture after joining.
type PublishLocalMedia struct{ Video bool }

// StartTimer arms (or re-arms) the timer of Kind.
type StartTimer struct {
	Kind  TimerKind
	After time.Duration
	Gen   uint64
}

// ClearTimer disarms the timer of Kind.
type ClearTimer struct{ Kind TimerKind }

// PlayTone starts a ringer tone; StopTones silences the session's ringer.
type (
	PlayTone  struct{ Tone Tone }
	StopTones struct{}
)

// SendSignal publishes a signal on the session's thread. Delivery is best
// effort.
type SendSignal struct{ Signal Signal }

// NotifyMissed sends a missed-call notification to UserID.
type NotifyMissed struct{ Notification Notification }

// ReportError surfaces a user-visible failure.
type ReportError struct{ Err *Error }

// Teardown releases every media resource and leaves the room.
type Teardown struct{}

// RecordCall writes the finished call to history.
type RecordCall struct{ Record Record }

// CloseSession removes the session once the ended card has been shown.
type CloseSession struct{}

func (CreateRoom) isEffect()        {}
func (JoinRoom) isEffect()          {}
func (PublishLocalMedia) isEffect() {}
func (StartTimer) isEffect()        {}
func (ClearTimer) isEffect()        {}
func (PlayTone) isEffect()          {}
func (StopTones) isEffect()         {}
func (SendSignal) isEffect()        {}
func (NotifyMissed) isEffect()      {}
func (ReportError) isEffect()       {}
func (Teardown) isEffect()          {}
func (RecordCall) isEffect()        {}
func (CloseSession) isEffect()      {}
