package call

import (
	"errors"
	"fmt"
)

// Manager and session errors.
var (
	// ErrCallActive is returned when a thread already has a live session.
	ErrCallActive = errors.New("call already active on this thread")

	// ErrNoSession is returned when no session exists for a thread.
	ErrNoSession = errors.New("no call session for this thread")

	// ErrSessionEnded is returned by actions on a session that has ended.
	ErrSessionEnded = errors.New("call session has ended")

	// ErrManagerClosed is returned after Manager.Close.
	ErrManagerClosed = errors.New("call manager is closed")

	// ErrNotConnected is returned by mid-call actions before the call connects.
	ErrNotConnected = errors.New("call is not connected")
)

// Feature errors.
var (
	// ErrPresenterActive refuses a screen share while someone else presents.
	ErrPresenterActive = errors.New("another participant is presenting")

	// ErrShareInFlight refuses a second share request while one is starting.
	ErrShareInFlight = errors.New("screen share is already starting")

	// ErrInviteInFlight refuses a duplicate invite for the same target.
	ErrInviteInFlight = errors.New("invite already in flight")

	// ErrAlreadyInCall refuses inviting someone who is already a participant.
	ErrAlreadyInCall = errors.New("user is already in the call")

	// ErrNoDirectory is returned when add-participant has no directory wired.
	ErrNoDirectory = errors.New("user directory unavailable")
)

// ErrorKind classifies failures by how the call reacts to them.
type ErrorKind string

const (
	// KindAcquisition is a camera/mic/screen capture failure. Non-fatal.
	KindAcquisition ErrorKind = "acquisition"
	// KindJoin is a room or credential failure. Fatal.
	KindJoin ErrorKind = "join"
	// KindJoinTimeout is a join that took longer than Policy.JoinTimeout. Fatal.
	KindJoinTimeout ErrorKind = "join_timeout"
	// KindSignal is a failed peer notification. Logged only.
	KindSignal ErrorKind = "signal"
	// KindMedia is an adapter failure on a mid-call toggle. Non-fatal.
	KindMedia ErrorKind = "media"
)

// Error is a classified, user-presentable failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether the error ends the call.
func (e *Error) Fatal() bool {
	return e.Kind == KindJoin || e.Kind == KindJoinTimeout
}

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}
