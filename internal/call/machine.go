package call

import (
	"time"
)

// signalSkew is how far before a session's start a signal may be stamped and
// still count as belonging to it. Older signals are redeliveries from an
// earlier call on the same thread.
const signalSkew = 30 * time.Second

// Params describes one call session at creation time.
type Params struct {
	CallID   string
	ThreadID string
	// RoomID is empty for a new outgoing call; the room is created lazily.
	RoomID   string
	SelfID   string
	SelfName string
	PeerID   string
	PeerName string
	Kind     MediaKind
	Policy   Policy
}

// Guards are the idempotency flags. Each one flips at most once.
type Guards struct {
	AcceptedProcessed bool
	RejectedProcessed bool
	EndedProcessed    bool
	AcceptInFlight    bool
	JoinRequested     bool
	RequestSent       bool
	TerminalSent      bool
	TeardownDone      bool
}

// State is the reducer state of one session. Treat it as a value: Reduce
// never mutates its input.
type State struct {
	Params
	Direction Direction
	Status    Status
	EndReason EndReason
	Err       *Error

	// Accepting is true between a local Accept and the completed join.
	Accepting bool

	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time

	// Participants maps remote participant id to display name.
	Participants map[string]string
	// PeersGone is set when every remote participant seen so far has left
	// the room before the call connected.
	PeersGone bool

	Guards

	timers  [numTimers]uint64
	lastGen uint64
}

// Ended reports whether the session reached its terminal status.
func (s State) Ended() bool { return s.Status == StatusEnded }

// Connected reports whether the call is live.
func (s State) Connected() bool { return s.Status == StatusConnected }

// Duration is the elapsed connected time at now. It freezes once ended.
func (s State) Duration(now time.Time) time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	end := now
	if s.Ended() {
		end = s.EndedAt
	}
	if end.Before(s.ConnectedAt) {
		return 0
	}
	return end.Sub(s.ConnectedAt)
}

// TimerLive reports whether a timer of kind k is armed.
func (s State) TimerLive(k TimerKind) bool { return s.timers[k] != 0 }

// Record builds the history row for s.
func (s State) Record() Record {
	return Record{
		CallID:      s.CallID,
		ThreadID:    s.ThreadID,
		RoomID:      s.RoomID,
		PeerID:      s.PeerID,
		Direction:   s.Direction,
		Kind:        s.Kind,
		EndReason:   s.EndReason,
		StartedAt:   s.StartedAt,
		ConnectedAt: s.ConnectedAt,
		EndedAt:     s.EndedAt,
	}
}

// NewOutgoing starts a call placed by the local user. The room is resolved
// first; the peer is only asked once we are in the room.
func NewOutgoing(p Params, now time.Time) (State, []Effect) {
	t := &transition{s: State{
		Params:       p,
		Direction:    Outgoing,
		Status:       StatusConnecting,
		StartedAt:    now,
		Participants: map[string]string{},
	}, now: now}
	t.startTimer(TimerJoin, p.Policy.JoinTimeout)
	t.emit(CreateRoom{RoomID: p.RoomID})
	return t.s, t.fx
}

// NewIncoming starts ringing for a received call_request. The request's
// roomId is the room hint the local side will join on accept.
func NewIncoming(p Params, req Signal, now time.Time) (State, []Effect) {
	if p.RoomID == "" {
		p.RoomID = req.Metadata.RoomID
	}
	if req.Metadata.CallID != "" {
		p.CallID = req.Metadata.CallID
	}
	if p.PeerID == "" {
		p.PeerID = req.Actor()
	}
	if p.PeerName == "" {
		p.PeerName = req.Metadata.CallerName
	}
	if p.Kind == "" {
		p.Kind = req.Metadata.CallType
	}
	if p.Kind == "" {
		p.Kind = Audio
	}
	t := &transition{s: State{
		Params:       p,
		Direction:    Incoming,
		Status:       StatusRinging,
		StartedAt:    now,
		Participants: map[string]string{},
	}, now: now}
	t.emit(PlayTone{Tone: ToneRingtone})
	t.startTimer(TimerRing, p.Policy.RingTimeout)
	return t.s, t.fx
}

// Reduce applies ev to s and returns the next state with the effects the
// runtime must execute, in order.
func Reduce(s State, ev Event, now time.Time) (State, []Effect) {
	t := &transition{s: s, now: now}
	if s.Ended() {
		if tf, ok := ev.(TimerFired); ok && tf.Kind == TimerClose && t.fire(tf) {
			t.emit(CloseSession{})
		}
		return t.s, t.fx
	}

	switch e := ev.(type) {
	case RoomReady:
		t.onRoomReady(e)
	case RoomFailed:
		t.end(EndJoinFailed, newError(KindJoin, "could not set up the call", e.Err), true)
	case JoinFailed:
		t.end(EndJoinFailed, newError(KindJoin, "could not join the call", e.Err), true)
	case Joined:
		t.onJoined()
	case TimerFired:
		if t.fire(e) {
			t.onTimer(e.Kind)
		}
	case SignalReceived:
		t.onSignal(e.Signal)
	case ParticipantJoined:
		t.onParticipantJoined(e)
	case ParticipantLeft:
		t.onParticipantLeft(e)
	case MeetingLeft:
		t.end(EndMeetingLeft, nil, true)
	case Accept:
		t.onAccept()
	case Reject:
		if t.s.Direction == Incoming && !t.s.AcceptedProcessed {
			t.end(EndRejected, nil, true)
		} else {
			t.end(EndLocalHangup, nil, true)
		}
	case Hangup:
		t.end(EndLocalHangup, nil, true)
	case Unmount:
		t.end(EndUnmounted, nil, true)
	}
	return t.s, t.fx
}

type transition struct {
	s   State
	now time.Time
	fx  []Effect
}

func (t *transition) emit(e ...Effect) { t.fx = append(t.fx, e...) }

func (t *transition) startTimer(k TimerKind, d time.Duration) {
	t.s.lastGen++
	t.s.timers[k] = t.s.lastGen
	t.emit(StartTimer{Kind: k, After: d, Gen: t.s.lastGen})
}

func (t *transition) clearTimer(k TimerKind) {
	if t.s.timers[k] == 0 {
		return
	}
	t.s.timers[k] = 0
	t.emit(ClearTimer{Kind: k})
}

// fire consumes a timer expiry. Stale generations are ignored.
func (t *transition) fire(e TimerFired) bool {
	if e.Kind < 0 || e.Kind >= numTimers {
		return false
	}
	if e.Gen == 0 || t.s.timers[e.Kind] != e.Gen {
		return false
	}
	t.s.timers[e.Kind] = 0
	return true
}

func (t *transition) setParticipants(m map[string]string) { t.s.Participants = m }

func (t *transition) copyParticipants() map[string]string {
	m := make(map[string]string, len(t.s.Participants)+1)
	for k, v := range t.s.Participants {
		m[k] = v
	}
	return m
}

func (t *transition) onRoomReady(e RoomReady) {
	// Only one join per session: outgoing while connecting, incoming while
	// an accept is in flight.
	if t.s.JoinRequested {
		return
	}
	switch {
	case t.s.Direction == Outgoing && t.s.Status == StatusConnecting:
	case t.s.Direction == Incoming && t.s.Accepting:
	default:
		return
	}
	t.s.JoinRequested = true
	if e.Credential.RoomID != "" {
		t.s.RoomID = e.Credential.RoomID
	}
	t.emit(JoinRoom{Credential: e.Credential, Video: t.s.Kind == Video})
}

func (t *transition) onJoined() {
	switch {
	case t.s.Direction == Outgoing && t.s.Status == StatusConnecting:
		t.clearTimer(TimerJoin)
		t.s.Status = StatusRinging
		t.emit(PlayTone{Tone: ToneRingback})
		t.startTimer(TimerRing, t.s.Policy.RingTimeout)
		t.emit(SendSignal{Signal: t.signal(SignalRequest)})
		t.s.RequestSent = true
		t.emit(PublishLocalMedia{Video: t.s.Kind == Video})
		// The peer may already be in the room (re-invite of a live room).
		if len(t.s.Participants) > 0 {
			t.startTimer(TimerGrace, t.s.Policy.AcceptGrace)
		}

	case t.s.Direction == Incoming && t.s.Accepting && !t.s.AcceptedProcessed:
		t.clearTimer(TimerJoin)
		t.s.Accepting = false
		// The caller was in the room and left while we were joining.
		if t.s.PeersGone && len(t.s.Participants) == 0 {
			t.end(EndPeerLeft, nil, true)
			return
		}
		t.connect()
		t.emit(SendSignal{Signal: t.signal(SignalAccepted)})
		t.emit(PublishLocalMedia{Video: t.s.Kind == Video})
	}
}

func (t *transition) onTimer(k TimerKind) {
	switch k {
	case TimerJoin:
		t.end(EndJoinTimeout, newError(KindJoinTimeout, "connection timeout", nil), true)
	case TimerRing:
		if t.s.Status != StatusRinging || t.s.AcceptedProcessed {
			return
		}
		t.end(EndMissed, nil, true)
	case TimerGrace:
		if t.s.Direction == Outgoing && t.s.Status == StatusRinging &&
			!t.s.AcceptedProcessed && len(t.s.Participants) > 0 {
			t.connect()
		}
	}
}

func (t *transition) onSignal(sig Signal) {
	if sig.IsFrom(t.s.SelfID) {
		return
	}
	if sig.ThreadID != "" && t.s.ThreadID != "" && sig.ThreadID != t.s.ThreadID {
		return
	}
	if at := sig.SentAt(); !at.IsZero() && at.Before(t.s.StartedAt.Add(-signalSkew)) {
		return
	}
	if sig.Metadata.RoomID != "" && t.s.RoomID != "" && sig.Metadata.RoomID != t.s.RoomID {
		return
	}
	if sig.Metadata.CallID != "" && t.s.CallID != "" && sig.Metadata.CallID != t.s.CallID {
		return
	}

	switch sig.Type {
	case SignalAccepted:
		if t.s.Direction == Outgoing && t.s.Status == StatusRinging && !t.s.AcceptedProcessed {
			t.connect()
		}
	case SignalRejected:
		if t.s.RejectedProcessed || t.s.Direction != Outgoing || t.s.Status == StatusConnected {
			return
		}
		t.s.RejectedProcessed = true
		t.end(EndDeclined, nil, false)
	case SignalEnded:
		if t.s.EndedProcessed {
			return
		}
		t.s.EndedProcessed = true
		t.end(EndRemoteEnded, nil, false)
	}
}

func (t *transition) onParticipantJoined(e ParticipantJoined) {
	if e.ID == "" || e.ID == t.s.SelfID {
		return
	}
	m := t.copyParticipants()
	m[e.ID] = e.Name
	t.setParticipants(m)
	t.s.PeersGone = false

	if t.s.Direction == Outgoing && t.s.Status == StatusRinging &&
		!t.s.AcceptedProcessed && !t.s.TimerLive(TimerGrace) {
		t.startTimer(TimerGrace, t.s.Policy.AcceptGrace)
	}
}

func (t *transition) onParticipantLeft(e ParticipantLeft) {
	if _, ok := t.s.Participants[e.ID]; !ok {
		return
	}
	m := t.copyParticipants()
	delete(m, e.ID)
	t.setParticipants(m)

	if len(m) > 0 {
		return
	}
	switch t.s.Status {
	case StatusConnected:
		t.end(EndPeerLeft, nil, true)
	case StatusRinging:
		t.s.PeersGone = true
		t.clearTimer(TimerGrace)
	}
}

func (t *transition) onAccept() {
	if t.s.Direction != Incoming || t.s.Status != StatusRinging || t.s.AcceptInFlight {
		return
	}
	t.s.AcceptInFlight = true
	t.s.Accepting = true
	t.emit(StopTones{})
	t.clearTimer(TimerRing)
	t.startTimer(TimerJoin, t.s.Policy.JoinTimeout)
	t.emit(CreateRoom{RoomID: t.s.RoomID})
}

func (t *transition) connect() {
	t.s.AcceptedProcessed = true
	t.s.Status = StatusConnected
	t.s.ConnectedAt = t.now
	t.emit(StopTones{})
	t.clearTimer(TimerRing)
	t.clearTimer(TimerGrace)
}

// end moves to StatusEnded. notify controls whether a terminal signal is
// sent; it is false when the peer's own terminal signal caused the end.
func (t *transition) end(reason EndReason, err *Error, notify bool) {
	if t.s.Ended() {
		return
	}
	wasConnected := t.s.Connected()
	t.s.Status = StatusEnded
	t.s.EndReason = reason
	t.s.EndedAt = t.now
	t.s.Accepting = false
	t.s.Err = err

	t.emit(StopTones{})
	for k := TimerKind(0); k < numTimers; k++ {
		t.clearTimer(k)
	}

	if !notify {
		t.s.TerminalSent = true
	}
	if !t.s.TerminalSent {
		t.s.TerminalSent = true
		if sig, ok := t.terminalSignal(reason, wasConnected); ok {
			t.emit(SendSignal{Signal: sig})
		}
	}

	// Calls that never connected leave a notice with the callee, declined
	// ones included.
	if t.s.Direction == Outgoing && t.s.RequestSent && !wasConnected &&
		reason != EndRemoteEnded && t.s.PeerID != "" {
		t.emit(NotifyMissed{Notification: t.missedNotification()})
	}

	if err != nil {
		t.emit(ReportError{Err: err})
	}
	if !t.s.TeardownDone {
		t.s.TeardownDone = true
		t.emit(Teardown{})
	}
	t.emit(RecordCall{Record: t.s.Record()})
	t.startTimer(TimerClose, t.s.Policy.CloseDelay)
}

// terminalSignal picks the message that tells the peer we are gone. An
// outgoing call that never sent its request has nobody to tell.
func (t *transition) terminalSignal(reason EndReason, wasConnected bool) (Signal, bool) {
	var sig Signal
	switch {
	case t.s.Direction == Incoming && !wasConnected:
		sig = t.signal(SignalRejected)
	case t.s.Direction == Outgoing && !t.s.RequestSent:
		return Signal{}, false
	default:
		sig = t.signal(SignalEnded)
	}
	switch reason {
	case EndMissed:
		sig.Metadata.Reason = "timeout"
	case EndJoinFailed, EndJoinTimeout:
		sig.Metadata.Reason = "connection_failed"
	case EndPeerLeft:
		sig.Metadata.Reason = "peer_left"
	}
	return sig, true
}

func (t *transition) signal(typ SignalType) Signal {
	ms := t.now.UnixMilli()
	sig := Signal{
		ThreadID: t.s.ThreadID,
		Type:     typ,
		From:     t.s.SelfID,
		Metadata: Metadata{CallType: t.s.Kind, CallID: t.s.CallID, RoomID: t.s.RoomID},
	}
	switch typ {
	case SignalRequest:
		sig.Metadata.CallerID = t.s.SelfID
		sig.Metadata.CallerName = t.s.SelfName
		sig.Metadata.Timestamp = ms
	case SignalAccepted:
		sig.Metadata.AcceptedBy = t.s.SelfID
		sig.Metadata.AcceptedAt = ms
	case SignalRejected:
		sig.Metadata.RejectedBy = t.s.SelfID
		sig.Metadata.RejectedAt = ms
	case SignalEnded:
		sig.Metadata.EndedBy = t.s.SelfID
		sig.Metadata.EndedAt = ms
	}
	return sig
}

func (t *transition) missedNotification() Notification {
	name := t.s.SelfName
	if name == "" {
		name = t.s.SelfID
	}
	body := "Missed audio call from " + name
	if t.s.Kind == Video {
		body = "Missed video call from " + name
	}
	return Notification{
		UserID: t.s.PeerID,
		Title:  "Missed call",
		Body:   body,
		Type:   NotificationMissedCall,
		Data: map[string]string{
			"threadId": t.s.ThreadID,
			"roomId":   t.s.RoomID,
			"callerId": t.s.SelfID,
			"callType": string(t.s.Kind),
		},
	}
}
