package call

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("call")

// signalTimeout bounds every best-effort outbound operation (signals,
// notifications, history writes).
const signalTimeout = 10 * time.Second

// outboxSize is the number of pending outbound jobs a session buffers.
const outboxSize = 64

// Deps are the capabilities a session runs against.
type Deps struct {
	Media     MediaProvider
	Capture   Capturer
	Signals   SignalChannel
	Ringers   RingerProvider
	Notifier  Notifier
	Directory Directory
	Threads   Threads
	History   History

	Clock   clock.Clock
	Display Display
	Volumes Volumes
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Volumes == (Volumes{}) {
		d.Volumes = DefaultVolumes()
	}
	if d.Ringers == nil {
		d.Ringers = silentRingers{}
	}
	return d
}

type silentRingers struct{}

func (silentRingers) NewRinger() Ringer { return silentRinger{} }

type silentRinger struct{}

func (silentRinger) Start(Tone) error { return nil }
func (silentRinger) StopAll()         {}

// Snapshot is a point-in-time view of a session for presentation.
type Snapshot struct {
	CallID       string            `json:"call_id"`
	ThreadID     string            `json:"thread_id"`
	RoomID       string            `json:"room_id"`
	Direction    Direction         `json:"direction"`
	Kind         MediaKind         `json:"kind"`
	Status       Status            `json:"status"`
	Accepting    bool              `json:"accepting"`
	EndReason    EndReason         `json:"end_reason,omitempty"`
	PeerID       string            `json:"peer_id"`
	PeerName     string            `json:"peer_name"`
	StartedAt    time.Time         `json:"started_at"`
	ConnectedAt  time.Time         `json:"connected_at"`
	DurationMs   int64             `json:"duration_ms"`
	Participants []ParticipantView `json:"participants"`

	LocalAudio    bool         `json:"local_audio"`
	LocalVideo    bool         `json:"local_video"`
	Muted         bool         `json:"muted"`
	CameraOn      bool         `json:"camera_on"`
	Sharing       bool         `json:"sharing"`
	ShareStarting bool         `json:"share_starting"`
	Presenter     string       `json:"presenter,omitempty"`
	// RemoteShare is the track id of the remote presenter's screen share.
	// Its preview is served under the presenter's participant id plus
	// "/share".
	RemoteShare   string       `json:"remote_share,omitempty"`
	Speaker       SpeakerLevel `json:"speaker"`
	SpeakerVolume float64      `json:"speaker_volume"`
	HandRaised    bool         `json:"hand_raised"`
	Inviting      []string     `json:"inviting,omitempty"`

	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Closed    bool      `json:"closed"`
}

// Session runs one call. Every state change happens on the session's own
// loop goroutine; public methods post work to it and wait for the result.
type Session struct {
	threadID string
	callID   string

	deps  Deps
	clk   clock.Clock
	media MediaSession
	ring  Ringer

	ctx    context.Context
	cancel context.CancelFunc

	qmu     sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}

	outbox chan func(context.Context)
	sent   chan struct{}

	onClose func(*Session)

	// Loop-owned state below.
	st           State
	timers       [numTimers]*clock.Timer
	streams      *streams
	unsubSignals func()
	unsubMedia   func()
	tornDown     bool
	closed       bool
	published    bool
	lastErr      *Error

	muted         bool
	cameraOn      bool
	camEpoch      uint64
	sharing       bool
	shareStarting bool
	shareEpoch    uint64
	speaker       SpeakerLevel
	handRaised    bool
	hands         map[string]bool
	inviting      map[string]bool

	mu       sync.RWMutex
	snap     Snapshot
	watchers map[int]chan Snapshot
	nextW    int
}

func newSession(st State, fx []Effect, deps Deps, onClose func(*Session)) *Session {
	deps = deps.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		threadID: st.ThreadID,
		callID:   st.CallID,
		deps:     deps,
		clk:      deps.Clock,
		media:    deps.Media.NewSession(),
		ring:     deps.Ringers.NewRinger(),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		outbox:   make(chan func(context.Context), outboxSize),
		sent:     make(chan struct{}),
		onClose:  onClose,
		st:       st,
		streams:  newStreams(),
		cameraOn: st.Kind == Video,
		speaker:  SpeakerNormal,
		hands:    make(map[string]bool),
		inviting: make(map[string]bool),
		watchers: make(map[int]chan Snapshot),
	}
	s.snap = s.buildSnapshot()

	go s.loop()
	go s.sendLoop()

	s.post(func() {
		if s.deps.Signals != nil {
			s.unsubSignals = s.deps.Signals.Subscribe(st.ThreadID, func(sig Signal) {
				s.post(func() { s.onSignal(sig) })
			})
		}
		s.unsubMedia = s.media.Subscribe(func(ev MediaEvent) {
			s.post(func() { s.onMediaEvent(ev) })
		})
		log.Infof("CALL [%s]: %s %s call %s (%s)", st.ThreadID, st.Direction, st.Kind, st.CallID, st.Status)
		s.run(fx)
		s.publish()
	})
	return s
}

// ThreadID returns the signaling thread of the session.
func (s *Session) ThreadID() string { return s.threadID }

// CallID returns the unique id of this call attempt.
func (s *Session) CallID() string { return s.callID }

// Done is closed once the session has been closed and its loop exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// ── loop ────────────────────────────────────────────────────────────────────

// post queues fn on the session loop. It returns false once the loop has
// stopped; the caller then owns any resource fn would have handed over.
func (s *Session) post(fn func()) bool {
	s.qmu.Lock()
	if s.stopped {
		s.qmu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		s.qmu.Lock()
		if len(s.queue) == 0 {
			if s.stopped {
				s.qmu.Unlock()
				return
			}
			s.qmu.Unlock()
			<-s.wake
			continue
		}
		jobs := s.queue
		s.queue = nil
		s.qmu.Unlock()
		for _, job := range jobs {
			job()
		}
	}
}

func (s *Session) stop() {
	s.qmu.Lock()
	s.stopped = true
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// do runs fn on the loop and returns its error. Queued jobs always run
// before the loop exits, so a successful post always gets a reply.
func (s *Session) do(fn func() error) error {
	reply := make(chan error, 1)
	if !s.post(func() { reply <- fn() }) {
		return ErrSessionEnded
	}
	return <-reply
}

// deliver hands an asynchronously acquired track to the loop. If the session
// ended meanwhile, or apply declines it, the track is stopped.
func (s *Session) deliver(t Track, apply func() bool) {
	ok := s.post(func() {
		if s.st.Ended() || s.tornDown {
			if t != nil {
				t.Stop()
			}
			return
		}
		if !apply() && t != nil {
			t.Stop()
		}
		s.publish()
	})
	if !ok && t != nil {
		t.Stop()
	}
}

// ── reducer plumbing ────────────────────────────────────────────────────────

func (s *Session) dispatch(ev Event) {
	prev := s.st.Status
	var fx []Effect
	s.st, fx = Reduce(s.st, ev, s.clk.Now())
	if s.st.Status != prev {
		log.Infof("CALL [%s]: %s -> %s", s.st.ThreadID, prev, s.st.Status)
	}
	s.run(fx)
	s.publish()
}

func (s *Session) run(fx []Effect) {
	for _, e := range fx {
		switch e := e.(type) {
		case CreateRoom:
			s.createRoom(e.RoomID)
		case JoinRoom:
			s.joinRoom(e.Credential)
		case PublishLocalMedia:
			s.publishLocal(e.Video)
		case StartTimer:
			s.startTimer(e)
		case ClearTimer:
			s.stopTimer(e.Kind)
		case PlayTone:
			if err := s.ring.Start(e.Tone); err != nil {
				log.Warnf("CALL [%s]: ringer %s: %v", s.st.ThreadID, e.Tone, err)
			}
		case StopTones:
			s.ring.StopAll()
		case SendSignal:
			s.sendSignal(e.Signal)
		case NotifyMissed:
			s.notify(e.Notification)
		case ReportError:
			s.report(e.Err)
		case Teardown:
			s.teardown()
		case RecordCall:
			s.record(e.Record)
		case CloseSession:
			s.finish()
		}
	}
}

func (s *Session) startTimer(e StartTimer) {
	s.stopTimer(e.Kind)
	kind, gen := e.Kind, e.Gen
	s.timers[kind] = s.clk.AfterFunc(e.After, func() {
		s.post(func() { s.dispatch(TimerFired{Kind: kind, Gen: gen}) })
	})
}

func (s *Session) stopTimer(k TimerKind) {
	if t := s.timers[k]; t != nil {
		t.Stop()
		s.timers[k] = nil
	}
}

// ── effects ─────────────────────────────────────────────────────────────────

func (s *Session) createRoom(roomID string) {
	go func() {
		cred, err := s.media.CreateOrJoinRoom(s.ctx, roomID)
		s.post(func() {
			if err != nil {
				s.dispatch(RoomFailed{Err: err})
				return
			}
			s.dispatch(RoomReady{Credential: cred})
		})
	}()
}

func (s *Session) joinRoom(cred Credential) {
	opts := JoinOptions{DisplayName: s.st.SelfName, ParticipantID: s.st.SelfID}
	go func() {
		err := s.media.Join(s.ctx, cred, opts)
		ok := s.post(func() {
			if s.st.Ended() || s.tornDown {
				if err == nil {
					log.Debugf("CALL [%s]: join finished after end, leaving", s.st.ThreadID)
					_ = s.media.Leave()
				}
				return
			}
			if err != nil {
				s.dispatch(JoinFailed{Err: err})
				return
			}
			s.dispatch(Joined{})
		})
		if !ok && err == nil {
			_ = s.media.Leave()
		}
	}()
}

func (s *Session) publishLocal(video bool) {
	s.published = true
	if s.deps.Capture == nil {
		log.Infof("CALL [%s]: no capture devices, receive-only", s.st.ThreadID)
		return
	}
	s.acquireMic()
	if video && s.cameraOn {
		s.startCamera()
	} else {
		s.cameraOn = false
	}
}

func (s *Session) acquireMic() {
	go func() {
		t, err := s.deps.Capture.Microphone(s.ctx)
		s.deliver(t, func() bool {
			if err != nil {
				s.report(newError(KindAcquisition, "microphone unavailable", err))
				return false
			}
			if !s.streams.setLocal(t) {
				return false
			}
			t.SetEnabled(!s.muted)
			if err := s.media.EnableMic(t); err != nil {
				s.report(newError(KindMedia, "could not publish microphone", err))
			}
			if s.muted {
				if err := s.media.MuteMic(); err != nil {
					s.report(newError(KindMedia, "could not mute microphone", err))
				}
			}
			return true
		})
	}()
}

func (s *Session) sendSignal(sig Signal) {
	if s.deps.Signals == nil {
		return
	}
	thread := s.st.ThreadID
	s.enqueue(string(sig.Type), func(ctx context.Context) error {
		return s.deps.Signals.Send(ctx, thread, sig)
	})
}

func (s *Session) notify(n Notification) {
	if s.deps.Notifier == nil {
		return
	}
	s.enqueue("notify "+n.Type, func(ctx context.Context) error {
		return s.deps.Notifier.Notify(ctx, n)
	})
}

func (s *Session) record(r Record) {
	if s.deps.History == nil {
		return
	}
	s.enqueue("history", func(ctx context.Context) error {
		return s.deps.History.RecordCall(ctx, r)
	})
}

// enqueue hands an outbound job to the ordered sender. Failures are logged;
// they never feed back into the state machine.
func (s *Session) enqueue(what string, job func(context.Context) error) {
	if s.closed {
		return
	}
	thread := s.st.ThreadID
	wrapped := func(ctx context.Context) {
		if err := job(ctx); err != nil {
			log.Warnf("CALL [%s]: %s failed: %v", thread, what, newError(KindSignal, "peer notification failed", err))
		}
	}
	select {
	case s.outbox <- wrapped:
	default:
		log.Warnf("CALL [%s]: outbox full, dropping %s", thread, what)
	}
}

func (s *Session) sendLoop() {
	defer close(s.sent)
	for job := range s.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		job(ctx)
		cancel()
	}
}

func (s *Session) report(err *Error) {
	if err == nil {
		return
	}
	s.lastErr = err
	if err.Fatal() {
		log.Errorf("CALL [%s]: %v", s.st.ThreadID, err)
	} else {
		log.Warnf("CALL [%s]: %v", s.st.ThreadID, err)
	}
}

// teardown releases every resource the session holds. Runs once.
func (s *Session) teardown() {
	if s.tornDown {
		return
	}
	s.tornDown = true
	s.cancel()

	s.camEpoch++
	s.shareEpoch++
	s.shareStarting = false
	s.sharing = false

	if s.unsubMedia != nil {
		s.unsubMedia()
		s.unsubMedia = nil
	}
	if s.unsubSignals != nil {
		s.unsubSignals()
		s.unsubSignals = nil
	}
	s.streams.release()
	if err := s.media.Leave(); err != nil {
		log.Debugf("CALL [%s]: leave: %v", s.st.ThreadID, err)
	}
	s.ring.StopAll()
	log.Infof("CALL [%s]: resources released (%s)", s.st.ThreadID, s.st.EndReason)
}

// finish closes the session for good: the loop stops after draining and the
// outbox is flushed in the background.
func (s *Session) finish() {
	if s.closed {
		return
	}
	s.teardown()
	for k := TimerKind(0); k < numTimers; k++ {
		s.stopTimer(k)
	}
	s.closed = true
	close(s.outbox)
	s.publish()

	s.mu.Lock()
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
	s.mu.Unlock()

	s.stop()
	if s.onClose != nil {
		s.onClose(s)
	}
}

// ── inbound ─────────────────────────────────────────────────────────────────

func (s *Session) onSignal(sig Signal) {
	if sig.Type == SignalRaiseHand {
		s.onRaiseHand(sig)
		return
	}
	s.dispatch(SignalReceived{Signal: sig})
}

func (s *Session) onMediaEvent(ev MediaEvent) {
	id := ev.Participant.ID
	local := ev.Participant.Local || (id != "" && id == s.st.SelfID)

	switch ev.Type {
	case MediaMeetingLeft:
		s.dispatch(MeetingLeft{})
		return

	case MediaParticipantJoined:
		if local || s.st.Ended() {
			return
		}
		s.streams.addParticipant(id, ev.Participant.DisplayName, s.media.ParticipantTracks(id))
		s.applyVolume()
		s.dispatch(ParticipantJoined{ID: id, Name: ev.Participant.DisplayName})
		return

	case MediaParticipantLeft:
		if local {
			return
		}
		s.streams.removeParticipant(id)
		delete(s.hands, id)
		s.dispatch(ParticipantLeft{ID: id})
		return

	case MediaStreamEnabled:
		if ev.Track == nil {
			return
		}
		if local {
			s.onLocalEnabled(ev.Track)
			break
		}
		if s.streams.remoteEnabled(id, ev.Track) && ev.Track.Kind() == TrackAudio {
			s.applyVolume()
		}

	case MediaStreamDisabled:
		if ev.Track == nil {
			return
		}
		if local {
			s.onLocalDisabled(ev.Track)
			break
		}
		s.streams.remoteDisabled(id, ev.Track)

	case MediaPresenterChanged:
		s.onPresenterChanged(ev.Presenter)
	}
	s.publish()
}

func (s *Session) onLocalEnabled(t Track) {
	if slot := s.streams.localSlot(t.Kind()); slot != nil && *slot != nil && (*slot).ID() == t.ID() {
		return
	}
	s.streams.setLocal(t)
}

func (s *Session) onLocalDisabled(t Track) {
	switch t.Kind() {
	case TrackAudio:
		// Muting is a track-level toggle; the mic stays acquired.
		if s.muted {
			return
		}
		s.streams.dropLocal(TrackAudio, t.ID())
	case TrackVideo:
		if s.streams.dropLocal(TrackVideo, t.ID()) != nil {
			s.cameraOn = false
		}
	case TrackShare:
		s.onLocalShareEnded(t.ID())
	}
}

// ── snapshots ───────────────────────────────────────────────────────────────

func (s *Session) buildSnapshot() Snapshot {
	local := s.streams.local()
	vol := s.deps.Volumes.For(s.speaker)
	snap := Snapshot{
		CallID:        s.st.CallID,
		ThreadID:      s.st.ThreadID,
		RoomID:        s.st.RoomID,
		Direction:     s.st.Direction,
		Kind:          s.st.Kind,
		Status:        s.st.Status,
		Accepting:     s.st.Accepting,
		EndReason:     s.st.EndReason,
		PeerID:        s.st.PeerID,
		PeerName:      s.st.PeerName,
		StartedAt:     s.st.StartedAt,
		ConnectedAt:   s.st.ConnectedAt,
		Participants:  s.streams.views(s.hands, vol),
		LocalAudio:    local.Audio != nil,
		LocalVideo:    local.Video != nil,
		Muted:         s.muted,
		CameraOn:      s.cameraOn,
		Sharing:       s.sharing,
		ShareStarting: s.shareStarting,
		Presenter:     s.streams.presenter,
		Speaker:       s.speaker,
		SpeakerVolume: vol,
		HandRaised:    s.handRaised,
		Closed:        s.closed,
	}
	if _, share := s.streams.remoteShare(); share != nil {
		snap.RemoteShare = share.ID()
	}
	if s.st.Ended() {
		snap.DurationMs = s.st.Duration(s.st.EndedAt).Milliseconds()
	}
	for id := range s.inviting {
		snap.Inviting = append(snap.Inviting, id)
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
		snap.ErrorKind = s.lastErr.Kind
	}
	return snap
}

// publish stores a fresh snapshot and fans it out to watchers. Slow
// watchers only ever miss intermediate snapshots, never the latest.
func (s *Session) publish() {
	snap := s.buildSnapshot()
	s.mu.Lock()
	s.snap = snap
	for _, ch := range s.watchers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	s.mu.Unlock()
}

// Snapshot returns the latest published view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	snap := s.snap
	s.mu.RUnlock()
	if snap.Status == StatusConnected && !snap.ConnectedAt.IsZero() {
		snap.DurationMs = s.clk.Since(snap.ConnectedAt).Milliseconds()
	}
	return snap
}

// Watch streams snapshots until the session closes. The current snapshot is
// delivered first. The returned func stops the stream.
func (s *Session) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 4)
	s.mu.Lock()
	if s.snap.Closed {
		ch <- s.snap
		close(ch)
		s.mu.Unlock()
		return ch, func() {}
	}
	id := s.nextW
	s.nextW++
	s.watchers[id] = ch
	ch <- s.snap
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if c, ok := s.watchers[id]; ok {
				delete(s.watchers, id)
				close(c)
			}
			s.mu.Unlock()
		})
	}
}

// ── user actions ────────────────────────────────────────────────────────────

func (s *Session) action(ev Event, endedErr error) error {
	return s.do(func() error {
		if s.st.Ended() {
			return endedErr
		}
		s.dispatch(ev)
		return nil
	})
}

// Accept answers an incoming call. Repeated calls are no-ops.
func (s *Session) Accept() error { return s.action(Accept{}, ErrSessionEnded) }

// Reject declines an incoming call. Rejecting an ended call is a no-op.
func (s *Session) Reject() error { return s.action(Reject{}, nil) }

// Hangup ends the call from the local side. Hanging up an ended call is a
// no-op.
func (s *Session) Hangup() error { return s.action(Hangup{}, nil) }

// Close ends the session through the unmount path and closes it without
// waiting for the close delay. It blocks until the loop has exited and the
// pending outbound messages were attempted.
func (s *Session) Close() {
	_ = s.do(func() error {
		s.dispatch(Unmount{})
		s.finish()
		return nil
	})
	<-s.done
	<-s.sent
}
