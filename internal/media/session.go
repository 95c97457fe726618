package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtcp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/petervdpas/goopcall/internal/call"
)

// source is one received RTP track. It outlives the views handed to the
// call session: a muted and unmuted publisher keeps the same source.
type source struct {
	tr          *webrtc.TrackRemote
	participant string
	kind        call.TrackKind

	mu   sync.Mutex
	view *remoteTrack
}

func (src *source) current() *remoteTrack {
	src.mu.Lock()
	defer src.mu.Unlock()
	return src.view
}

// live returns the current view, creating a fresh one when the previous view
// was stopped.
func (src *source) live() (*remoteTrack, bool) {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.view != nil && !src.view.Stopped() {
		return src.view, false
	}
	src.view = newRemoteTrack(src.tr.ID(), src.participant, src.kind)
	return src.view, true
}

// Session is one call's connection to an SFU room. It implements
// call.MediaSession.
type Session struct {
	p *Provider

	mu       sync.Mutex
	conn     *websocket.Conn
	pc       *webrtc.PeerConnection
	roomID   string
	selfID   string
	closed   bool
	names    map[string]string
	sources  map[string][]*source // participant -> received tracks
	previews map[string]*Preview
	senders  map[call.TrackKind]*webrtc.RTPSender

	writeMu sync.Mutex
	negMu   sync.Mutex

	subMu  sync.RWMutex
	subs   map[int]func(call.MediaEvent)
	nextID int
}

func newSession(p *Provider) *Session {
	return &Session{
		p:        p,
		names:    make(map[string]string),
		sources:  make(map[string][]*source),
		previews: make(map[string]*Preview),
		senders:  make(map[call.TrackKind]*webrtc.RTPSender),
		subs:     make(map[int]func(call.MediaEvent)),
	}
}

// RoomID returns the joined room, or "" before Join.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) CreateOrJoinRoom(ctx context.Context, roomID string) (call.Credential, error) {
	return s.p.rooms.CreateOrJoin(ctx, roomID)
}

// Join connects to the SFU named by cred and returns once the SFU confirmed
// the join. Participants already in the room are announced before Join
// returns.
func (s *Session) Join(ctx context.Context, cred call.Credential, opts call.JoinOptions) error {
	if cred.URL == "" {
		return ErrNoRoomURL
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return errors.New("media: already joined")
	}
	s.mu.Unlock()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+cred.Token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cred.URL, hdr)
	if err != nil {
		return fmt.Errorf("media: dial sfu: %w", err)
	}

	pc, err := newPeerConnection(s.p.cfg.ICEServers)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("media: peer connection: %w", err)
	}
	fail := func(err error) error {
		_ = pc.Close()
		_ = conn.Close()
		return err
	}
	if err := addRecvOnly(pc); err != nil {
		return fail(fmt.Errorf("media: transceivers: %w", err))
	}

	self := wireParticipant{ID: opts.ParticipantID, DisplayName: opts.DisplayName}
	if err := conn.WriteJSON(wireMsg{Type: msgJoin, Token: cred.Token, Participant: &self}); err != nil {
		return fail(fmt.Errorf("media: send join: %w", err))
	}

	if _, ok := ctx.Deadline(); !ok {
		_ = conn.SetReadDeadline(time.Now().Add(joinTimeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	var joined wireMsg
	for {
		if err := conn.ReadJSON(&joined); err != nil {
			stop()
			if ctx.Err() != nil {
				return fail(ctx.Err())
			}
			return fail(fmt.Errorf("media: waiting for join: %w", err))
		}
		if joined.Type == msgError {
			stop()
			return fail(fmt.Errorf("media: join refused: %s", joined.Message))
		}
		if joined.Type == msgJoined {
			break
		}
	}
	stop()
	_ = conn.SetReadDeadline(time.Time{})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fail(ErrClosed)
	}
	s.conn = conn
	s.pc = pc
	s.roomID = cred.RoomID
	s.selfID = opts.ParticipantID
	for _, p := range joined.Participants {
		s.names[p.ID] = p.DisplayName
	}
	s.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if err := s.send(wireMsg{Type: msgCandidate, Candidate: &init}); err != nil {
			log.Debugw("send candidate", "room", cred.RoomID, "err", err)
		}
	})
	pc.OnTrack(s.onTrack)
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Debugw("peer connection", "room", cred.RoomID, "state", st.String())
	})

	log.Infow("joined room", "room", cred.RoomID, "participants", len(joined.Participants))
	s.emit(call.MediaEvent{
		Type:        call.MediaMeetingJoined,
		Participant: call.Participant{ID: opts.ParticipantID, DisplayName: opts.DisplayName, Local: true},
	})
	for _, p := range joined.Participants {
		if p.ID == opts.ParticipantID {
			continue
		}
		s.emit(call.MediaEvent{Type: call.MediaParticipantJoined, Participant: s.participant(p.ID)})
	}
	if joined.Presenter != "" {
		s.emit(call.MediaEvent{Type: call.MediaPresenterChanged, Presenter: joined.Presenter})
	}
	go s.readLoop(conn)

	if err := s.negotiate(); err != nil {
		log.Warnw("initial offer", "room", cred.RoomID, "err", err)
	}
	return nil
}

// Leave closes the room connection and releases every received track. It is
// safe to call more than once.
func (s *Session) Leave() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = s.send(wireMsg{Type: msgLeave})
	}
	s.shutdown()
	s.p.release(s)
	return nil
}

func (s *Session) shutdown() {
	s.mu.Lock()
	conn, pc := s.conn, s.pc
	s.conn, s.pc = nil, nil
	s.closed = true
	var views []*remoteTrack
	for _, srcs := range s.sources {
		for _, src := range srcs {
			if v := src.current(); v != nil {
				views = append(views, v)
			}
		}
	}
	s.sources = make(map[string][]*source)
	previews := s.previews
	s.previews = make(map[string]*Preview)
	s.senders = make(map[call.TrackKind]*webrtc.RTPSender)
	s.mu.Unlock()

	for _, v := range views {
		v.Stop()
	}
	for _, pv := range previews {
		pv.close()
	}
	if pc != nil {
		_ = pc.Close()
	}
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
}

func (s *Session) send(m wireMsg) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotJoined
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(m)
}

func (s *Session) peer() (*webrtc.PeerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.pc == nil {
		return nil, ErrNotJoined
	}
	return s.pc, nil
}

// negotiate sends a fresh offer after the local track set changed.
func (s *Session) negotiate() error {
	s.negMu.Lock()
	defer s.negMu.Unlock()
	pc, err := s.peer()
	if err != nil {
		return err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return s.send(wireMsg{Type: msgOffer, SDP: offer.SDP})
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		var m wireMsg
		if err := conn.ReadJSON(&m); err != nil {
			s.mu.Lock()
			dropped := !s.closed && s.conn == conn
			room := s.roomID
			s.mu.Unlock()
			if dropped {
				log.Warnw("sfu connection lost", "room", room, "err", err)
				s.shutdown()
				s.p.release(s)
				s.emit(call.MediaEvent{Type: call.MediaMeetingLeft})
			}
			return
		}
		s.handle(m)
	}
}

func (s *Session) handle(m wireMsg) {
	switch m.Type {
	case msgOffer:
		s.onOffer(m.SDP)

	case msgAnswer:
		pc, err := s.peer()
		if err != nil {
			return
		}
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}); err != nil {
			log.Warnw("apply answer", "err", err)
		}

	case msgCandidate:
		pc, err := s.peer()
		if err != nil || m.Candidate == nil {
			return
		}
		if err := pc.AddICECandidate(*m.Candidate); err != nil {
			log.Debugw("add candidate", "err", err)
		}

	case msgParticipantJoined:
		if m.Participant == nil {
			return
		}
		s.mu.Lock()
		s.names[m.Participant.ID] = m.Participant.DisplayName
		s.mu.Unlock()
		s.emit(call.MediaEvent{Type: call.MediaParticipantJoined, Participant: s.participant(m.Participant.ID)})

	case msgParticipantLeft:
		if m.Participant == nil {
			return
		}
		s.dropParticipant(m.Participant.ID)

	case msgStream:
		if m.Participant == nil {
			return
		}
		s.onRemoteStream(m.Participant.ID, call.TrackKind(m.Kind), m.Enabled)

	case msgPresenter:
		s.emit(call.MediaEvent{Type: call.MediaPresenterChanged, Presenter: m.Presenter})

	case msgError:
		log.Warnw("sfu error", "room", s.RoomID(), "message", m.Message)
	}
}

func (s *Session) onOffer(sdp string) {
	s.negMu.Lock()
	defer s.negMu.Unlock()
	pc, err := s.peer()
	if err != nil {
		return
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		log.Warnw("apply offer", "err", err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.Warnw("create answer", "err", err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		log.Warnw("set answer", "err", err)
		return
	}
	if err := s.send(wireMsg{Type: msgAnswer, SDP: answer.SDP}); err != nil {
		log.Debugw("send answer", "err", err)
	}
}

func (s *Session) participant(id string) call.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return call.Participant{ID: id, DisplayName: s.names[id], Local: id != "" && id == s.selfID}
}

func (s *Session) dropParticipant(id string) {
	s.mu.Lock()
	srcs := s.sources[id]
	delete(s.sources, id)
	delete(s.names, id)
	var pvs []*Preview
	for _, key := range []string{previewKey(id, call.TrackVideo), previewKey(id, call.TrackShare)} {
		if pv := s.previews[key]; pv != nil {
			pvs = append(pvs, pv)
			delete(s.previews, key)
		}
	}
	s.mu.Unlock()

	for _, src := range srcs {
		if v := src.current(); v != nil {
			v.Stop()
		}
	}
	for _, pv := range pvs {
		pv.close()
	}
	s.emit(call.MediaEvent{Type: call.MediaParticipantLeft, Participant: call.Participant{ID: id}})
}

func (s *Session) onTrack(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	pid := tr.StreamID()
	s.mu.Lock()
	if s.closed || pid == "" || pid == s.selfID {
		s.mu.Unlock()
		return
	}
	src := &source{tr: tr, participant: pid, kind: remoteKind(tr)}
	s.sources[pid] = append(s.sources[pid], src)
	pc := s.pc
	s.mu.Unlock()

	if tr.Kind() == webrtc.RTPCodecTypeVideo && pc != nil {
		if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())}}); err != nil {
			log.Debugw("send pli", "participant", pid, "err", err)
		}
	}

	view, _ := src.live()
	go s.pump(src)
	log.Debugw("remote track", "participant", pid, "kind", src.kind, "codec", tr.Codec().MimeType)
	s.emit(call.MediaEvent{Type: call.MediaStreamEnabled, Participant: s.participant(pid), Track: view})
}

// onRemoteStream maps the SFU's publish state onto views of existing
// sources. New publications arrive through onTrack instead.
func (s *Session) onRemoteStream(pid string, kind call.TrackKind, enabled bool) {
	s.mu.Lock()
	var match *source
	for _, src := range s.sources[pid] {
		if src.kind == kind {
			match = src
		}
	}
	s.mu.Unlock()
	if match == nil {
		return
	}
	if enabled {
		view, fresh := match.live()
		if fresh {
			s.emit(call.MediaEvent{Type: call.MediaStreamEnabled, Participant: s.participant(pid), Track: view})
		}
		return
	}
	if view := match.current(); view != nil && !view.Stopped() {
		s.emit(call.MediaEvent{Type: call.MediaStreamDisabled, Participant: s.participant(pid), Track: view})
	}
}

// pump reads RTP from src until the PeerConnection drops it and feeds the
// participant's preview stream.
func (s *Session) pump(src *source) {
	defer func() {
		if v := src.current(); v != nil {
			v.end()
		}
	}()

	var pv *Preview
	var vp8 *samplebuilder.SampleBuilder
	codec := src.tr.Codec()
	switch {
	case src.kind != call.TrackAudio && codec.MimeType == webrtc.MimeTypeVP8:
		pv = s.preview(previewKey(src.participant, src.kind), true)
		vp8 = samplebuilder.New(64, &codecs.VP8Packet{}, codec.ClockRate)
	case src.kind == call.TrackAudio && codec.MimeType == webrtc.MimeTypeOpus:
		pv = s.preview(previewKey(src.participant, src.kind), true)
		pv.enableAudio()
	}

	for {
		pkt, _, err := src.tr.ReadRTP()
		if err != nil {
			return
		}
		view := src.current()
		if pv == nil || view == nil || view.Stopped() || !view.Enabled() {
			continue
		}
		if vp8 != nil {
			vp8.Push(pkt)
			for smp := vp8.Pop(); smp != nil; smp = vp8.Pop() {
				ms := int64(smp.PacketTimestamp) * 1000 / int64(codec.ClockRate)
				pv.writeVideo(ms, isVP8Keyframe(smp.Data), smp.Data)
			}
			continue
		}
		var op codecs.OpusPacket
		if _, err := op.Unmarshal(pkt.Payload); err == nil {
			pv.writeAudio(int64(pkt.Timestamp)/48, op.Payload)
		}
	}
}

// isVP8Keyframe reads the P bit of the VP8 frame tag.
func isVP8Keyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}

// previewKey names the preview a track feeds. Camera and microphone share
// the participant's stream; a screen share gets its own.
func previewKey(pid string, kind call.TrackKind) string {
	if kind == call.TrackShare {
		return pid + "/share"
	}
	return pid
}

func (s *Session) preview(pid string, create bool) *Preview {
	s.mu.Lock()
	defer s.mu.Unlock()
	pv, ok := s.previews[pid]
	if !ok && create && !s.closed {
		pv = newPreview(s.roomID + "/" + pid)
		s.previews[pid] = pv
	}
	return pv
}

// ParticipantTracks returns the live views of everything pid publishes.
func (s *Session) ParticipantTracks(pid string) []call.Track {
	s.mu.Lock()
	srcs := append([]*source(nil), s.sources[pid]...)
	s.mu.Unlock()
	var out []call.Track
	for _, src := range srcs {
		if v := src.current(); v != nil && !v.Stopped() {
			out = append(out, v)
		}
	}
	return out
}

func (s *Session) Subscribe(fn func(call.MediaEvent)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Session) emit(ev call.MediaEvent) {
	s.subMu.RLock()
	fns := make([]func(call.MediaEvent), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// ── local publishing ────────────────────────────────────────────────────────

func (s *Session) publish(kind call.TrackKind, t call.Track) error {
	pt, ok := t.(publishable)
	if !ok {
		return ErrNotPublishable
	}
	pc, err := s.peer()
	if err != nil {
		return err
	}

	s.mu.Lock()
	sender := s.senders[kind]
	s.mu.Unlock()

	renegotiate := false
	if sender != nil {
		if err := sender.ReplaceTrack(pt.TrackLocal()); err != nil {
			return fmt.Errorf("media: replace %s: %w", kind, err)
		}
	} else {
		sender, err = pc.AddTrack(pt.TrackLocal())
		if err != nil {
			return fmt.Errorf("media: add %s: %w", kind, err)
		}
		s.mu.Lock()
		s.senders[kind] = sender
		s.mu.Unlock()
		go drainRTCP(sender)
		renegotiate = true
	}
	if renegotiate {
		if err := s.negotiate(); err != nil {
			return fmt.Errorf("media: renegotiate: %w", err)
		}
	}
	return s.send(wireMsg{Type: msgStream, Kind: string(kind), Enabled: true})
}

func (s *Session) unpublish(kind call.TrackKind) error {
	pc, err := s.peer()
	if err != nil {
		return err
	}
	s.mu.Lock()
	sender := s.senders[kind]
	delete(s.senders, kind)
	s.mu.Unlock()
	if sender != nil {
		if err := pc.RemoveTrack(sender); err != nil {
			return fmt.Errorf("media: remove %s: %w", kind, err)
		}
		if err := s.negotiate(); err != nil {
			return fmt.Errorf("media: renegotiate: %w", err)
		}
	}
	return s.send(wireMsg{Type: msgStream, Kind: string(kind), Enabled: false})
}

// drainRTCP reads incoming RTCP so the interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (s *Session) EnableMic(t call.Track) error { return s.publish(call.TrackAudio, t) }

// MuteMic stops sending audio while keeping the sender for a quick unmute.
func (s *Session) MuteMic() error {
	if _, err := s.peer(); err != nil {
		return err
	}
	s.mu.Lock()
	sender := s.senders[call.TrackAudio]
	s.mu.Unlock()
	if sender != nil {
		if err := sender.ReplaceTrack(nil); err != nil {
			return fmt.Errorf("media: mute: %w", err)
		}
	}
	return s.send(wireMsg{Type: msgStream, Kind: string(call.TrackAudio), Enabled: false})
}

func (s *Session) EnableWebcam(t call.Track) error      { return s.publish(call.TrackVideo, t) }
func (s *Session) DisableWebcam() error                 { return s.unpublish(call.TrackVideo) }
func (s *Session) EnableScreenShare(t call.Track) error { return s.publish(call.TrackShare, t) }
func (s *Session) DisableScreenShare() error            { return s.unpublish(call.TrackShare) }
