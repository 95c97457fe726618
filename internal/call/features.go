package call

import (
	"context"
	"fmt"
	"sort"
)

// candidateLimit caps directory results for the invite picker.
const candidateLimit = 20

// SpeakerLevel is the output level preset.
type SpeakerLevel string

const (
	SpeakerNormal SpeakerLevel = "normal"
	SpeakerLoud   SpeakerLevel = "loud"
	SpeakerLow    SpeakerLevel = "low"
)

// Next returns the following level in the normal → loud → low cycle.
func (l SpeakerLevel) Next() SpeakerLevel {
	switch l {
	case SpeakerNormal:
		return SpeakerLoud
	case SpeakerLoud:
		return SpeakerLow
	}
	return SpeakerNormal
}

// Volumes maps speaker levels to playback volume (0..1).
type Volumes struct {
	Normal float64 `json:"normal"`
	Loud   float64 `json:"loud"`
	Low    float64 `json:"low"`
}

// DefaultVolumes is the stock volume table.
func DefaultVolumes() Volumes {
	return Volumes{Normal: 0.8, Loud: 1.0, Low: 0.4}
}

// For returns the volume of level l.
func (v Volumes) For(l SpeakerLevel) float64 {
	switch l {
	case SpeakerLoud:
		return v.Loud
	case SpeakerLow:
		return v.Low
	}
	return v.Normal
}

// Display describes the local screen, used to size camera capture.
type Display struct {
	Width  int  `json:"width"`
	Height int  `json:"height"`
	Mobile bool `json:"mobile"`
}

// ChooseResolution picks a camera capture size for d. Larger displays get
// more pixels; mobile devices always get the small size.
func ChooseResolution(d Display) Resolution {
	long := d.Width
	if d.Height > long {
		long = d.Height
	}
	switch {
	case d.Mobile:
		return Resolution{Width: 640, Height: 360}
	case long >= 2560:
		return Resolution{Width: 1920, Height: 1080}
	case long >= 1280:
		return Resolution{Width: 1280, Height: 720}
	default:
		return Resolution{Width: 640, Height: 480}
	}
}

// ToggleMute flips the local microphone and returns the new muted state.
// The track is toggled even when the media session refuses the change.
func (s *Session) ToggleMute() (bool, error) {
	var muted bool
	err := s.do(func() error {
		if s.st.Ended() {
			return ErrSessionEnded
		}
		s.muted = !s.muted
		muted = s.muted
		if t := s.streams.localAudio; t != nil {
			t.SetEnabled(!s.muted)
			var err error
			if s.muted {
				err = s.media.MuteMic()
			} else {
				err = s.media.EnableMic(t)
			}
			if err != nil {
				s.report(newError(KindMedia, "could not update microphone", err))
			}
		}
		log.Infof("CALL [%s]: audio muted=%v", s.st.ThreadID, muted)
		s.publish()
		return nil
	})
	return muted, err
}

// ToggleCamera flips the local camera and returns the new state. Turning it
// on captures a fresh track; turning it off stops the device.
func (s *Session) ToggleCamera() (bool, error) {
	var on bool
	err := s.do(func() error {
		if s.st.Ended() {
			return ErrSessionEnded
		}
		s.cameraOn = !s.cameraOn
		on = s.cameraOn
		if s.published {
			if on {
				s.startCamera()
			} else {
				s.stopCamera()
			}
		}
		log.Infof("CALL [%s]: video on=%v", s.st.ThreadID, on)
		s.publish()
		return nil
	})
	return on, err
}

// startCamera begins an asynchronous capture. Only the capture started last
// may publish; older ones are stopped when they arrive.
func (s *Session) startCamera() {
	if s.deps.Capture == nil {
		s.cameraOn = false
		return
	}
	s.camEpoch++
	epoch := s.camEpoch
	res := ChooseResolution(s.deps.Display)
	go func() {
		t, err := s.deps.Capture.Camera(s.ctx, res)
		s.deliver(t, func() bool {
			if epoch != s.camEpoch || !s.cameraOn {
				return false
			}
			if err != nil {
				s.cameraOn = false
				s.report(newError(KindAcquisition, "camera unavailable", err))
				return false
			}
			if !s.streams.setLocal(t) {
				return false
			}
			if err := s.media.EnableWebcam(t); err != nil {
				s.report(newError(KindMedia, "could not publish camera", err))
			}
			return true
		})
	}()
}

func (s *Session) stopCamera() {
	s.camEpoch++
	if s.streams.dropLocal(TrackVideo, "") == nil {
		return
	}
	if err := s.media.DisableWebcam(); err != nil {
		s.report(newError(KindMedia, "could not stop camera", err))
	}
}

// CycleSpeaker moves to the next speaker level and applies it.
func (s *Session) CycleSpeaker() (SpeakerLevel, error) {
	var level SpeakerLevel
	err := s.do(func() error {
		if s.st.Ended() {
			return ErrSessionEnded
		}
		s.speaker = s.speaker.Next()
		level = s.speaker
		s.applyVolume()
		s.publish()
		return nil
	})
	return level, err
}

// applyVolume pushes the current level to every remote audio track. Some
// playback paths reset volume when a track restarts, so it runs again on
// every remote audio change.
func (s *Session) applyVolume() {
	vol := s.deps.Volumes.For(s.speaker)
	for _, t := range s.streams.remoteAudio() {
		if vs, ok := t.(VolumeSetter); ok {
			vs.SetVolume(vol)
		}
	}
}

// StartScreenShare begins sharing the screen. It is refused while another
// participant presents or while a previous start is still in flight.
func (s *Session) StartScreenShare() error {
	return s.do(func() error {
		if s.st.Ended() {
			return ErrSessionEnded
		}
		if !s.published {
			return ErrNotConnected
		}
		if s.sharing {
			return nil
		}
		if s.shareStarting {
			return ErrShareInFlight
		}
		if p := s.streams.presenter; p != "" && p != LocalPresenter {
			return ErrPresenterActive
		}
		if s.deps.Capture == nil {
			return newError(KindAcquisition, "screen capture unavailable", nil)
		}
		s.shareStarting = true
		s.shareEpoch++
		epoch := s.shareEpoch
		go func() {
			t, err := s.deps.Capture.Screen(s.ctx)
			s.deliver(t, func() bool { return s.applyShare(epoch, t, err) })
		}()
		s.publish()
		return nil
	})
}

func (s *Session) applyShare(epoch uint64, t Track, err error) bool {
	if epoch != s.shareEpoch || !s.shareStarting {
		return false
	}
	s.shareStarting = false
	if err != nil {
		s.report(newError(KindAcquisition, "screen capture unavailable", err))
		return false
	}
	if p := s.streams.presenter; p != "" && p != LocalPresenter {
		s.report(newError(KindMedia, "screen share refused", ErrPresenterActive))
		return false
	}
	if err := s.media.EnableScreenShare(t); err != nil {
		s.report(newError(KindMedia, "could not start screen share", err))
		return false
	}
	if !s.streams.setLocal(t) {
		return false
	}
	s.streams.presenter = LocalPresenter
	s.sharing = true
	id := t.ID()
	t.OnEnded(func() {
		s.post(func() {
			s.onLocalShareEnded(id)
			s.publish()
		})
	})
	log.Infof("CALL [%s]: screen share started", s.st.ThreadID)
	return true
}

// StopScreenShare stops a local share, or cancels one that is starting.
func (s *Session) StopScreenShare() error {
	return s.do(func() error {
		if s.st.Ended() {
			return ErrSessionEnded
		}
		s.stopShare()
		s.publish()
		return nil
	})
}

func (s *Session) stopShare() {
	s.shareEpoch++
	s.shareStarting = false
	if !s.sharing {
		return
	}
	s.sharing = false
	s.streams.dropLocal(TrackShare, "")
	if s.streams.presenter == LocalPresenter {
		s.streams.presenter = ""
	}
	if err := s.media.DisableScreenShare(); err != nil {
		s.report(newError(KindMedia, "could not stop screen share", err))
	}
	log.Infof("CALL [%s]: screen share stopped", s.st.ThreadID)
}

// onLocalShareEnded handles the capture source ending on its own, such as
// the user pressing "stop sharing" in the system picker.
func (s *Session) onLocalShareEnded(id string) {
	if !s.sharing || s.streams.localShare == nil || s.streams.localShare.ID() != id {
		return
	}
	s.stopShare()
}

func (s *Session) onPresenterChanged(id string) {
	switch {
	case id == LocalPresenter || (id != "" && id == s.st.SelfID):
		if s.sharing {
			s.streams.presenter = LocalPresenter
		}
	case id == "":
		if s.streams.presenter == LocalPresenter && s.sharing {
			s.stopShare()
		}
		s.streams.setPresenter("", nil)
	default:
		// A remote presenter takes over; a local share yields.
		if s.sharing || s.shareStarting {
			s.stopShare()
		}
		var share Track
		for _, t := range s.media.ParticipantTracks(id) {
			if t.Kind() == TrackShare {
				share = t
				break
			}
		}
		s.streams.setPresenter(id, share)
	}
}

// RaiseHand broadcasts the local raised-hand flag on the call thread.
func (s *Session) RaiseHand(raised bool) error {
	return s.do(func() error {
		if s.st.Ended() {
			return ErrSessionEnded
		}
		if s.handRaised == raised {
			return nil
		}
		s.handRaised = raised
		s.sendSignal(Signal{
			ThreadID: s.st.ThreadID,
			Type:     SignalRaiseHand,
			From:     s.st.SelfID,
			Metadata: Metadata{CallType: s.st.Kind, Raised: raised, RaisedBy: s.st.SelfID},
		})
		s.publish()
		return nil
	})
}

func (s *Session) onRaiseHand(sig Signal) {
	if sig.IsFrom(s.st.SelfID) || s.st.Ended() {
		return
	}
	who := sig.Actor()
	if sig.Metadata.Raised {
		s.hands[who] = true
	} else {
		delete(s.hands, who)
	}
	s.publish()
}

// Candidate is a directory user annotated for the invite picker.
type Candidate struct {
	User
	InCall   bool `json:"in_call"`
	Inviting bool `json:"inviting"`
}

// InviteCandidates searches the directory for people to add to the call.
func (s *Session) InviteCandidates(ctx context.Context, query string) ([]Candidate, error) {
	if s.deps.Directory == nil {
		return nil, ErrNoDirectory
	}
	users, err := s.deps.Directory.Search(ctx, query, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	var out []Candidate
	err = s.do(func() error {
		for _, u := range users {
			if u.ID == s.st.SelfID {
				continue
			}
			out = append(out, Candidate{
				User:     u,
				InCall:   s.streams.has(u.ID),
				Inviting: s.inviting[u.ID],
			})
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DisplayName() < out[j].DisplayName()
	})
	return out, err
}

// Invite asks userID to join the current room. The request travels on the
// direct thread between us and the invitee.
func (s *Session) Invite(ctx context.Context, userID string) error {
	if s.deps.Threads == nil || s.deps.Signals == nil {
		return fmt.Errorf("invite: no signal channel")
	}
	var (
		req    Signal
		selfID string
	)
	err := s.do(func() error {
		if s.st.Ended() {
			return ErrSessionEnded
		}
		if s.st.RoomID == "" || (!s.st.Connected() && !s.st.RequestSent) {
			return ErrNotConnected
		}
		if userID == s.st.SelfID || s.streams.has(userID) {
			return ErrAlreadyInCall
		}
		if s.inviting[userID] {
			return ErrInviteInFlight
		}
		s.inviting[userID] = true
		selfID = s.st.SelfID
		req = Signal{
			Type: SignalRequest,
			From: selfID,
			Metadata: Metadata{
				CallType:   s.st.Kind,
				CallID:     s.st.CallID,
				RoomID:     s.st.RoomID,
				CallerID:   selfID,
				CallerName: s.st.SelfName,
				Timestamp:  s.clk.Now().UnixMilli(),
			},
		}
		s.publish()
		return nil
	})
	if err != nil {
		return err
	}

	thread, err := s.deps.Threads.FindOrCreateDirect(ctx, selfID, userID)
	if err == nil {
		req.ThreadID = thread
		err = s.deps.Signals.Send(ctx, thread, req)
	}
	if err != nil {
		err = fmt.Errorf("invite %s: %w", userID, err)
	}

	s.post(func() {
		delete(s.inviting, userID)
		if err != nil {
			s.report(newError(KindSignal, "invite failed", err))
		} else {
			log.Infof("CALL [%s]: invited %s to room %s", s.st.ThreadID, userID, req.Metadata.RoomID)
		}
		s.publish()
	})
	return err
}
