package call

// LocalPresenter is the presenter value used when the local side shares.
const LocalPresenter = "local"

// remoteParticipant holds the session's references to one participant's
// tracks. The media session owns the transport; we own the Stop call.
type remoteParticipant struct {
	id    string
	name  string
	audio Track
	video Track
	share Track
}

func (p *remoteParticipant) tracks() []Track {
	var out []Track
	for _, t := range []Track{p.audio, p.video, p.share} {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

func (p *remoteParticipant) slot(kind TrackKind) *Track {
	switch kind {
	case TrackAudio:
		return &p.audio
	case TrackVideo:
		return &p.video
	case TrackShare:
		return &p.share
	}
	return nil
}

// LocalStream is the consumer-facing local media: whatever tracks are
// currently flowing. Audio survives a video drop and vice versa.
type LocalStream struct {
	Audio Track
	Video Track
}

// streams mirrors media session track events into owned collections and
// guarantees that every track is stopped exactly once. It is only touched
// from the session loop.
type streams struct {
	localAudio Track
	localVideo Track
	localShare Track

	remote map[string]*remoteParticipant
	// order keeps participants in join order for presentation.
	order []string

	presenter string

	released bool
}

func newStreams() *streams {
	return &streams{remote: make(map[string]*remoteParticipant)}
}

// setLocal attaches a local track. A previous track of the same kind is
// stopped. After release, the track is stopped immediately and false is
// returned.
func (s *streams) setLocal(t Track) bool {
	if t == nil {
		return false
	}
	if s.released {
		t.Stop()
		return false
	}
	slot := s.localSlot(t.Kind())
	if slot == nil {
		t.Stop()
		return false
	}
	if old := *slot; old != nil && old != t {
		old.Stop()
	}
	*slot = t
	return true
}

// dropLocal stops and forgets the local track of kind. When id is non-empty
// only a track with that id is dropped.
func (s *streams) dropLocal(kind TrackKind, id string) Track {
	slot := s.localSlot(kind)
	if slot == nil || *slot == nil {
		return nil
	}
	old := *slot
	if id != "" && old.ID() != id {
		return nil
	}
	old.Stop()
	*slot = nil
	return old
}

func (s *streams) localSlot(kind TrackKind) *Track {
	switch kind {
	case TrackAudio:
		return &s.localAudio
	case TrackVideo:
		return &s.localVideo
	case TrackShare:
		return &s.localShare
	}
	return nil
}

func (s *streams) local() LocalStream {
	return LocalStream{Audio: s.localAudio, Video: s.localVideo}
}

// addParticipant starts tracking a remote participant. existing are the
// tracks it already publishes; a late subscriber would otherwise miss them.
func (s *streams) addParticipant(id, name string, existing []Track) {
	if s.released {
		for _, t := range existing {
			t.Stop()
		}
		return
	}
	p, ok := s.remote[id]
	if !ok {
		p = &remoteParticipant{id: id}
		s.remote[id] = p
		s.order = append(s.order, id)
	}
	if name != "" {
		p.name = name
	}
	for _, t := range existing {
		s.remoteEnabled(id, t)
	}
}

// removeParticipant stops and drops every track of id and returns how many
// remote participants remain.
func (s *streams) removeParticipant(id string) int {
	p, ok := s.remote[id]
	if !ok {
		return len(s.remote)
	}
	for _, t := range p.tracks() {
		t.Stop()
	}
	delete(s.remote, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.presenter == id {
		s.presenter = ""
	}
	return len(s.remote)
}

// remoteEnabled records a remote track. Tracks for unknown participants
// create the participant entry.
func (s *streams) remoteEnabled(id string, t Track) bool {
	if t == nil {
		return false
	}
	if s.released {
		t.Stop()
		return false
	}
	p, ok := s.remote[id]
	if !ok {
		p = &remoteParticipant{id: id}
		s.remote[id] = p
		s.order = append(s.order, id)
	}
	slot := p.slot(t.Kind())
	if slot == nil {
		t.Stop()
		return false
	}
	if old := *slot; old != nil && old != t {
		old.Stop()
	}
	*slot = t
	return true
}

func (s *streams) remoteDisabled(id string, t Track) {
	p, ok := s.remote[id]
	if !ok || t == nil {
		return
	}
	slot := p.slot(t.Kind())
	if slot == nil || *slot == nil {
		return
	}
	if (*slot).ID() != t.ID() {
		return
	}
	(*slot).Stop()
	*slot = nil
}

// setPresenter records who presents. share is the presenter's share track
// when it is remote and already known.
func (s *streams) setPresenter(id string, share Track) {
	prev := s.presenter
	s.presenter = id
	if prev != "" && prev != LocalPresenter && prev != id {
		if p, ok := s.remote[prev]; ok && p.share != nil {
			p.share.Stop()
			p.share = nil
		}
	}
	if id != "" && id != LocalPresenter && share != nil {
		s.remoteEnabled(id, share)
	}
}

// remoteShare returns the single remote screen share, if any.
func (s *streams) remoteShare() (string, Track) {
	if s.presenter == "" || s.presenter == LocalPresenter {
		return "", nil
	}
	p, ok := s.remote[s.presenter]
	if !ok {
		return s.presenter, nil
	}
	return s.presenter, p.share
}

func (s *streams) remoteAudio() []Track {
	var out []Track
	for _, id := range s.order {
		if p := s.remote[id]; p != nil && p.audio != nil {
			out = append(out, p.audio)
		}
	}
	return out
}

func (s *streams) has(id string) bool {
	_, ok := s.remote[id]
	return ok
}

// release stops every owned track and clears every reference. Only the first
// call does anything.
func (s *streams) release() bool {
	if s.released {
		return false
	}
	s.released = true
	for _, t := range []Track{s.localAudio, s.localVideo, s.localShare} {
		if t != nil {
			t.Stop()
		}
	}
	s.localAudio, s.localVideo, s.localShare = nil, nil, nil
	for _, p := range s.remote {
		for _, t := range p.tracks() {
			t.Stop()
		}
	}
	s.remote = make(map[string]*remoteParticipant)
	s.order = nil
	s.presenter = ""
	return true
}

// ParticipantView is the presentation snapshot of one remote participant.
type ParticipantView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Audio      bool   `json:"audio"`
	Video      bool   `json:"video"`
	Sharing    bool   `json:"sharing"`
	HandRaised bool   `json:"hand_raised"`

	// Volume is the playback level of the participant's audio, 0 without
	// audio.
	Volume float64 `json:"volume"`
}

// views builds the participant list. vol is the speaker level applied to
// audio tracks that do not report their own.
func (s *streams) views(hands map[string]bool, vol float64) []ParticipantView {
	out := make([]ParticipantView, 0, len(s.order))
	for _, id := range s.order {
		p := s.remote[id]
		if p == nil {
			continue
		}
		v := ParticipantView{
			ID:         id,
			Name:       p.name,
			Audio:      p.audio != nil && p.audio.Enabled(),
			Video:      p.video != nil && p.video.Enabled(),
			Sharing:    s.presenter == id,
			HandRaised: hands[id],
		}
		if p.audio != nil {
			v.Volume = vol
			if r, ok := p.audio.(volumeReader); ok {
				v.Volume = r.Volume()
			}
		}
		out = append(out, v)
	}
	return out
}
