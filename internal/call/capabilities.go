package call

import (
	"context"
)

// Credential is what the media provider hands back for a room.
type Credential struct {
	RoomID string `json:"roomId"`
	Token  string `json:"token"`
	URL    string `json:"url,omitempty"`
}

// TrackKind is the kind of a media track.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
	TrackShare TrackKind = "share"
)

// Track is one local or remote media track. The media session owns the
// underlying transport; holders must call Stop before dropping the reference.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(bool)
	Stop()
	// Stopped is the equivalent of readyState == "ended".
	Stopped() bool
	// OnEnded registers fn to run when the source ends on its own, such as a
	// user stopping a screen share from the system picker.
	OnEnded(fn func())
}

// VolumeSetter is implemented by playback tracks whose output level can be
// set. Volume is 0..1.
type VolumeSetter interface {
	SetVolume(v float64)
}

// volumeReader is implemented by playback tracks that report the level they
// play at.
type volumeReader interface {
	Volume() float64
}

// MediaEventType names an adapter event.
type MediaEventType string

const (
	MediaMeetingJoined     MediaEventType = "meeting-joined"
	MediaMeetingLeft       MediaEventType = "meeting-left"
	MediaParticipantJoined MediaEventType = "participant-joined"
	MediaParticipantLeft   MediaEventType = "participant-left"
	MediaStreamEnabled     MediaEventType = "stream-enabled"
	MediaStreamDisabled    MediaEventType = "stream-disabled"
	MediaPresenterChanged  MediaEventType = "presenter-changed"
)

// Participant identifies someone in the media session.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Local       bool   `json:"local"`
}

// MediaEvent is one callback from the media session adapter.
type MediaEvent struct {
	Type        MediaEventType
	Participant Participant
	// Track is set for stream-enabled and stream-disabled.
	Track Track
	// Presenter is set for presenter-changed; empty means nobody presents.
	Presenter string
}

// JoinOptions configures the local side of a join.
type JoinOptions struct {
	DisplayName   string
	ParticipantID string
}

// MediaSession is the adapter around the external real-time media engine.
// One instance serves one call session.
type MediaSession interface {
	CreateOrJoinRoom(ctx context.Context, roomID string) (Credential, error)
	Join(ctx context.Context, cred Credential, opts JoinOptions) error
	Leave() error

	EnableMic(track Track) error
	MuteMic() error
	EnableWebcam(track Track) error
	DisableWebcam() error
	EnableScreenShare(track Track) error
	DisableScreenShare() error

	// ParticipantTracks returns tracks a participant already publishes.
	ParticipantTracks(participantID string) []Track

	// Subscribe registers fn for adapter events and returns an unsubscribe.
	Subscribe(fn func(MediaEvent)) func()
}

// MediaProvider creates a fresh MediaSession for every call session.
type MediaProvider interface {
	NewSession() MediaSession
}

// Resolution is a capture size request.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Capturer acquires local capture devices.
type Capturer interface {
	Microphone(ctx context.Context) (Track, error)
	Camera(ctx context.Context, res Resolution) (Track, error)
	Screen(ctx context.Context) (Track, error)
}

// Ringer plays local tones for one session.
type Ringer interface {
	Start(tone Tone) error
	StopAll()
}

// RingerProvider hands each session its own scoped Ringer.
type RingerProvider interface {
	NewRinger() Ringer
}

// AllThreads subscribes to every thread on a SignalChannel.
const AllThreads = "*"

// SignalChannel is the durable per-thread messaging channel that carries
// call signals. Delivery is at-least-once and ordered per thread.
type SignalChannel interface {
	Send(ctx context.Context, threadID string, sig Signal) error
	Subscribe(threadID string, fn func(Signal)) (unsubscribe func())
}

// Threads resolves the direct thread between two users.
type Threads interface {
	FindOrCreateDirect(ctx context.Context, userA, userB string) (string, error)
}

// Notifier delivers notifications such as missed-call notices.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Directory searches users by name or username.
type Directory interface {
	Search(ctx context.Context, query string, limit int) ([]User, error)
}

// History stores finished calls.
type History interface {
	RecordCall(ctx context.Context, r Record) error
}
