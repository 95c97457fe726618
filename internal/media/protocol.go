package media

import "github.com/pion/webrtc/v4"

// SFU signaling messages, one JSON object per WebSocket text frame.
//
//	client                              sfu
//	join {token, participant}   ───────►
//	                            ◄─────── joined {participants, presenter}
//	                            ◄─────── offer / answer / candidate
//	offer / answer / candidate  ───────►
//	stream {kind, enabled}      ───────►  (publish, mute, unpublish)
//	                            ◄─────── participant-joined / participant-left
//	                            ◄─────── stream {participant, kind, enabled}
//	                            ◄─────── presenter {presenter}
//	leave                       ───────►
//
// Remote tracks carry the publishing participant's ID as their stream ID;
// screen share tracks have an ID starting with "share".
const (
	msgJoin              = "join"
	msgJoined            = "joined"
	msgLeave             = "leave"
	msgParticipantJoined = "participant-joined"
	msgParticipantLeft   = "participant-left"
	msgStream            = "stream"
	msgPresenter         = "presenter"
	msgOffer             = "offer"
	msgAnswer            = "answer"
	msgCandidate         = "candidate"
	msgError             = "error"
)

type wireParticipant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

type wireMsg struct {
	Type         string                   `json:"type"`
	Token        string                   `json:"token,omitempty"`
	Participant  *wireParticipant         `json:"participant,omitempty"`
	Participants []wireParticipant        `json:"participants,omitempty"`
	Kind         string                   `json:"kind,omitempty"`
	Enabled      bool                     `json:"enabled"`
	Presenter    string                   `json:"presenter,omitempty"`
	SDP          string                   `json:"sdp,omitempty"`
	Candidate    *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Message      string                   `json:"message,omitempty"`
}
