package mq

import "time"

// Topic constants. Remote topics travel between peers; local topics are only
// published to in-process listeners.
const (
	// Thread messages, including call signals. + threadID
	TopicThreadPrefix = "thread:"

	// Notifications addressed to the receiving peer.
	TopicNotify = "notify"

	// Peer lifecycle, published locally from the presence table.
	TopicPeerAnnounce = "peer:announce"
	TopicPeerGone     = "peer:gone"

	// Call lifecycle, published locally by the call bindings.
	TopicCallIncoming = "call:incoming"
	TopicCallState    = "call:state" // + ":" + threadID

	// Internal MQ event log, published locally by logMQEvent.
	TopicLogMQ = "log:mq"
)

// PeerAnnouncePayload is the payload for TopicPeerAnnounce.
type PeerAnnouncePayload struct {
	PeerID    string `json:"peerID"`
	Username  string `json:"username,omitempty"`
	FullName  string `json:"fullName,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Reachable bool   `json:"reachable"`
	LastSeen  int64  `json:"lastSeen"` // Unix milliseconds
}

// PeerGonePayload is the payload for TopicPeerGone.
type PeerGonePayload struct {
	PeerID string `json:"peerID"`
}

// CallIncomingPayload is the payload for TopicCallIncoming.
type CallIncomingPayload struct {
	ThreadID   string `json:"threadId"`
	CallID     string `json:"callId"`
	CallerID   string `json:"callerId"`
	CallerName string `json:"callerName"`
	CallType   string `json:"callType"`
	At         int64  `json:"at"`
}

// PublishPeerAnnounce pushes a presence update to local listeners.
func (m *Manager) PublishPeerAnnounce(p PeerAnnouncePayload) {
	m.PublishLocal(TopicPeerAnnounce, "", p)
}

// PublishPeerGone tells local listeners a peer dropped out of presence.
func (m *Manager) PublishPeerGone(peerID string) {
	m.PublishLocal(TopicPeerGone, "", PeerGonePayload{PeerID: peerID})
}

// PublishCallIncoming announces a ringing incoming call to local listeners.
func (m *Manager) PublishCallIncoming(p CallIncomingPayload) {
	if p.At == 0 {
		p.At = time.Now().UnixMilli()
	}
	m.PublishLocal(TopicCallIncoming, p.CallerID, p)
}

// PublishCallState pushes a session snapshot to local listeners.
func (m *Manager) PublishCallState(threadID string, snapshot any) {
	m.PublishLocal(TopicCallState+":"+threadID, "", snapshot)
}
