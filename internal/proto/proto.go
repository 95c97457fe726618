package proto

import "time"

const (
	PresenceTopic = "goopcall.presence.v1"
	MdnsTag       = "goopcall-mdns"

	// libp2p stream protocol ID for the acknowledged message queue that
	// carries thread messages and notifications
	MQProtoID = "/goopcall/mq/1.0.0"
)

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// PresenceMsg is broadcast on PresenceTopic. The profile fields feed the
// user directory of every peer that hears it.
type PresenceMsg struct {
	Type      string   `json:"type"` // online|update|offline
	PeerID    string   `json:"peerId"`
	Username  string   `json:"username,omitempty"`
	FullName  string   `json:"fullName,omitempty"`
	AvatarURL string   `json:"avatarUrl,omitempty"`
	Addrs     []string `json:"addrs,omitempty"` // multiaddresses for WAN connectivity
	TS        int64    `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
