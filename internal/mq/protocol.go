// Package mq implements the acknowledged message queue that carries thread
// messages and notifications between peers.
// Wire format: one newline-delimited JSON message per libp2p stream, answered
// by a transport ACK on the same stream.
package mq

import "encoding/json"

// MsgType constants for the wire protocol.
const (
	MsgTypeMsg = "msg" // sender → receiver
	MsgTypeAck = "ack" // receiver → sender (transport ACK)
)

// MQMsg is the wire type for a message sent over the MQ protocol.
type MQMsg struct {
	Type    string          `json:"type"`    // "msg"
	ID      string          `json:"id"`      // uuid4
	Seq     int64           `json:"seq"`     // monotonic counter per sender
	Topic   string          `json:"topic"`   // e.g. "thread:dm-…", "notify"
	Payload json.RawMessage `json:"payload"` // arbitrary JSON
}

// MQAck is the wire type for a transport ACK.
type MQAck struct {
	Type string `json:"type"` // "ack"
	ID   string `json:"id"`   // matches MQMsg.ID
	Seq  int64  `json:"seq"`  // matches MQMsg.Seq
}

// Event is delivered to local listeners (the viewer's SSE stream).
type Event struct {
	Type string `json:"type"` // "message"
	Msg  *MQMsg `json:"msg,omitempty"`
	From string `json:"from,omitempty"`
}
