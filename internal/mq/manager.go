package mq

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/goopcall/internal/proto"
)

var log = logging.Logger("mq")

const (
	// inboxCap is the maximum number of messages buffered per peer before
	// a local listener connects and drains the buffer.
	inboxCap = 200

	// ackTimeout is how long Send() waits for a transport ACK from the remote
	// peer before returning an error to the caller.
	ackTimeout = 10 * time.Second
)

// ErrSelf is returned when Send is asked to deliver to the local peer.
var ErrSelf = errors.New("mq: cannot send to self")

// Manager owns the MQ P2P handler, topic subscribers, per-peer in-memory
// inbox and local listeners.
type Manager struct {
	host   host.Host
	selfID string

	seq int64 // atomic monotonic counter for outbound messages

	// Per-peer in-memory inbox: messages that arrived before any local
	// listener connected.
	inboxMu sync.Mutex
	inbox   map[string][]inboxEntry

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}

	topicMu   sync.RWMutex
	topicSubs map[int]topicSub
	nextSub   int
}

type topicSub struct {
	prefix string
	fn     func(from, topic string, payload json.RawMessage)
}

// inboxEntry pairs a buffered message with the peer that sent it.
type inboxEntry struct {
	Msg  MQMsg
	From string
}

// New creates a new MQ Manager and registers the MQ stream handler.
func New(h host.Host) *Manager {
	m := &Manager{
		host:      h,
		selfID:    h.ID().String(),
		inbox:     make(map[string][]inboxEntry),
		listeners: make(map[chan Event]struct{}),
		topicSubs: make(map[int]topicSub),
	}
	h.SetStreamHandler(protocol.ID(proto.MQProtoID), m.handleIncoming)
	log.Infow("registered handler", "protocol", proto.MQProtoID)
	return m
}

// SelfID returns the local peer ID.
func (m *Manager) SelfID() string { return m.selfID }

// Close removes the stream handler.
func (m *Manager) Close() {
	m.host.RemoveStreamHandler(protocol.ID(proto.MQProtoID))
}

// peerSupportsMQ returns false only when the peerstore has a non-empty protocol
// list for the peer and the MQ protocol is absent from that list.
// If the protocol list is unknown, we optimistically return true so a live
// connection attempt is still made.
func (m *Manager) peerSupportsMQ(pid peer.ID) bool {
	protos, err := m.host.Peerstore().GetProtocols(pid)
	if err != nil || len(protos) == 0 {
		return true
	}
	for _, p := range protos {
		if p == protocol.ID(proto.MQProtoID) {
			return true
		}
	}
	return false
}

// Send opens a stream to peerID, writes a message with the given topic and
// payload, and waits up to ackTimeout for the transport ACK. The remote side
// dispatches the message before it acknowledges, so a caller that waits for
// each Send gets its messages handled in order.
// Returns the message ID and nil on success.
func (m *Manager) Send(ctx context.Context, peerID, topic string, payload any) (string, error) {
	if peerID == m.selfID {
		return "", ErrSelf
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return "", fmt.Errorf("mq: invalid peer id %q: %w", peerID, err)
	}

	if !m.peerSupportsMQ(pid) {
		return "", fmt.Errorf("protocols not supported: [%s]", proto.MQProtoID)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("mq: encode payload: %w", err)
	}

	msg := MQMsg{
		Type:    MsgTypeMsg,
		ID:      uuid.NewString(),
		Seq:     atomic.AddInt64(&m.seq, 1),
		Topic:   topic,
		Payload: raw,
	}

	// libp2p reuses the underlying muxed connection.
	dialCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	stream, err := m.host.NewStream(dialCtx, pid, protocol.ID(proto.MQProtoID))
	if err != nil {
		go m.logMQEvent("error", topic, peerID, "unreachable", "")
		return "", fmt.Errorf("mq: open stream to %s: %w", short(peerID), err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		stream.Reset()
		return "", fmt.Errorf("mq: encode msg: %w", err)
	}

	var ack MQAck
	dec := json.NewDecoder(bufio.NewReader(stream))
	deadline := time.Now().Add(ackTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = stream.SetReadDeadline(deadline)
	if err := dec.Decode(&ack); err != nil {
		stream.Reset()
		return "", fmt.Errorf("mq: waiting for ack from %s: %w", short(peerID), err)
	}
	if ack.ID != msg.ID {
		return "", fmt.Errorf("mq: ack id mismatch (got %s, want %s)", ack.ID, msg.ID)
	}

	log.Debugw("sent", "msg", short(msg.ID), "topic", topic, "peer", short(peerID))
	go m.logMQEvent("send", topic, peerID, "", connVia(stream))
	return msg.ID, nil
}

// handleIncoming is the libp2p stream handler for the MQ protocol.
// It reads one MQMsg, dispatches it, then writes the transport ACK.
func (m *Manager) handleIncoming(stream network.Stream) {
	defer stream.Close()

	remotePeer := stream.Conn().RemotePeer().String()

	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))

	var msg MQMsg
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&msg); err != nil {
		log.Warnw("decode error", "peer", short(remotePeer), "err", err)
		stream.Reset()
		return
	}
	if msg.Type != MsgTypeMsg || msg.ID == "" {
		log.Warnw("dropping malformed message", "peer", short(remotePeer), "type", msg.Type)
		stream.Reset()
		return
	}

	log.Debugw("received", "msg", short(msg.ID), "topic", msg.Topic, "peer", short(remotePeer))
	m.dispatch(remotePeer, msg)

	ack := MQAck{Type: MsgTypeAck, ID: msg.ID, Seq: msg.Seq}
	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(ack); err != nil {
		log.Warnw("ack write error", "peer", short(remotePeer), "err", err)
	}

	go m.logMQEvent("recv", msg.Topic, remotePeer, "", connVia(stream))
}

// dispatch hands msg to topic subscribers and local listeners, buffering it
// when no listener is connected.
func (m *Manager) dispatch(from string, msg MQMsg) {
	m.topicMu.RLock()
	var fns []func(string, string, json.RawMessage)
	for _, sub := range m.topicSubs {
		if strings.HasPrefix(msg.Topic, sub.prefix) {
			fns = append(fns, sub.fn)
		}
	}
	m.topicMu.RUnlock()
	for _, fn := range fns {
		fn(from, msg.Topic, msg.Payload)
	}

	evt := Event{Type: "message", Msg: &msg, From: from}

	m.listenerMu.RLock()
	n := len(m.listeners)
	for ch := range m.listeners {
		select {
		case ch <- evt:
		default:
			log.Warnw("listener full, dropping", "msg", short(msg.ID))
		}
	}
	m.listenerMu.RUnlock()

	if n == 0 {
		m.inboxMu.Lock()
		buf := m.inbox[from]
		if len(buf) >= inboxCap {
			buf = buf[1:]
		}
		m.inbox[from] = append(buf, inboxEntry{Msg: msg, From: from})
		m.inboxMu.Unlock()
	}
}

// Subscribe returns a channel that receives local Events and a cancel
// function. On subscribe, all buffered inbox messages are replayed
// immediately so a late listener never misses a message.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 128)

	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	m.inboxMu.Lock()
	var buffered []inboxEntry
	for _, entries := range m.inbox {
		buffered = append(buffered, entries...)
	}
	m.inbox = make(map[string][]inboxEntry)
	m.inboxMu.Unlock()

	for i := range buffered {
		select {
		case ch <- Event{Type: "message", Msg: &buffered[i].Msg, From: buffered[i].From}:
		default:
		}
	}

	cancel := func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

// PublishLocal injects a message directly into local listener channels
// without opening any P2P stream. Use this to push Go-side state changes to
// the viewer (presence, incoming calls, call snapshots).
func (m *Manager) PublishLocal(topic, from string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Errorw("publish local: encode", "topic", topic, "err", err)
		return
	}
	msg := MQMsg{
		Type:    MsgTypeMsg,
		ID:      uuid.NewString(),
		Seq:     atomic.AddInt64(&m.seq, 1),
		Topic:   topic,
		Payload: raw,
	}
	evt := Event{Type: "message", Msg: &msg, From: from}
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for ch := range m.listeners {
		select {
		case ch <- evt:
		default:
			log.Debugw("publish local: listener full, dropping", "topic", topic)
		}
	}
}

// SubscribeTopic registers a callback for remote messages whose topic has
// the given prefix. Callbacks run on the receiving stream's goroutine before
// the ACK is written and must not block.
// Returns an unsubscribe function.
func (m *Manager) SubscribeTopic(prefix string, fn func(from, topic string, payload json.RawMessage)) func() {
	m.topicMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.topicSubs[id] = topicSub{prefix: prefix, fn: fn}
	m.topicMu.Unlock()

	return func() {
		m.topicMu.Lock()
		delete(m.topicSubs, id)
		m.topicMu.Unlock()
	}
}

// connVia returns "relay:<relayID8>" if the stream is routed through a circuit
// relay, or "direct" otherwise.
func connVia(s network.Stream) string {
	ma := s.Conn().RemoteMultiaddr().String()
	circuitIdx := strings.Index(ma, "/p2p-circuit")
	if circuitIdx < 0 {
		return "direct"
	}
	// .../p2p/<relayPeerID>/p2p-circuit
	before := ma[:circuitIdx]
	if p2pIdx := strings.LastIndex(before, "/p2p/"); p2pIdx >= 0 {
		return "relay:" + short(before[p2pIdx+5:])
	}
	return "relay"
}

// logMQEvent publishes a structured entry for an MQ message to local listeners.
// dir is "recv", "send", or "error"; via is "direct", "relay", or "".
// Skips log:* topics to prevent recursion.
func (m *Manager) logMQEvent(dir, topic, peerID, errMsg, via string) {
	if strings.HasPrefix(topic, "log:") {
		return
	}
	entry := map[string]any{
		"dir":   dir,
		"topic": topic,
		"peer":  peerID,
		"ts":    time.Now().UnixMilli(),
	}
	if errMsg != "" {
		entry["error"] = errMsg
	}
	if via != "" {
		entry["via"] = via
	}
	m.PublishLocal(TopicLogMQ, "", entry)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
