// Package thread is the durable per-thread messaging channel. Messages are
// persisted in the peer database and fanned out to the other thread members
// over the message queue; call signals ride on it.
package thread

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/mq"
	"github.com/petervdpas/goopcall/internal/storage"
)

var log = logging.Logger("thread")

const (
	KindDirect = "direct"

	// sendAttempts bounds the retries per member before Send gives up.
	sendAttempts = 3
	retryBackoff = 500 * time.Millisecond
)

var (
	ErrUnknownThread = errors.New("thread: unknown thread")
	ErrNotMember     = errors.New("thread: not a member")
)

// Transport is the peer-to-peer carrier. *mq.Manager implements it.
type Transport interface {
	SelfID() string
	Send(ctx context.Context, peerID, topic string, payload any) (string, error)
	SubscribeTopic(prefix string, fn func(from, topic string, payload json.RawMessage)) func()
}

// Message is the wire envelope of one thread message.
type Message struct {
	ID       string          `json:"id"`
	ThreadID string          `json:"thread_id"`
	Kind     string          `json:"kind"`
	Members  []string        `json:"members"`
	Type     string          `json:"type"`
	Body     json.RawMessage `json:"body"`
}

// Service implements call.SignalChannel and call.Threads.
type Service struct {
	self string
	db   *storage.DB
	tr   Transport

	subMu  sync.RWMutex
	subs   map[int]subscription
	nextID int

	// per-thread send locks keep outbound order within a thread
	sendMu sync.Mutex
	sendLk map[string]*sync.Mutex

	unsub func()
}

type subscription struct {
	thread string
	fn     func(call.Signal)
}

var (
	_ call.SignalChannel = (*Service)(nil)
	_ call.Threads       = (*Service)(nil)
)

// New creates the service and starts receiving thread messages.
func New(db *storage.DB, tr Transport) *Service {
	s := &Service{
		self:   tr.SelfID(),
		db:     db,
		tr:     tr,
		subs:   make(map[int]subscription),
		sendLk: make(map[string]*sync.Mutex),
	}
	s.unsub = tr.SubscribeTopic(mq.TopicThreadPrefix, s.receive)
	return s
}

// Close stops receiving.
func (s *Service) Close() {
	if s.unsub != nil {
		s.unsub()
	}
}

// DirectID is the deterministic thread ID two users share.
func DirectID(a, b string) string {
	pair := []string{a, b}
	slices.Sort(pair)
	sum := sha256.Sum256([]byte(strings.Join(pair, "\x00")))
	return "dm-" + hex.EncodeToString(sum[:12])
}

// FindOrCreateDirect returns the direct thread between userA and userB,
// creating it locally if needed.
func (s *Service) FindOrCreateDirect(_ context.Context, userA, userB string) (string, error) {
	if userA == "" || userB == "" || userA == userB {
		return "", fmt.Errorf("thread: direct thread needs two distinct users")
	}
	id := DirectID(userA, userB)
	if err := s.db.EnsureThread(id, KindDirect, []string{userA, userB}); err != nil {
		return "", err
	}
	return id, nil
}

// Send stores sig on the thread, hands it to local subscribers and delivers
// it to every other member. Delivery to a member is retried; the returned
// error names the members that could not be reached.
func (s *Service) Send(ctx context.Context, threadID string, sig call.Signal) error {
	th, err := s.db.GetThread(threadID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownThread, threadID)
	}
	if !slices.Contains(th.Members, s.self) {
		return ErrNotMember
	}

	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	sig.ThreadID = threadID
	sig.From = s.self
	body, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("thread: encode signal: %w", err)
	}
	msg := Message{
		ID:       sig.ID,
		ThreadID: threadID,
		Kind:     th.Kind,
		Members:  th.Members,
		Type:     string(sig.Type),
		Body:     body,
	}

	lk := s.threadLock(threadID)
	lk.Lock()
	if _, err := s.db.InsertMessage(storage.MessageRow{
		ID: msg.ID, ThreadID: threadID, Sender: s.self, Type: msg.Type, Body: string(body),
	}); err != nil {
		lk.Unlock()
		return err
	}
	var failed []string
	for _, member := range th.Members {
		if member == s.self {
			continue
		}
		if err := s.sendTo(ctx, member, msg); err != nil {
			log.Warnw("delivery failed", "thread", threadID, "peer", member, "type", msg.Type, "err", err)
			failed = append(failed, member)
		}
	}
	lk.Unlock()

	s.deliver(sig)
	if len(failed) > 0 {
		return fmt.Errorf("thread: %s not delivered to %s", msg.Type, strings.Join(failed, ", "))
	}
	return nil
}

func (s *Service) sendTo(ctx context.Context, peerID string, msg Message) error {
	var err error
	for attempt := range sendAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff << (attempt - 1)):
			}
		}
		if _, err = s.tr.Send(ctx, peerID, mq.TopicThreadPrefix+msg.ThreadID, msg); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func (s *Service) threadLock(id string) *sync.Mutex {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	lk, ok := s.sendLk[id]
	if !ok {
		lk = new(sync.Mutex)
		s.sendLk[id] = lk
	}
	return lk
}

// Subscribe registers fn for signals on threadID, or on every thread when
// threadID is call.AllThreads.
func (s *Service) Subscribe(threadID string, fn func(call.Signal)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = subscription{thread: threadID, fn: fn}
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// Messages returns stored messages of a thread after seq, oldest first.
func (s *Service) Messages(threadID string, afterSeq int64, limit int) ([]storage.MessageRow, error) {
	return s.db.ListMessages(threadID, afterSeq, limit)
}

// receive handles a thread message from a remote member.
func (s *Service) receive(from, topic string, payload json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Warnw("decode error", "peer", from, "err", err)
		return
	}
	if topic != mq.TopicThreadPrefix+msg.ThreadID || msg.ID == "" {
		log.Warnw("dropping message with mismatched thread", "peer", from, "topic", topic)
		return
	}
	if !slices.Contains(msg.Members, from) || !slices.Contains(msg.Members, s.self) {
		log.Warnw("dropping message from outside the thread", "peer", from, "thread", msg.ThreadID)
		return
	}
	if msg.Kind == KindDirect && (len(msg.Members) != 2 || msg.ThreadID != DirectID(msg.Members[0], msg.Members[1])) {
		log.Warnw("dropping direct message with forged thread id", "peer", from, "thread", msg.ThreadID)
		return
	}

	if err := s.db.EnsureThread(msg.ThreadID, msg.Kind, msg.Members); err != nil {
		log.Errorw("store thread", "thread", msg.ThreadID, "err", err)
		return
	}
	fresh, err := s.db.InsertMessage(storage.MessageRow{
		ID: msg.ID, ThreadID: msg.ThreadID, Sender: from, Type: msg.Type, Body: string(msg.Body),
	})
	if err != nil {
		log.Errorw("store message", "thread", msg.ThreadID, "err", err)
		return
	}
	if !fresh {
		log.Debugw("redelivered message", "thread", msg.ThreadID, "msg", msg.ID)
		return
	}

	var sig call.Signal
	if err := json.Unmarshal(msg.Body, &sig); err != nil {
		log.Warnw("decode signal", "thread", msg.ThreadID, "err", err)
		return
	}
	sig.ID = msg.ID
	sig.ThreadID = msg.ThreadID
	sig.From = from
	s.deliver(sig)
}

func (s *Service) deliver(sig call.Signal) {
	s.subMu.RLock()
	var fns []func(call.Signal)
	for _, sub := range s.subs {
		if sub.thread == call.AllThreads || sub.thread == sig.ThreadID {
			fns = append(fns, sub.fn)
		}
	}
	s.subMu.RUnlock()
	for _, fn := range fns {
		fn(sig)
	}
}
