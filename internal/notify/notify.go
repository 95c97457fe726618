// Package notify delivers notifications between peers and keeps the local
// inbox.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/mq"
	"github.com/petervdpas/goopcall/internal/storage"
)

var log = logging.Logger("notify")

// Transport carries notifications to other peers. *mq.Manager implements it.
type Transport interface {
	SelfID() string
	Send(ctx context.Context, peerID, topic string, payload any) (string, error)
	SubscribeTopic(prefix string, fn func(from, topic string, payload json.RawMessage)) func()
	PublishLocal(topic, from string, payload any)
}

type wireNotification struct {
	ID string `json:"id"`
	call.Notification
}

// Service implements call.Notifier.
type Service struct {
	self  string
	db    *storage.DB
	tr    Transport
	unsub func()
}

var _ call.Notifier = (*Service)(nil)

func New(db *storage.DB, tr Transport) *Service {
	s := &Service{self: tr.SelfID(), db: db, tr: tr}
	s.unsub = tr.SubscribeTopic(mq.TopicNotify, s.receive)
	return s
}

func (s *Service) Close() {
	if s.unsub != nil {
		s.unsub()
	}
}

// Notify sends n to its recipient. A notification addressed to the local
// user goes straight to the inbox.
func (s *Service) Notify(ctx context.Context, n call.Notification) error {
	if n.UserID == "" {
		return fmt.Errorf("notify: no recipient")
	}
	w := wireNotification{ID: uuid.NewString(), Notification: n}
	if n.UserID == s.self {
		s.store(s.self, w)
		return nil
	}
	if _, err := s.tr.Send(ctx, n.UserID, mq.TopicNotify, w); err != nil {
		return fmt.Errorf("notify %s: %w", n.UserID, err)
	}
	log.Debugw("sent", "to", n.UserID, "type", n.Type)
	return nil
}

// List returns the inbox, newest first.
func (s *Service) List(unreadOnly bool, limit int) ([]storage.NotificationRow, error) {
	return s.db.ListNotifications(unreadOnly, limit)
}

// MarkRead flags one inbox entry as read.
func (s *Service) MarkRead(id string) error {
	return s.db.MarkNotificationRead(id)
}

func (s *Service) receive(from, _ string, payload json.RawMessage) {
	var w wireNotification
	if err := json.Unmarshal(payload, &w); err != nil || w.ID == "" {
		log.Warnw("dropping malformed notification", "peer", from, "err", err)
		return
	}
	if w.UserID != s.self {
		log.Warnw("dropping notification for someone else", "peer", from, "to", w.UserID)
		return
	}
	s.store(from, w)
}

func (s *Service) store(from string, w wireNotification) {
	row := storage.NotificationRow{
		ID:     w.ID,
		UserID: w.UserID,
		Type:   w.Type,
		Title:  w.Title,
		Body:   w.Body,
		Data:   w.Data,
	}
	fresh, err := s.db.InsertNotification(row)
	if err != nil {
		log.Errorw("store notification", "err", err)
		return
	}
	if !fresh {
		return
	}
	log.Infow("notification", "from", from, "type", w.Type, "title", w.Title)
	s.tr.PublishLocal(mq.TopicNotify, from, row)
}
