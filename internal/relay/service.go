// Package relay is the write path behind chat sessions: it persists a
// change, announces it on the room's event channel and hands it to search.
package relay

import (
	"context"
	"log"

	"crewchat/core/internal/realtime"
	"crewchat/core/internal/search"
	"crewchat/core/internal/store"
)

// MessageStore is the durable message store.
type MessageStore interface {
	AppendMessage(ctx context.Context, roomID, senderID, senderName, body string, kind store.Kind, metadata store.Metadata) (store.Message, error)
	UpdateMessage(ctx context.Context, messageID string, update store.MessageUpdate) (store.Message, error)
	GetMessage(ctx context.Context, messageID string) (store.Message, error)
	QueryRootMessages(ctx context.Context, roomID string) ([]store.Message, error)
	QueryReplies(ctx context.Context, parentID string) ([]store.Message, error)
	MarkRead(ctx context.Context, roomID, userID string) error
}

// Publisher announces persisted messages to a room's subscribers.
type Publisher interface {
	PublishMessage(ctx context.Context, op realtime.MessageOp, msg store.Message) error
}

// Service persists writes and fans them out. It satisfies the persistence
// interface of chat sessions.
type Service struct {
	store     MessageStore
	publisher Publisher
	indexer   search.Indexer
}

// NewService creates a relay. indexer may be nil when search is disabled.
func NewService(store MessageStore, publisher Publisher, indexer search.Indexer) *Service {
	return &Service{store: store, publisher: publisher, indexer: indexer}
}

// AppendMessage stores a message and publishes its insert. For replies the
// parent is republished so every client picks up the new reply count. A
// failed publish is logged: the write itself succeeded.
func (s *Service) AppendMessage(ctx context.Context, roomID, senderID, senderName, body string, kind store.Kind, metadata store.Metadata) (store.Message, error) {
	msg, err := s.store.AppendMessage(ctx, roomID, senderID, senderName, body, kind, metadata)
	if err != nil {
		return store.Message{}, err
	}
	s.publish(ctx, realtime.OpInsert, msg)
	s.index(msg)

	if msg.IsReply() {
		parent, err := s.store.GetMessage(ctx, msg.ParentID())
		if err != nil {
			log.Printf("relay: reload parent %s: %v", msg.ParentID(), err)
			return msg, nil
		}
		s.publish(ctx, realtime.OpUpdate, parent)
	}
	return msg, nil
}

// UpdateMessage applies an edit or flag and publishes the canonical row.
func (s *Service) UpdateMessage(ctx context.Context, messageID string, update store.MessageUpdate) (store.Message, error) {
	msg, err := s.store.UpdateMessage(ctx, messageID, update)
	if err != nil {
		return store.Message{}, err
	}
	s.publish(ctx, realtime.OpUpdate, msg)
	s.index(msg)
	return msg, nil
}

func (s *Service) QueryRootMessages(ctx context.Context, roomID string) ([]store.Message, error) {
	return s.store.QueryRootMessages(ctx, roomID)
}

func (s *Service) QueryReplies(ctx context.Context, parentID string) ([]store.Message, error) {
	return s.store.QueryReplies(ctx, parentID)
}

func (s *Service) MarkRead(ctx context.Context, roomID, userID string) error {
	return s.store.MarkRead(ctx, roomID, userID)
}

func (s *Service) publish(ctx context.Context, op realtime.MessageOp, msg store.Message) {
	if err := s.publisher.PublishMessage(ctx, op, msg); err != nil {
		log.Printf("relay: publish %s %s: %v", op, msg.ID, err)
	}
}

func (s *Service) index(msg store.Message) {
	if s.indexer != nil {
		s.indexer.IndexMessage(msg)
	}
}
