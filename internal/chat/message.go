// Package chat keeps a client's view of a chat room in sync: the room's
// message log, the open thread, and who is typing. Local writes are shown
// optimistically and reconciled against the persisted events that follow.
package chat

import (
	"context"
	"io"

	"crewchat/core/internal/presence"
	"crewchat/core/internal/store"
)

// State is the local delivery state of a message.
type State int

const (
	// StateConfirmed messages have been seen from persistence.
	StateConfirmed State = iota
	// StatePending messages were created locally and are waiting for their
	// persisted counterpart.
	StatePending
	// StateUnsent messages failed to persist. They stay visible.
	StateUnsent
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateUnsent:
		return "unsent"
	}
	return "confirmed"
}

// Message is a message as shown to the user.
type Message struct {
	store.Message
	State State

	// localFlag is set while a flag applied locally has not yet been seen
	// in a persisted update.
	localFlag bool
	// flagUnsent is set when the flag was applied before the message had a
	// persisted id, so its durable write is still owed.
	flagUnsent bool
}

// Persistence is the durable message store.
type Persistence interface {
	AppendMessage(ctx context.Context, roomID, senderID, senderName, body string, kind store.Kind, metadata store.Metadata) (store.Message, error)
	UpdateMessage(ctx context.Context, messageID string, update store.MessageUpdate) (store.Message, error)
	QueryRootMessages(ctx context.Context, roomID string) ([]store.Message, error)
	QueryReplies(ctx context.Context, parentID string) ([]store.Message, error)
	MarkRead(ctx context.Context, roomID, userID string) error
}

// EventBus delivers change events for a room. Handlers for one subscription
// are called sequentially in delivery order; a handler error is reported by
// the bus and does not end the subscription.
type EventBus interface {
	SubscribeMessages(ctx context.Context, roomID string, onInsert, onUpdate func(store.Message) error) (io.Closer, error)
	SubscribePresence(ctx context.Context, roomID string, onInsert, onDelete func(presence.Event) error) (io.Closer, error)
}

// User identifies the local user of a session.
type User struct {
	ID   string
	Name string
}

// Notifier shows durable-write failures to the user.
type Notifier interface {
	Notify(err error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(err error)

func (f NotifierFunc) Notify(err error) { f(err) }
