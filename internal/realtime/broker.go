// Package realtime carries message and presence change events between
// clients over Redis pub/sub. Each room has one channel per stream.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"crewchat/core/internal/presence"
	"crewchat/core/internal/store"
	"crewchat/core/internal/util"
)

type MessageOp string

const (
	OpInsert MessageOp = "insert"
	OpUpdate MessageOp = "update"
)

var errUnknownOp = errors.New("unknown event op")

type envelope struct {
	ID       string          `json:"id"`
	Op       string          `json:"op"`
	Message  *store.Message  `json:"message,omitempty"`
	Presence *presence.Event `json:"presence,omitempty"`
}

// Broker publishes and subscribes to room channels.
type Broker struct {
	client *redis.Client
	prefix string
}

func NewBroker(client *redis.Client) *Broker {
	return &Broker{client: client, prefix: "crewchat:room:"}
}

func (b *Broker) messagesChannel(roomID string) string {
	return b.prefix + roomID + ":messages"
}

func (b *Broker) presenceChannel(roomID string) string {
	return b.prefix + roomID + ":presence"
}

// PublishMessage announces an inserted or updated message on its room's
// message channel.
func (b *Broker) PublishMessage(ctx context.Context, op MessageOp, msg store.Message) error {
	if op != OpInsert && op != OpUpdate {
		return fmt.Errorf("publish message: %w %q", errUnknownOp, op)
	}
	return b.publish(ctx, b.messagesChannel(msg.RoomID), envelope{Op: string(op), Message: &msg})
}

// PublishPresence announces a typing lease change on its room's presence
// channel.
func (b *Broker) PublishPresence(ctx context.Context, event presence.Event) error {
	return b.publish(ctx, b.presenceChannel(event.RoomID), envelope{Op: string(event.Op), Presence: &event})
}

func (b *Broker) publish(ctx context.Context, channel string, env envelope) error {
	env.ID = util.NewEventID()
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// SubscribeMessages delivers message events for roomID until the returned
// subscription is closed. Handlers run on the subscription's goroutine, one
// event at a time, in channel order.
func (b *Broker) SubscribeMessages(ctx context.Context, roomID string, onInsert, onUpdate func(store.Message) error) (io.Closer, error) {
	return closer(b.subscribe(ctx, b.messagesChannel(roomID), func(env envelope) error {
		if env.Message == nil {
			return errors.New("message event without message")
		}
		switch MessageOp(env.Op) {
		case OpInsert:
			return onInsert(*env.Message)
		case OpUpdate:
			return onUpdate(*env.Message)
		}
		return fmt.Errorf("%w %q", errUnknownOp, env.Op)
	}))
}

// SubscribePresence delivers presence events for roomID until the returned
// subscription is closed.
func (b *Broker) SubscribePresence(ctx context.Context, roomID string, onInsert, onDelete func(presence.Event) error) (io.Closer, error) {
	return closer(b.subscribe(ctx, b.presenceChannel(roomID), func(env envelope) error {
		if env.Presence == nil {
			return errors.New("presence event without payload")
		}
		switch presence.Op(env.Op) {
		case presence.OpInsert:
			return onInsert(*env.Presence)
		case presence.OpDelete:
			return onDelete(*env.Presence)
		}
		return fmt.Errorf("%w %q", errUnknownOp, env.Op)
	}))
}

// closer keeps a failed subscribe from returning a non-nil io.Closer.
func closer(sub *Subscription, err error) (io.Closer, error) {
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *Broker) subscribe(ctx context.Context, channel string, handle func(envelope) error) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	// Wait for the subscribe confirmation so no event published after this
	// call returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &Subscription{
		channel: channel,
		pubsub:  pubsub,
		handle:  handle,
		done:    make(chan struct{}),
	}
	go sub.run(pubsub.Channel())
	return sub, nil
}

// Subscription is a live channel subscription.
type Subscription struct {
	channel string
	pubsub  *redis.PubSub
	handle  func(envelope) error
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (s *Subscription) run(ch <-chan *redis.Message) {
	defer close(s.done)
	for msg := range ch {
		s.deliver(msg.Payload)
	}
}

// deliver handles one event. A bad event is logged and dropped; it never ends
// the subscription.
func (s *Subscription) deliver(payload string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("sync: %s: handler panic: %v", s.channel, r)
		}
	}()

	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		log.Printf("sync: %s: decode event: %v", s.channel, err)
		return
	}
	if err := s.handle(env); err != nil {
		log.Printf("sync: %s: event %s: %v", s.channel, env.ID, err)
	}
}

// Close unsubscribes and waits for the delivery goroutine to finish, so no
// handler runs after Close returns.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pubsub.Close()
		<-s.done
	})
	return s.closeErr
}
