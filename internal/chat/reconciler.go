package chat

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"crewchat/core/internal/metrics"
	"crewchat/core/internal/presence"
	"crewchat/core/internal/store"
)

// Reconciler applies change events from the bus to the log, the thread index
// and the presence ledger. Message events are applied one at a time.
//
// While a room is loading, its message events are queued and replayed once
// the load finishes, so nothing published between subscribing and fetching
// is lost.
type Reconciler struct {
	log     *Log
	threads *ThreadIndex
	ledger  *presence.Ledger
	changed func()
	// reconciled runs after a pending entry was replaced by its persisted
	// counterpart.
	reconciled func()

	mu      sync.Mutex
	roomID  string
	thread  string
	loading bool
	queued  []queuedEvent
}

type queuedEvent struct {
	op  string
	msg store.Message
}

func NewReconciler(log *Log, threads *ThreadIndex, ledger *presence.Ledger, changed func()) *Reconciler {
	if changed == nil {
		changed = func() {}
	}
	return &Reconciler{log: log, threads: threads, ledger: ledger, changed: changed}
}

// target points the reconciler at roomID and starts queueing its message
// events. An empty roomID drops every event.
func (r *Reconciler) target(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roomID = roomID
	r.thread = ""
	r.loading = roomID != ""
	r.queued = nil
}

// ready applies the events queued while the room loaded.
func (r *Reconciler) ready() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, event := range r.queued {
		if event.op == "insert" {
			r.applyInsert(event.msg)
		} else {
			r.applyUpdate(event.msg)
		}
	}
	r.loading = false
	r.queued = nil
}

// routeThread sets the thread whose reply inserts are applied.
func (r *Reconciler) routeThread(parentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thread = parentID
}

// unrouteThread stops routing replies to parentID if it is the routed thread.
func (r *Reconciler) unrouteThread(parentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.thread == parentID {
		r.thread = ""
	}
}

func (r *Reconciler) OnMessageInsert(msg store.Message) error {
	return r.onMessage("insert", msg)
}

func (r *Reconciler) OnMessageUpdate(msg store.Message) error {
	return r.onMessage("update", msg)
}

func (r *Reconciler) onMessage(op string, msg store.Message) error {
	if msg.ID == "" || msg.RoomID == "" {
		count("messages", op, "rejected")
		return fmt.Errorf("%w: missing id or room", ErrMalformedMessage)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case msg.RoomID != r.roomID:
		count("messages", op, "foreign_room")
	case r.loading:
		r.queued = append(r.queued, queuedEvent{op: op, msg: msg})
		count("messages", op, "queued")
	case op == "insert":
		r.applyInsert(msg)
	default:
		r.applyUpdate(msg)
	}
	return nil
}

// applyInsert must be called with r.mu held.
func (r *Reconciler) applyInsert(msg store.Message) {
	var outcome insertOutcome
	switch {
	case !msg.IsReply():
		outcome = r.log.ApplyInsert(msg)
	case msg.ParentID() == r.thread:
		outcome = r.threads.AppendReply(msg.ParentID(), msg)
	default:
		count("messages", "insert", "inactive_thread")
		return
	}
	count("messages", "insert", outcome.String())
	if outcome == reconciled && r.reconciled != nil {
		r.reconciled()
	}
	if outcome != duplicate {
		r.changed()
	}
}

// applyUpdate must be called with r.mu held.
func (r *Reconciler) applyUpdate(msg store.Message) {
	var outcome updateOutcome
	if msg.IsReply() {
		outcome = r.threads.ApplyUpdate(msg)
	} else {
		outcome = r.log.ApplyUpdate(msg)
	}
	count("messages", "update", outcome.String())
	if outcome == applied {
		r.changed()
	}
}

func (r *Reconciler) OnPresenceInsert(event presence.Event) error {
	event.Op = presence.OpInsert
	return r.onPresence(event)
}

func (r *Reconciler) OnPresenceDelete(event presence.Event) error {
	event.Op = presence.OpDelete
	return r.onPresence(event)
}

func (r *Reconciler) onPresence(event presence.Event) error {
	r.mu.Lock()
	roomID := r.roomID
	r.mu.Unlock()

	if event.RoomID != roomID {
		count("presence", string(event.Op), "foreign_room")
		return nil
	}
	if err := r.ledger.OnRemotePresenceEvent(event); err != nil {
		count("presence", string(event.Op), "rejected")
		return err
	}
	count("presence", string(event.Op), "applied")
	r.changed()
	return nil
}

func count(stream, op, outcome string) {
	metrics.SyncEvents.WithLabelValues(stream, op, outcome).Inc()
}

// roomHandle owns the subscriptions and presence of one open room.
type roomHandle struct {
	roomID string
	ledger *presence.Ledger
	subs   []io.Closer
}

// subscribe opens the room's message and presence subscriptions. Presence is
// a separate failure domain: if it cannot be subscribed the room still opens
// and the failure is logged.
func (r *Reconciler) subscribe(ctx context.Context, bus EventBus, roomID string) (*roomHandle, error) {
	h := &roomHandle{roomID: roomID, ledger: r.ledger}

	msgs, err := bus.SubscribeMessages(ctx, roomID, r.OnMessageInsert, r.OnMessageUpdate)
	if err != nil {
		return nil, fmt.Errorf("subscribe messages: %w", err)
	}
	h.subs = append(h.subs, msgs)

	pres, err := bus.SubscribePresence(ctx, roomID, r.OnPresenceInsert, r.OnPresenceDelete)
	if err != nil {
		log.Printf("presence: %v", &presence.ChannelError{Op: "subscribe", RoomID: roomID, Err: err})
		return h, nil
	}
	h.subs = append(h.subs, pres)
	return h, nil
}

// release closes the subscriptions and expires the local user's presence in
// the room.
func (h *roomHandle) release(ctx context.Context) {
	for _, sub := range h.subs {
		if err := sub.Close(); err != nil {
			log.Printf("sync: close subscription for %s: %v", h.roomID, err)
		}
	}
	h.subs = nil
	h.ledger.Leave(ctx, h.roomID)
}
