package chat

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"crewchat/core/internal/metrics"
	"crewchat/core/internal/store"
)

// Log is the ordered list of root messages of the open room. Thread replies
// never appear in it. It is safe for concurrent use.
type Log struct {
	persistence Persistence
	window      time.Duration

	mu      sync.Mutex
	roomID  string
	entries []Message
}

// NewLog returns an empty log. A non-positive window selects
// DefaultReconcileWindow.
func NewLog(persistence Persistence, window time.Duration) *Log {
	if window <= 0 {
		window = DefaultReconcileWindow
	}
	return &Log{persistence: persistence, window: window}
}

// LoadRoom replaces the log with the root messages of roomID. On error the
// log is left untouched. Unconfirmed messages of the same room survive a
// reload.
func (l *Log) LoadRoom(ctx context.Context, roomID string) error {
	msgs, err := l.persistence.QueryRootMessages(ctx, roomID)
	if err != nil {
		return &LoadError{RoomID: roomID, Err: err}
	}

	loaded := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.IsReply() || msg.RoomID != roomID {
			continue
		}
		loaded = append(loaded, Message{Message: msg, State: StateConfirmed})
	}
	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].CreatedAt.Before(loaded[j].CreatedAt)
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.roomID == roomID {
		loaded = carryOver(loaded, l.entries, l.window)
	}
	l.roomID = roomID
	l.entries = loaded
	l.updatePendingGauge()
	return nil
}

// RoomID returns the loaded room, or "" before the first load.
func (l *Log) RoomID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roomID
}

// Messages returns a snapshot of the log in creation order.
func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.entries...)
}

// Get returns the entry with id.
func (l *Log) Get(id string) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := indexOf(l.entries, id); i >= 0 {
		return l.entries[i], true
	}
	return Message{}, false
}

// AppendPending shows a locally created message at the end of the log.
func (l *Log) AppendPending(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg.State = StatePending
	l.entries = append(append([]Message(nil), l.entries...), msg)
	l.updatePendingGauge()
}

// ApplyInsert adds a persisted root message, reconciling it with a pending
// entry when one matches.
func (l *Log) ApplyInsert(msg store.Message) insertOutcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	var outcome insertOutcome
	l.entries, outcome = mergeInsert(l.entries, msg, l.window)
	l.updatePendingGauge()
	return outcome
}

// ApplyUpdate replaces a held message with its newer persisted version.
func (l *Log) ApplyUpdate(msg store.Message) updateOutcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	var outcome updateOutcome
	l.entries, outcome = mergeUpdate(l.entries, msg)
	return outcome
}

// MarkUnsent records that the durable append of a pending entry failed.
func (l *Log) MarkUnsent(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ok bool
	l.entries, ok = withEntry(l.entries, id, func(m *Message) { m.State = StateUnsent })
	l.updatePendingGauge()
	return ok
}

// MarkFlagged flags an entry locally ahead of the durable write.
func (l *Log) MarkFlagged(id, reason string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ok bool
	l.entries, ok = withEntry(l.entries, id, func(m *Message) { markFlagged(m, reason) })
	return ok
}

// takeUnsentFlags returns the confirmed entries whose flag was applied while
// they were pending and clears that marker.
func (l *Log) takeUnsentFlags() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var owed []Message
	l.entries, owed = takeUnsentFlags(l.entries)
	return owed
}

// addReplies adjusts a root's reply count by delta.
func (l *Log) addReplies(parentID string, delta int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries, _ = withEntry(l.entries, parentID, func(m *Message) { m.ReplyCount += delta })
}

// setReplies sets a root's reply count after its replies were fetched.
func (l *Log) setReplies(parentID string, count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries, _ = withEntry(l.entries, parentID, func(m *Message) { m.ReplyCount = count })
}

// MarkRoomRead records that userID has read roomID. Failures are logged and
// not returned.
func (l *Log) MarkRoomRead(ctx context.Context, roomID, userID string) {
	err := l.persistence.MarkRead(ctx, roomID, userID)
	metrics.DurableWrites.WithLabelValues("mark_read", metrics.Result(err)).Inc()
	if err != nil {
		log.Printf("chat: mark %s read for %s: %v", roomID, userID, err)
	}
}

// updatePendingGauge must be called with l.mu held.
func (l *Log) updatePendingGauge() {
	n := 0
	for _, entry := range l.entries {
		if entry.State == StatePending {
			n++
		}
	}
	metrics.PendingMessages.Set(float64(n))
}
