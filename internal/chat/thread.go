package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"crewchat/core/internal/store"
)

type thread struct {
	replies []Message
}

// ThreadIndex caches the replies of threads the user has opened. At most one
// thread is active; closed threads keep their cache so late updates to their
// replies still apply. It is safe for concurrent use.
type ThreadIndex struct {
	persistence Persistence
	log         *Log
	window      time.Duration

	mu      sync.Mutex
	threads map[string]*thread
	active  string
}

// NewThreadIndex returns an empty index whose parents live in log.
func NewThreadIndex(persistence Persistence, log *Log, window time.Duration) *ThreadIndex {
	if window <= 0 {
		window = DefaultReconcileWindow
	}
	return &ThreadIndex{
		persistence: persistence,
		log:         log,
		window:      window,
		threads:     make(map[string]*thread),
	}
}

// OpenThread fetches the replies of parentID and makes it the active thread.
// The parent's reply count is set to the number of persisted replies.
func (t *ThreadIndex) OpenThread(ctx context.Context, parentID string) error {
	msgs, err := t.persistence.QueryReplies(ctx, parentID)
	if err != nil {
		return &LoadError{ParentID: parentID, Err: err}
	}

	loaded := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ParentID() != parentID {
			continue
		}
		loaded = append(loaded, Message{Message: msg, State: StateConfirmed})
	}
	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].CreatedAt.Before(loaded[j].CreatedAt)
	})

	t.mu.Lock()
	if cached := t.threads[parentID]; cached != nil {
		loaded = carryOver(loaded, cached.replies, t.window)
	}
	t.threads[parentID] = &thread{replies: loaded}
	t.active = parentID
	count := confirmedCount(loaded)
	t.mu.Unlock()

	t.log.setReplies(parentID, count)
	return nil
}

// CloseThread deactivates parentID if it is the active thread.
func (t *ThreadIndex) CloseThread(parentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == parentID {
		t.active = ""
	}
}

// Active returns the active thread's parent id, or "".
func (t *ThreadIndex) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Replies returns a snapshot of the cached replies of parentID.
func (t *ThreadIndex) Replies(parentID string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	if th := t.threads[parentID]; th != nil {
		return append([]Message(nil), th.replies...)
	}
	return nil
}

// AppendPending shows a locally created reply at the end of its thread.
func (t *ThreadIndex) AppendPending(parentID string, msg Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg.State = StatePending
	th := t.thread(parentID)
	th.replies = append(append([]Message(nil), th.replies...), msg)
}

// AppendReply adds a persisted reply to parentID's thread. The parent's reply
// count goes up by one the first time a reply id is seen.
func (t *ThreadIndex) AppendReply(parentID string, msg store.Message) insertOutcome {
	t.mu.Lock()
	th := t.thread(parentID)
	var outcome insertOutcome
	th.replies, outcome = mergeInsert(th.replies, msg, t.window)
	t.mu.Unlock()

	if outcome != duplicate {
		t.log.addReplies(parentID, 1)
	}
	return outcome
}

// ApplyUpdate applies a persisted update to whichever cached thread holds
// the reply.
func (t *ThreadIndex) ApplyUpdate(msg store.Message) updateOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	th := t.threads[msg.ParentID()]
	if th == nil {
		return unknown
	}
	var outcome updateOutcome
	th.replies, outcome = mergeUpdate(th.replies, msg)
	return outcome
}

// Get returns the cached reply with id from any thread.
func (t *ThreadIndex) Get(id string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, th := range t.threads {
		if i := indexOf(th.replies, id); i >= 0 {
			return th.replies[i], true
		}
	}
	return Message{}, false
}

// MarkUnsent records that the durable append of a pending reply failed.
func (t *ThreadIndex) MarkUnsent(id string) bool {
	return t.update(id, func(m *Message) { m.State = StateUnsent })
}

// MarkFlagged flags a cached reply locally ahead of the durable write.
func (t *ThreadIndex) MarkFlagged(id, reason string) bool {
	return t.update(id, func(m *Message) { markFlagged(m, reason) })
}

// takeUnsentFlags returns the confirmed replies whose flag was applied while
// they were pending and clears that marker.
func (t *ThreadIndex) takeUnsentFlags() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var owed []Message
	for _, th := range t.threads {
		var taken []Message
		th.replies, taken = takeUnsentFlags(th.replies)
		owed = append(owed, taken...)
	}
	return owed
}

// Reset forgets every cached thread, for a room switch.
func (t *ThreadIndex) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threads = make(map[string]*thread)
	t.active = ""
}

func (t *ThreadIndex) update(id string, fn func(*Message)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, th := range t.threads {
		var ok bool
		if th.replies, ok = withEntry(th.replies, id, fn); ok {
			return true
		}
	}
	return false
}

// thread must be called with t.mu held.
func (t *ThreadIndex) thread(parentID string) *thread {
	th := t.threads[parentID]
	if th == nil {
		th = &thread{}
		t.threads[parentID] = th
	}
	return th
}

func confirmedCount(entries []Message) int {
	n := 0
	for _, entry := range entries {
		if entry.State == StateConfirmed {
			n++
		}
	}
	return n
}
