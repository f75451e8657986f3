// Package presence tracks who is typing in a room.
//
// Typing is a lease: the local user acquires it on the first keystroke, renews
// it while typing continues and lets it expire after a short idle period.
// Remote records older than the timeout are treated as absent whether or not
// a removal event was ever received.
package presence

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"crewchat/core/internal/metrics"
)

// DefaultTimeout is the idle period after which a typing lease expires.
const DefaultTimeout = 3 * time.Second

// Lease is the backend that publishes typing state to other clients.
type Lease interface {
	Acquire(ctx context.Context, roomID, userID, userName string) error
	Renew(ctx context.Context, roomID, userID, userName string) error
	Expire(ctx context.Context, roomID, userID string) error
}

// Record is one remote user's typing state.
type Record struct {
	UserID       string
	UserName     string
	LastActivity time.Time
}

type localLease struct {
	roomID   string
	userID   string
	userName string
	timer    *time.Timer
	gen      uint64
	renewals *rate.Limiter
}

// Ledger owns the local user's typing leases and the view of who else is
// typing. It is safe for concurrent use.
type Ledger struct {
	lease   Lease
	selfID  string
	timeout time.Duration
	now     func() time.Time

	// emits orders the lease calls of one room and user. It is taken
	// before mu.
	emits keyLocks

	mu     sync.Mutex
	local  map[string]*localLease
	remote map[string]map[string]Record
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyLocks is a set of mutexes created on demand and dropped once unused.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.held == nil {
		k.held = make(map[string]*keyLock)
	}
	kl := k.held[key]
	if kl == nil {
		kl = &keyLock{}
		k.held[key] = kl
	}
	kl.refs++
	k.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		k.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}

type Option func(*Ledger)

// WithClock overrides the clock used to age remote records.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger returns a ledger for the local user selfID. A non-positive
// timeout selects DefaultTimeout.
func NewLedger(lease Lease, selfID string, timeout time.Duration, opts ...Option) *Ledger {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	l := &Ledger{
		lease:   lease,
		selfID:  selfID,
		timeout: timeout,
		now:     time.Now,
		local:   make(map[string]*localLease),
		remote:  make(map[string]map[string]Record),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func leaseKey(roomID, userID string) string {
	return roomID + "\x00" + userID
}

// NotifyLocalTyping records a keystroke. The first call acquires the lease;
// later calls renew it at a bounded rate. Every call restarts the idle timer.
// Lease calls for one room and user reach the backend in the order the state
// changed.
func (l *Ledger) NotifyLocalTyping(ctx context.Context, roomID, userID, userName string) {
	key := leaseKey(roomID, userID)
	unlock := l.emits.lock(key)
	defer unlock()

	l.mu.Lock()
	entry, typing := l.local[key]
	if !typing {
		entry = &localLease{
			roomID:   roomID,
			userID:   userID,
			userName: userName,
			renewals: rate.NewLimiter(rate.Every(l.timeout/3), 1),
		}
		entry.renewals.Allow()
		l.local[key] = entry
	} else {
		entry.timer.Stop()
	}
	entry.gen++
	gen := entry.gen
	entry.timer = time.AfterFunc(l.timeout, func() { l.expire(key, entry, gen) })
	renew := typing && entry.renewals.Allow()
	l.mu.Unlock()

	switch {
	case !typing:
		l.emit("acquire", roomID, userID, l.lease.Acquire(ctx, roomID, userID, userName))
	case renew:
		l.emit("renew", roomID, userID, l.lease.Renew(ctx, roomID, userID, userName))
	}
}

// expire runs when the idle timer fires. entry and gen guard against a timer
// that fired after the lease was released or restarted.
func (l *Ledger) expire(key string, entry *localLease, gen uint64) {
	unlock := l.emits.lock(key)
	defer unlock()

	l.mu.Lock()
	if l.local[key] != entry || entry.gen != gen {
		l.mu.Unlock()
		return
	}
	delete(l.local, key)
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.emit("expire", entry.roomID, entry.userID, l.lease.Expire(ctx, entry.roomID, entry.userID))
}

// Leave force-expires every local lease in roomID and forgets the room's
// remote records.
func (l *Ledger) Leave(ctx context.Context, roomID string) {
	l.mu.Lock()
	keys := make([]string, 0, 1)
	for key, entry := range l.local {
		if entry.roomID == roomID {
			keys = append(keys, key)
		}
	}
	delete(l.remote, roomID)
	l.mu.Unlock()

	for _, key := range keys {
		l.release(ctx, key)
	}
}

// release expires the lease under key if it is still held.
func (l *Ledger) release(ctx context.Context, key string) {
	unlock := l.emits.lock(key)
	defer unlock()

	l.mu.Lock()
	entry, ok := l.local[key]
	if ok {
		entry.timer.Stop()
		delete(l.local, key)
	}
	l.mu.Unlock()

	if ok {
		l.emit("expire", entry.roomID, entry.userID, l.lease.Expire(ctx, entry.roomID, entry.userID))
	}
}

// Close releases every local lease.
func (l *Ledger) Close(ctx context.Context) {
	l.mu.Lock()
	rooms := make(map[string]struct{}, len(l.local))
	for _, entry := range l.local {
		rooms[entry.roomID] = struct{}{}
	}
	l.mu.Unlock()

	for roomID := range rooms {
		l.Leave(ctx, roomID)
	}
}

// OnRemotePresenceEvent applies a presence change delivered by the event
// channel. Events about the local user are ignored.
func (l *Ledger) OnRemotePresenceEvent(event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.UserID == l.selfID {
		return nil
	}

	// Leases are aged by local receipt time so sender clock skew cannot
	// expire a record early.
	l.apply(event, l.now())
	return nil
}

// apply never moves a record's last activity backwards.
func (l *Ledger) apply(event Event, at time.Time) {
	l.mu.Lock()
	switch event.Op {
	case OpInsert:
		room := l.remote[event.RoomID]
		if room == nil {
			room = make(map[string]Record)
			l.remote[event.RoomID] = room
		}
		if held, ok := room[event.UserID]; ok && held.LastActivity.After(at) {
			at = held.LastActivity
		}
		room[event.UserID] = Record{UserID: event.UserID, UserName: event.UserName, LastActivity: at}
	case OpDelete:
		delete(l.remote[event.RoomID], event.UserID)
	}
	l.mu.Unlock()
}

type activeLister interface {
	Active(ctx context.Context, roomID string) ([]Record, error)
}

// Seed loads the leases already held in roomID when the backend can list
// them. Backends that cannot are skipped; the view fills in from events.
// Seeded records keep their stored last activity, so a lease idle for longer
// than the timeout is not shown.
func (l *Ledger) Seed(ctx context.Context, roomID string) {
	lister, ok := l.lease.(activeLister)
	if !ok {
		return
	}
	records, err := lister.Active(ctx, roomID)
	if err != nil {
		l.emit("seed", roomID, l.selfID, err)
		return
	}
	now := l.now()
	cutoff := now.Add(-l.timeout)
	for _, record := range records {
		event := Event{Op: OpInsert, RoomID: roomID, UserID: record.UserID, UserName: record.UserName}
		if event.Validate() != nil || record.UserID == l.selfID {
			continue
		}
		at := record.LastActivity
		switch {
		case at.IsZero() || at.After(now):
			at = now
		case !at.After(cutoff):
			continue
		}
		l.apply(event, at)
	}
}

// Typing returns the other users typing in roomID, ordered by name. Records
// past the timeout are dropped.
func (l *Ledger) Typing(roomID string) []Record {
	cutoff := l.now().Add(-l.timeout)

	l.mu.Lock()
	defer l.mu.Unlock()
	room := l.remote[roomID]
	records := make([]Record, 0, len(room))
	for userID, record := range room {
		if !record.LastActivity.After(cutoff) {
			delete(room, userID)
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].UserName == records[j].UserName {
			return records[i].UserID < records[j].UserID
		}
		return records[i].UserName < records[j].UserName
	})
	return records
}

func (l *Ledger) emit(op, roomID, userID string, err error) {
	metrics.PresenceEmits.WithLabelValues(op, metrics.Result(err)).Inc()
	if err != nil {
		log.Printf("presence: %v", &ChannelError{Op: op, RoomID: roomID, UserID: userID, Err: err})
	}
}
