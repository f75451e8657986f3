package chat

import (
	"context"
	"io"
	"sync"
	"time"

	"crewchat/core/internal/presence"
	"crewchat/core/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func rootMsg(id, roomID, senderID, body string, at time.Time) store.Message {
	return store.Message{
		ID:         id,
		RoomID:     roomID,
		SenderID:   senderID,
		SenderName: senderID,
		Body:       body,
		Kind:       store.KindText,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func replyMsg(id, roomID, parentID, body string, at time.Time) store.Message {
	msg := rootMsg(id, roomID, "u2", body, at)
	msg.Metadata.ParentID = parentID
	return msg
}

type fakePersistence struct {
	mu        sync.Mutex
	reads     []string
	appendF   func(ctx context.Context, roomID, senderID, senderName, body string, kind store.Kind, metadata store.Metadata) (store.Message, error)
	updateF   func(ctx context.Context, messageID string, update store.MessageUpdate) (store.Message, error)
	rootsF    func(ctx context.Context, roomID string) ([]store.Message, error)
	repliesF  func(ctx context.Context, parentID string) ([]store.Message, error)
	markReadF func(ctx context.Context, roomID, userID string) error
}

func (f *fakePersistence) AppendMessage(ctx context.Context, roomID, senderID, senderName, body string, kind store.Kind, metadata store.Metadata) (store.Message, error) {
	if f.appendF != nil {
		return f.appendF(ctx, roomID, senderID, senderName, body, kind, metadata)
	}
	return store.Message{}, nil
}

func (f *fakePersistence) UpdateMessage(ctx context.Context, messageID string, update store.MessageUpdate) (store.Message, error) {
	if f.updateF != nil {
		return f.updateF(ctx, messageID, update)
	}
	return store.Message{}, nil
}

func (f *fakePersistence) QueryRootMessages(ctx context.Context, roomID string) ([]store.Message, error) {
	if f.rootsF != nil {
		return f.rootsF(ctx, roomID)
	}
	return nil, nil
}

func (f *fakePersistence) QueryReplies(ctx context.Context, parentID string) ([]store.Message, error) {
	if f.repliesF != nil {
		return f.repliesF(ctx, parentID)
	}
	return nil, nil
}

func (f *fakePersistence) MarkRead(ctx context.Context, roomID, userID string) error {
	f.mu.Lock()
	f.reads = append(f.reads, roomID+"/"+userID)
	f.mu.Unlock()
	if f.markReadF != nil {
		return f.markReadF(ctx, roomID, userID)
	}
	return nil
}

func (f *fakePersistence) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reads)
}

// fakeBus records subscriptions and keeps the latest handlers so tests can
// deliver events synchronously.
type fakeBus struct {
	mu          sync.Mutex
	history     []string
	presenceErr error

	onInsert         func(store.Message) error
	onUpdate         func(store.Message) error
	onPresenceInsert func(presence.Event) error
	onPresenceDelete func(presence.Event) error
}

type fakeSub struct {
	bus  *fakeBus
	name string
}

func (s *fakeSub) Close() error {
	s.bus.record("close " + s.name)
	return nil
}

func (b *fakeBus) record(entry string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, entry)
}

func (b *fakeBus) SubscribeMessages(_ context.Context, roomID string, onInsert, onUpdate func(store.Message) error) (io.Closer, error) {
	b.record("subscribe messages:" + roomID)
	b.mu.Lock()
	b.onInsert, b.onUpdate = onInsert, onUpdate
	b.mu.Unlock()
	return &fakeSub{bus: b, name: "messages:" + roomID}, nil
}

func (b *fakeBus) SubscribePresence(_ context.Context, roomID string, onInsert, onDelete func(presence.Event) error) (io.Closer, error) {
	if b.presenceErr != nil {
		return nil, b.presenceErr
	}
	b.record("subscribe presence:" + roomID)
	b.mu.Lock()
	b.onPresenceInsert, b.onPresenceDelete = onInsert, onDelete
	b.mu.Unlock()
	return &fakeSub{bus: b, name: "presence:" + roomID}, nil
}

func (b *fakeBus) insert(msg store.Message) error {
	b.mu.Lock()
	fn := b.onInsert
	b.mu.Unlock()
	return fn(msg)
}

func (b *fakeBus) update(msg store.Message) error {
	b.mu.Lock()
	fn := b.onUpdate
	b.mu.Unlock()
	return fn(msg)
}

func (b *fakeBus) typing(event presence.Event) error {
	b.mu.Lock()
	fn := b.onPresenceInsert
	b.mu.Unlock()
	return fn(event)
}

func (b *fakeBus) indexOf(entry string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.history {
		if e == entry {
			return i
		}
	}
	return -1
}

type fakeLease struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeLease) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeLease) Acquire(_ context.Context, roomID, userID, _ string) error {
	f.record("acquire " + roomID + "/" + userID)
	return nil
}

func (f *fakeLease) Renew(_ context.Context, roomID, userID, _ string) error {
	f.record("renew " + roomID + "/" + userID)
	return nil
}

func (f *fakeLease) Expire(_ context.Context, roomID, userID string) error {
	f.record("expire " + roomID + "/" + userID)
	return nil
}

func (f *fakeLease) has(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

type recordingNotifier struct {
	mu   sync.Mutex
	errs []error
}

func (n *recordingNotifier) Notify(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

type testSession struct {
	*Session
	persistence *fakePersistence
	bus         *fakeBus
	lease       *fakeLease
	notifier    *recordingNotifier
}

func newTestSession(persistence *fakePersistence) *testSession {
	bus := &fakeBus{}
	lease := &fakeLease{}
	notifier := &recordingNotifier{}
	ledger := presence.NewLedger(lease, "u1", time.Minute)
	s := NewSession(User{ID: "u1", Name: "Ana"}, persistence, bus, ledger,
		WithNotifier(notifier),
		WithClock(func() time.Time { return t0 }),
	)
	return &testSession{Session: s, persistence: persistence, bus: bus, lease: lease, notifier: notifier}
}

func ids(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
