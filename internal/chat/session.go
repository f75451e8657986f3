package chat

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"crewchat/core/internal/metrics"
	"crewchat/core/internal/presence"
	"crewchat/core/internal/refparse"
	"crewchat/core/internal/store"
	"crewchat/core/internal/util"
)

const (
	audioBody = "[audio]"
	fileBody  = "[file]"

	backgroundTimeout = 30 * time.Second
)

// Session is one user's live view of one room at a time. It starts every
// durable write; the reconciler applies what other clients wrote. No lock is
// held across network calls.
type Session struct {
	user        User
	persistence Persistence
	bus         EventBus
	ledger      *presence.Ledger
	notifier    Notifier
	now         func() time.Time
	window      time.Duration

	log        *Log
	threads    *ThreadIndex
	reconciler *Reconciler
	changes    chan struct{}
	background sync.WaitGroup

	// openMu serializes room switches and Close.
	openMu sync.Mutex
	mu     sync.Mutex
	handle *roomHandle
}

type Option func(*Session)

// WithReconcileWindow sets how far apart a pending message and its persisted
// counterpart may have been created.
func WithReconcileWindow(window time.Duration) Option {
	return func(s *Session) { s.window = window }
}

// WithNotifier sets where durable-write failures are reported. The default
// logs them.
func WithNotifier(n Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

// WithClock overrides the clock used to timestamp pending messages.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func NewSession(user User, persistence Persistence, bus EventBus, ledger *presence.Ledger, opts ...Option) *Session {
	s := &Session{
		user:        user,
		persistence: persistence,
		bus:         bus,
		ledger:      ledger,
		now:         time.Now,
		window:      DefaultReconcileWindow,
		changes:     make(chan struct{}, 1),
	}
	s.notifier = NotifierFunc(func(err error) { log.Printf("chat: %v", err) })
	for _, opt := range opts {
		opt(s)
	}
	s.log = NewLog(persistence, s.window)
	s.threads = NewThreadIndex(persistence, s.log, s.window)
	s.reconciler = NewReconciler(s.log, s.threads, ledger, s.changed)
	s.reconciler.reconciled = s.flushFlags
	return s
}

// OpenRoom switches the session to roomID. The previous room's subscriptions
// and presence are released first. On a LoadError the previous messages
// stay visible but no room is open.
func (s *Session) OpenRoom(ctx context.Context, roomID string) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.releaseRoom(ctx)

	s.reconciler.target(roomID)
	handle, err := s.reconciler.subscribe(ctx, s.bus, roomID)
	if err != nil {
		s.reconciler.target("")
		return &LoadError{RoomID: roomID, Err: err}
	}
	prevRoom := s.log.RoomID()
	if err := s.log.LoadRoom(ctx, roomID); err != nil {
		handle.release(ctx)
		s.reconciler.target("")
		return err
	}
	if prevRoom != roomID {
		s.threads.Reset()
	} else {
		s.threads.CloseThread(s.threads.Active())
	}
	s.reconciler.ready()
	s.flushFlags()
	s.ledger.Seed(ctx, roomID)

	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	s.goBackground(func(ctx context.Context) {
		s.log.MarkRoomRead(ctx, roomID, s.user.ID)
	})
	s.changed()
	return nil
}

func (s *Session) releaseRoom(ctx context.Context) {
	s.mu.Lock()
	prev := s.handle
	s.handle = nil
	s.mu.Unlock()
	if prev != nil {
		prev.release(ctx)
	}
}

// SendText posts body to roomID, or to the thread of parentID when set. The
// message is shown as pending at once. When the durable append fails it is
// kept as unsent, the failure is reported to the notifier and a SendError is
// returned.
func (s *Session) SendText(ctx context.Context, roomID, body, parentID string) (Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Message{}, ErrEmptyBody
	}
	return s.send(ctx, roomID, store.KindText, body, store.Metadata{References: refparse.Parse(body)}, parentID)
}

// SendAudio posts an uploaded audio clip.
func (s *Session) SendAudio(ctx context.Context, roomID, fileURL, fileName, parentID string) (Message, error) {
	return s.sendFile(ctx, roomID, store.KindAudio, audioBody, fileURL, fileName, parentID)
}

// SendFile posts an uploaded file.
func (s *Session) SendFile(ctx context.Context, roomID, fileURL, fileName, parentID string) (Message, error) {
	return s.sendFile(ctx, roomID, store.KindFile, fileBody, fileURL, fileName, parentID)
}

func (s *Session) sendFile(ctx context.Context, roomID string, kind store.Kind, body, fileURL, fileName, parentID string) (Message, error) {
	if strings.TrimSpace(fileURL) == "" {
		return Message{}, ErrMissingFile
	}
	return s.send(ctx, roomID, kind, body, store.Metadata{FileURL: fileURL, FileName: fileName}, parentID)
}

func (s *Session) send(ctx context.Context, roomID string, kind store.Kind, body string, metadata store.Metadata, parentID string) (Message, error) {
	if roomID == "" || roomID != s.Room() {
		return Message{}, ErrRoomNotOpen
	}
	metadata.ParentID = parentID

	now := s.now().UTC()
	msg := Message{
		Message: store.Message{
			ID:         util.NewPendingID(),
			RoomID:     roomID,
			SenderID:   s.user.ID,
			SenderName: s.user.Name,
			Body:       body,
			Kind:       kind,
			Metadata:   metadata,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		State: StatePending,
	}
	if parentID != "" {
		s.threads.AppendPending(parentID, msg)
	} else {
		s.log.AppendPending(msg)
	}
	s.changed()

	// The persisted message reaches the log through the reconciler.
	_, err := s.persistence.AppendMessage(ctx, roomID, s.user.ID, s.user.Name, body, kind, metadata)
	metrics.DurableWrites.WithLabelValues("append", metrics.Result(err)).Inc()
	if err == nil {
		return msg, nil
	}

	if parentID != "" {
		s.threads.MarkUnsent(msg.ID)
	} else {
		s.log.MarkUnsent(msg.ID)
	}
	msg.State = StateUnsent
	s.changed()

	sendErr := &SendError{RoomID: roomID, PendingID: msg.ID, Err: err}
	s.notifier.Notify(sendErr)
	return msg, sendErr
}

// EditMessage replaces the body of a persisted message. On success the
// stored version is applied at once; on failure the previous body is kept
// and an EditError is returned.
func (s *Session) EditMessage(ctx context.Context, messageID, body string) (Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Message{}, ErrEmptyBody
	}
	held, ok := s.lookup(messageID)
	if !ok || held.State != StateConfirmed {
		return Message{}, ErrUnknownMessage
	}

	updated, err := s.persistence.UpdateMessage(ctx, messageID, store.MessageUpdate{Body: &body})
	metrics.DurableWrites.WithLabelValues("edit", metrics.Result(err)).Inc()
	if err != nil {
		editErr := &EditError{MessageID: messageID, Err: err}
		s.notifier.Notify(editErr)
		return held, editErr
	}

	s.applyCanonical(updated)
	s.changed()
	return Message{Message: updated, State: StateConfirmed}, nil
}

// FlagMessage flags a message locally and persists the flag in the
// background. A failed durable flag is logged; the local flag stays. A
// message that is still pending is flagged durably once its persisted
// counterpart arrives.
func (s *Session) FlagMessage(ctx context.Context, messageID, reason string) error {
	if !s.log.MarkFlagged(messageID, reason) && !s.threads.MarkFlagged(messageID, reason) {
		return ErrUnknownMessage
	}
	s.changed()

	if util.IsPendingID(messageID) {
		log.Printf("chat: flag on %s deferred until it is persisted", messageID)
		return nil
	}
	s.persistFlag(messageID, reason)
	return nil
}

// flushFlags writes the flags applied to messages before they were
// persisted.
func (s *Session) flushFlags() {
	owed := append(s.log.takeUnsentFlags(), s.threads.takeUnsentFlags()...)
	for _, msg := range owed {
		s.persistFlag(msg.ID, msg.FlagReason)
	}
}

func (s *Session) persistFlag(messageID, reason string) {
	flagged := true
	s.goBackground(func(ctx context.Context) {
		_, err := s.persistence.UpdateMessage(ctx, messageID, store.MessageUpdate{Flagged: &flagged, FlagReason: &reason})
		metrics.DurableWrites.WithLabelValues("flag", metrics.Result(err)).Inc()
		if err != nil {
			log.Printf("chat: flag message %s: %v", messageID, err)
		}
	})
}

// OpenThread loads the replies of parentID and routes its new replies to the
// thread. On error the previously open thread stays active.
func (s *Session) OpenThread(ctx context.Context, parentID string) error {
	if s.Room() == "" {
		return ErrRoomNotOpen
	}
	prev := s.threads.Active()
	s.reconciler.routeThread(parentID)
	if err := s.threads.OpenThread(ctx, parentID); err != nil {
		s.reconciler.routeThread(prev)
		return err
	}
	s.flushFlags()
	s.changed()
	return nil
}

// CloseThread stops live routing for parentID. Its cached replies are kept.
func (s *Session) CloseThread(parentID string) {
	s.threads.CloseThread(parentID)
	s.reconciler.unrouteThread(parentID)
	s.changed()
}

// NotifyTyping records a keystroke by the local user in the open room.
func (s *Session) NotifyTyping(ctx context.Context) error {
	roomID := s.Room()
	if roomID == "" {
		return ErrRoomNotOpen
	}
	s.ledger.NotifyLocalTyping(ctx, roomID, s.user.ID, s.user.Name)
	return nil
}

// Room returns the open room, or "".
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return ""
	}
	return s.handle.roomID
}

// Messages returns the root messages of the room in creation order.
func (s *Session) Messages() []Message {
	return s.log.Messages()
}

// ActiveThread returns the parent id of the open thread, or "".
func (s *Session) ActiveThread() string {
	return s.threads.Active()
}

// ThreadReplies returns the replies of the open thread.
func (s *Session) ThreadReplies() []Message {
	parentID := s.threads.Active()
	if parentID == "" {
		return nil
	}
	return s.threads.Replies(parentID)
}

// TypingUsers returns the other users typing in the open room.
func (s *Session) TypingUsers() []presence.Record {
	roomID := s.Room()
	if roomID == "" {
		return nil
	}
	return s.ledger.Typing(roomID)
}

// Changes signals after the visible state changed. Signals are coalesced:
// a receiver should re-read the accessors, not count signals.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

// Close releases the open room, expires the local user's presence and waits
// for background writes to finish.
func (s *Session) Close(ctx context.Context) {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.releaseRoom(ctx)
	s.reconciler.target("")
	s.ledger.Close(ctx)
	s.background.Wait()
}

func (s *Session) changed() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Session) lookup(id string) (Message, bool) {
	if msg, ok := s.log.Get(id); ok {
		return msg, true
	}
	return s.threads.Get(id)
}

func (s *Session) applyCanonical(msg store.Message) {
	if msg.IsReply() {
		s.threads.ApplyUpdate(msg)
		return
	}
	s.log.ApplyUpdate(msg)
}

func (s *Session) goBackground(fn func(ctx context.Context)) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}
