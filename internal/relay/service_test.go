package relay

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"crewchat/core/internal/realtime"
	"crewchat/core/internal/store"
)

type fakeStore struct {
	appendF func(ctx context.Context, roomID, senderID, senderName, body string, kind store.Kind, metadata store.Metadata) (store.Message, error)
	updateF func(ctx context.Context, messageID string, update store.MessageUpdate) (store.Message, error)
	getF    func(ctx context.Context, messageID string) (store.Message, error)
}

func (f *fakeStore) AppendMessage(ctx context.Context, roomID, senderID, senderName, body string, kind store.Kind, metadata store.Metadata) (store.Message, error) {
	return f.appendF(ctx, roomID, senderID, senderName, body, kind, metadata)
}

func (f *fakeStore) UpdateMessage(ctx context.Context, messageID string, update store.MessageUpdate) (store.Message, error) {
	return f.updateF(ctx, messageID, update)
}

func (f *fakeStore) GetMessage(ctx context.Context, messageID string) (store.Message, error) {
	if f.getF != nil {
		return f.getF(ctx, messageID)
	}
	return store.Message{}, store.ErrNotFound
}

func (f *fakeStore) QueryRootMessages(context.Context, string) ([]store.Message, error) {
	return nil, nil
}

func (f *fakeStore) QueryReplies(context.Context, string) ([]store.Message, error) {
	return nil, nil
}

func (f *fakeStore) MarkRead(context.Context, string, string) error {
	return nil
}

type published struct {
	op realtime.MessageOp
	id string
}

type fakePublisher struct {
	events []published
	err    error
}

func (p *fakePublisher) PublishMessage(_ context.Context, op realtime.MessageOp, msg store.Message) error {
	p.events = append(p.events, published{op: op, id: msg.ID})
	return p.err
}

type fakeIndexer struct {
	ids []string
}

func (i *fakeIndexer) IndexMessage(msg store.Message) {
	i.ids = append(i.ids, msg.ID)
}

func TestAppendPublishesAndIndexes(t *testing.T) {
	st := &fakeStore{
		appendF: func(_ context.Context, roomID, senderID, _, body string, kind store.Kind, metadata store.Metadata) (store.Message, error) {
			return store.Message{ID: "msg_1", RoomID: roomID, SenderID: senderID, Body: body, Kind: kind, Metadata: metadata}, nil
		},
	}
	publisher := &fakePublisher{}
	indexer := &fakeIndexer{}
	svc := NewService(st, publisher, indexer)

	msg, err := svc.AppendMessage(context.Background(), "room1", "u1", "Ana", "hi", store.KindText, store.Metadata{})
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if msg.ID != "msg_1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if want := []published{{op: realtime.OpInsert, id: "msg_1"}}; !reflect.DeepEqual(publisher.events, want) {
		t.Fatalf("expected %v, got %v", want, publisher.events)
	}
	if !reflect.DeepEqual(indexer.ids, []string{"msg_1"}) {
		t.Fatalf("expected message indexed, got %v", indexer.ids)
	}
}

func TestAppendReplyRepublishesParent(t *testing.T) {
	st := &fakeStore{
		appendF: func(_ context.Context, roomID, _, _, body string, kind store.Kind, metadata store.Metadata) (store.Message, error) {
			return store.Message{ID: "msg_r", RoomID: roomID, Body: body, Kind: kind, Metadata: metadata}, nil
		},
		getF: func(_ context.Context, id string) (store.Message, error) {
			return store.Message{ID: id, RoomID: "room1", ReplyCount: 4}, nil
		},
	}
	publisher := &fakePublisher{}
	svc := NewService(st, publisher, nil)

	if _, err := svc.AppendMessage(context.Background(), "room1", "u1", "Ana", "yes", store.KindText, store.Metadata{ParentID: "msg_p"}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	want := []published{{op: realtime.OpInsert, id: "msg_r"}, {op: realtime.OpUpdate, id: "msg_p"}}
	if !reflect.DeepEqual(publisher.events, want) {
		t.Fatalf("expected %v, got %v", want, publisher.events)
	}
}

func TestStoreFailureIsReturnedWithoutPublishing(t *testing.T) {
	st := &fakeStore{
		appendF: func(context.Context, string, string, string, string, store.Kind, store.Metadata) (store.Message, error) {
			return store.Message{}, errors.New("insert failed")
		},
		updateF: func(context.Context, string, store.MessageUpdate) (store.Message, error) {
			return store.Message{}, store.ErrNotFound
		},
	}
	publisher := &fakePublisher{}
	svc := NewService(st, publisher, nil)
	ctx := context.Background()

	if _, err := svc.AppendMessage(ctx, "room1", "u1", "Ana", "hi", store.KindText, store.Metadata{}); err == nil {
		t.Fatal("expected append error")
	}
	body := "x"
	if _, err := svc.UpdateMessage(ctx, "msg_404", store.MessageUpdate{Body: &body}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(publisher.events) != 0 {
		t.Fatalf("expected nothing published, got %v", publisher.events)
	}
}

func TestPublishFailureDoesNotFailWrite(t *testing.T) {
	st := &fakeStore{
		updateF: func(_ context.Context, id string, _ store.MessageUpdate) (store.Message, error) {
			return store.Message{ID: id, RoomID: "room1", Flagged: true}, nil
		},
	}
	publisher := &fakePublisher{err: errors.New("redis down")}
	svc := NewService(st, publisher, nil)

	flagged := true
	msg, err := svc.UpdateMessage(context.Background(), "msg_1", store.MessageUpdate{Flagged: &flagged})
	if err != nil {
		t.Fatalf("UpdateMessage failed: %v", err)
	}
	if !msg.Flagged {
		t.Fatalf("expected canonical row returned, got %+v", msg)
	}
}
