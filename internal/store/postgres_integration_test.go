package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func TestMigrationsRollBackCleanly(t *testing.T) {
	s, ctx := openTestStore(t)

	downs, err := filepath.Glob(filepath.Join(migrationsDir, "*.down.sql"))
	if err != nil {
		t.Fatalf("glob down migrations: %v", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(downs)))
	for _, path := range downs {
		sqlBytes, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if _, err := s.DB().ExecContext(ctx, string(sqlBytes)); err != nil {
			t.Fatalf("apply %s: %v", filepath.Base(path), err)
		}
	}
	if _, err := s.DB().ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, s.DB(), migrationsDir); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}
}

func TestAppendReplyBumpsParentReplyCount(t *testing.T) {
	s, ctx := openTestStore(t)

	root, err := s.AppendMessage(ctx, "room1", "u1", "Ana", "Hello", KindText, Metadata{})
	if err != nil {
		t.Fatalf("append root: %v", err)
	}
	for _, body := range []string{"first", "second"} {
		if _, err := s.AppendMessage(ctx, "room1", "u2", "Ben", body, KindText, Metadata{ParentID: root.ID}); err != nil {
			t.Fatalf("append reply: %v", err)
		}
	}

	roots, err := s.QueryRootMessages(ctx, "room1")
	if err != nil {
		t.Fatalf("query roots: %v", err)
	}
	if len(roots) != 1 || roots[0].ID != root.ID {
		t.Fatalf("expected only the root message, got %+v", roots)
	}
	if roots[0].ReplyCount != 2 {
		t.Fatalf("expected reply count 2, got %d", roots[0].ReplyCount)
	}

	replies, err := s.QueryReplies(ctx, root.ID)
	if err != nil {
		t.Fatalf("query replies: %v", err)
	}
	if len(replies) != 2 || replies[0].Body != "first" || replies[1].Body != "second" {
		t.Fatalf("unexpected replies %+v", replies)
	}
	if replies[0].ParentID() != root.ID {
		t.Fatalf("expected reply metadata to carry parent id, got %q", replies[0].ParentID())
	}
}

func TestAppendReplyToUnknownParentFails(t *testing.T) {
	s, ctx := openTestStore(t)

	_, err := s.AppendMessage(ctx, "room1", "u1", "Ana", "orphan", KindText, Metadata{ParentID: "msg_missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateMessageMarksEditsAndFlags(t *testing.T) {
	s, ctx := openTestStore(t)

	original, err := s.AppendMessage(ctx, "room1", "u1", "Ana", "draft", KindText, Metadata{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	body := "final"
	edited, err := s.UpdateMessage(ctx, original.ID, MessageUpdate{Body: &body})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Body != "final" || !edited.Edited {
		t.Fatalf("expected edited body, got %+v", edited)
	}
	if !edited.UpdatedAt.After(original.UpdatedAt) {
		t.Fatalf("expected updated_at to advance")
	}

	flagged, reason := true, "spam"
	moderated, err := s.UpdateMessage(ctx, original.ID, MessageUpdate{Flagged: &flagged, FlagReason: &reason})
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	if !moderated.Flagged || moderated.FlagReason != "spam" || moderated.Body != "final" {
		t.Fatalf("unexpected flagged message %+v", moderated)
	}

	if _, err := s.UpdateMessage(ctx, "msg_missing", MessageUpdate{Body: &body}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkReadResetsUnreadCount(t *testing.T) {
	s, ctx := openTestStore(t)

	if _, err := s.AppendMessage(ctx, "room1", "u2", "Ben", "ping", KindText, Metadata{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	count, err := s.UnreadCount(ctx, "room1", "u1")
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 unread, got %d", count)
	}

	if err := s.MarkRead(ctx, "room1", "u1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	count, err = s.UnreadCount(ctx, "room1", "u1")
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 unread after mark read, got %d", count)
	}

	state, err := s.GetReadState(ctx, "room1", "u1")
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if state.LastReadAt.IsZero() {
		t.Fatal("expected last_read_at to be recorded")
	}
}
