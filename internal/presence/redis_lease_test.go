package presence

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) PublishPresence(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// advance moves both the lease clock and miniredis' TTL clock.
func (c *testClock) advance(s *miniredis.Miniredis, d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	s.FastForward(d)
}

func setupTestLease(t *testing.T, publisher Publisher) (*RedisLease, *miniredis.Miniredis, *testClock) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	lease := NewRedisLease(client, publisher, 6*time.Second)
	lease.now = clock.Now
	return lease, s, clock
}

func TestAcquireStoresLeaseWithTTL(t *testing.T) {
	publisher := &recordingPublisher{}
	lease, s, _ := setupTestLease(t, publisher)
	ctx := context.Background()

	if err := lease.Acquire(ctx, "room1", "u1", "Ana"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	key := "crewchat:presence:room1"
	if s.HGet(key, "u1") == "" {
		t.Fatalf("expected field u1 in %s", key)
	}
	if ttl := s.TTL(key); ttl != 6*time.Second {
		t.Errorf("expected ttl 6s, got %v", ttl)
	}
	if len(publisher.events) != 1 || publisher.events[0].Op != OpInsert || publisher.events[0].UserName != "Ana" {
		t.Fatalf("expected one insert event, got %+v", publisher.events)
	}
}

func TestLeaseLapsesWithoutRenewal(t *testing.T) {
	lease, s, clock := setupTestLease(t, nil)
	ctx := context.Background()

	if err := lease.Acquire(ctx, "room1", "u1", "Ana"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	clock.advance(s, 4*time.Second)
	if err := lease.Renew(ctx, "room1", "u1", "Ana"); err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	clock.advance(s, 4*time.Second)

	active, err := lease.Active(ctx, "room1")
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if len(active) != 1 || !active[0].LastActivity.Equal(clock.Now().Add(-4*time.Second)) {
		t.Fatalf("expected renewed lease with its renewal time, got %+v", active)
	}

	clock.advance(s, 3*time.Second)
	active, err = lease.Active(ctx, "room1")
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected lease to lapse, got %+v", active)
	}
}

func TestIdleLeaseLapsesWhileRoomStaysBusy(t *testing.T) {
	lease, s, clock := setupTestLease(t, nil)
	ctx := context.Background()

	if err := lease.Acquire(ctx, "room1", "u1", "Ana"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	clock.advance(s, 5*time.Second)
	if err := lease.Acquire(ctx, "room1", "u2", "Ben"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	clock.advance(s, 2*time.Second)

	active, err := lease.Active(ctx, "room1")
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if len(active) != 1 || active[0].UserID != "u2" {
		t.Fatalf("expected only Ben active, got %+v", active)
	}
	if s.HGet("crewchat:presence:room1", "u1") != "" {
		t.Fatal("expected lapsed field to be removed")
	}
}

func TestExpireDeletesAndPublishes(t *testing.T) {
	publisher := &recordingPublisher{}
	lease, _, _ := setupTestLease(t, publisher)
	ctx := context.Background()

	if err := lease.Acquire(ctx, "room1", "u1", "Ana"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := lease.Expire(ctx, "room1", "u1"); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	active, err := lease.Active(ctx, "room1")
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected lease to be deleted, got %+v", active)
	}
	if len(publisher.events) != 2 || publisher.events[1].Op != OpDelete {
		t.Fatalf("expected insert then delete, got %+v", publisher.events)
	}

	// Expiring an absent lease is not an error.
	if err := lease.Expire(ctx, "room1", "u1"); err != nil {
		t.Fatalf("Expire of absent lease failed: %v", err)
	}
}

func TestActiveIsScopedToRoom(t *testing.T) {
	lease, _, _ := setupTestLease(t, nil)
	ctx := context.Background()

	leases := [][3]string{
		{"room1", "u2", "Ben"},
		{"room1", "u1", "Ana"},
		{"room2", "u3", "Cleo"},
		{"depot", "u1", "Ana"},
		{"depot:night", "u9", "Zed"},
		{"crew*", "u5", "Eve"},
		{"crewA", "u6", "Finn"},
		{"crew[AB]", "u7", "Gus"},
	}
	for _, args := range leases {
		if err := lease.Acquire(ctx, args[0], args[1], args[2]); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
	}

	tests := []struct {
		roomID string
		want   []string
	}{
		{roomID: "room1", want: []string{"u1", "u2"}},
		{roomID: "depot", want: []string{"u1"}},
		{roomID: "depot:night", want: []string{"u9"}},
		{roomID: "crew*", want: []string{"u5"}},
		{roomID: "crew?", want: []string{}},
		{roomID: "crew[AB]", want: []string{"u7"}},
	}
	for _, tt := range tests {
		active, err := lease.Active(ctx, tt.roomID)
		if err != nil {
			t.Fatalf("Active(%q) failed: %v", tt.roomID, err)
		}
		got := make([]string, 0, len(active))
		for _, record := range active {
			got = append(got, record.UserID)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Active(%q) = %v, want %v", tt.roomID, got, tt.want)
		}
	}
}

func TestPublishFailureIsReported(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("channel closed")}
	lease, _, _ := setupTestLease(t, publisher)

	err := lease.Acquire(context.Background(), "room1", "u1", "Ana")
	if err == nil {
		t.Fatal("expected publish failure to surface")
	}
}
