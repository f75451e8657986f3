package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher fans presence events out to subscribers of a room.
type Publisher interface {
	PublishPresence(ctx context.Context, event Event) error
}

type leaseData struct {
	UserName string    `json:"user_name"`
	At       time.Time `json:"at"`
}

// RedisLease stores the typing leases of a room as fields of one Redis hash,
// keyed by user id, and announces acquire/renew/expire on the presence
// channel. Each field carries its last activity; the hash TTL is a
// server-side backstop for clients that vanish without expiring their lease.
type RedisLease struct {
	client    *redis.Client
	publisher Publisher
	prefix    string
	ttl       time.Duration
	now       func() time.Time
}

// NewRedisLease creates a lease backend. ttl should exceed the ledger timeout.
func NewRedisLease(client *redis.Client, publisher Publisher, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 2 * DefaultTimeout
	}
	return &RedisLease{
		client:    client,
		publisher: publisher,
		prefix:    "crewchat:presence:",
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *RedisLease) roomKey(roomID string) string {
	return s.prefix + roomID
}

// Acquire upserts the lease for userID in roomID.
func (s *RedisLease) Acquire(ctx context.Context, roomID, userID, userName string) error {
	return s.put(ctx, roomID, userID, userName)
}

// Renew extends the lease and re-announces it so observers refresh their
// last-activity timestamp.
func (s *RedisLease) Renew(ctx context.Context, roomID, userID, userName string) error {
	return s.put(ctx, roomID, userID, userName)
}

func (s *RedisLease) put(ctx context.Context, roomID, userID, userName string) error {
	at := s.now().UTC()
	jsonData, err := json.Marshal(leaseData{UserName: userName, At: at})
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	key := s.roomKey(roomID)
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, userID, jsonData)
		pipe.PExpire(ctx, key, s.ttl)
		return nil
	}); err != nil {
		return fmt.Errorf("save lease: %w", err)
	}
	return s.publish(ctx, Event{Op: OpInsert, RoomID: roomID, UserID: userID, UserName: userName, At: at})
}

// Expire deletes the lease and announces the removal. Expiring a lease that
// is already gone still publishes the delete.
func (s *RedisLease) Expire(ctx context.Context, roomID, userID string) error {
	if err := s.client.HDel(ctx, s.roomKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return s.publish(ctx, Event{Op: OpDelete, RoomID: roomID, UserID: userID, At: s.now().UTC()})
}

func (s *RedisLease) publish(ctx context.Context, event Event) error {
	if s.publisher == nil {
		return nil
	}
	if err := s.publisher.PublishPresence(ctx, event); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

// Active lists the leases in roomID renewed within the TTL, for seeding a
// freshly opened room's typing view. Lapsed fields are removed.
func (s *RedisLease) Active(ctx context.Context, roomID string) ([]Record, error) {
	key := s.roomKey(roomID)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read leases: %w", err)
	}

	cutoff := s.now().Add(-s.ttl)
	records := make([]Record, 0, len(fields))
	var lapsed []string
	for userID, raw := range fields {
		var data leaseData
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, fmt.Errorf("unmarshal lease: %w", err)
		}
		if !data.At.After(cutoff) {
			lapsed = append(lapsed, userID)
			continue
		}
		records = append(records, Record{UserID: userID, UserName: data.UserName, LastActivity: data.At})
	}
	if len(lapsed) > 0 {
		if err := s.client.HDel(ctx, key, lapsed...).Err(); err != nil {
			log.Printf("presence: drop lapsed leases in %s: %v", roomID, err)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	return records, nil
}
