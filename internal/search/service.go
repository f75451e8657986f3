package search

import (
	"context"
	"log"
	"sync"

	"crewchat/core/internal/store"
)

const indexQueueSize = 256

type documentIndex interface {
	Healthy() bool
	Search(q Query) ([]Result, int, error)
	IndexMessage(record MessageRecord) error
	IndexMessages(records []MessageRecord) error
}

// Service tries Meilisearch first and falls back to PG FTS. Index writes go
// through one worker so that later versions of a message land last.
type Service struct {
	meili documentIndex
	pgfts *PgFTS

	mu     sync.RWMutex
	closed bool
	queue  chan MessageRecord
	done   chan struct{}
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	if meili == nil {
		return newService(nil, pgfts)
	}
	return newService(meili, pgfts)
}

func newService(index documentIndex, pgfts *PgFTS) *Service {
	s := &Service{meili: index, pgfts: pgfts}
	if index != nil {
		s.queue = make(chan MessageRecord, indexQueueSize)
		s.done = make(chan struct{})
		go s.indexLoop()
	}
	return s
}

func (s *Service) indexLoop() {
	defer close(s.done)
	for record := range s.queue {
		if err := s.meili.IndexMessage(record); err != nil {
			log.Printf("search: index message %s: %v", record.ID, err)
		}
	}
}

// Close drains queued index writes and stops the worker.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed || s.queue == nil {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexMessage queues a persisted message for Meilisearch without blocking.
// Writes are applied in call order. A full queue drops the write; a later
// reindex repairs it. PG FTS needs no indexing: its tsvector column is
// generated.
func (s *Service) IndexMessage(msg store.Message) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := RecordFromMessage(msg)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- record:
	default:
		log.Printf("search: index queue full, dropped message %s", record.ID)
	}
}

// ReindexAllFromPG pushes every stored message to Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexMessages(records); err != nil {
		log.Printf("search: reindex messages: %v", err)
		return
	}
	log.Printf("search: reindexed %d messages", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
