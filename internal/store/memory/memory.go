// Package memory is an in-process implementation of storage.Store, intended
// for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/minoru/kensaku/pkg/event"
	"github.com/minoru/kensaku/pkg/mapper"
	"github.com/minoru/kensaku/pkg/query"
	"github.com/minoru/kensaku/pkg/storage"
)

// Store keeps documents in maps guarded by one RWMutex.
type Store struct {
	mu        sync.RWMutex
	docs      map[string]*mapper.Document // doc key -> live document
	byEventID map[string]string           // event id -> doc key
	deleted   map[string]bool             // tombstones from deletion events
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		docs:      make(map[string]*mapper.Document),
		byEventID: make(map[string]string),
		deleted:   make(map[string]bool),
	}
}

// Index applies a mapped operation.
func (s *Store) Index(ctx context.Context, op mapper.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op := op.(type) {
	case mapper.Upsert:
		return s.upsert(op)
	case mapper.DeleteByQuery:
		for _, id := range op.IDs {
			s.deleteEvent(id, op.Author)
		}
		return nil
	case mapper.NoOp:
		return nil
	default:
		return fmt.Errorf("unknown index op %T", op)
	}
}

func (s *Store) upsert(op mapper.Upsert) error {
	evt := op.Doc.Event
	if s.deleted[evt.ID] {
		// A deleted event stays gone even if resubmitted.
		return nil
	}

	if op.Replace {
		if current, ok := s.docs[op.DocID]; ok && !newerWins(evt, current.Event) {
			return nil // stale replace
		}
	}

	if current, ok := s.docs[op.DocID]; ok {
		delete(s.byEventID, current.Event.ID)
	}
	s.docs[op.DocID] = op.Doc
	s.byEventID[evt.ID] = op.DocID
	return nil
}

// newerWins decides whether candidate supersedes current at a replaceable
// key: newer created_at wins, equal timestamps keep the smaller id.
func newerWins(candidate, current *event.Event) bool {
	if candidate.CreatedAt != current.CreatedAt {
		return candidate.CreatedAt > current.CreatedAt
	}
	return candidate.ID < current.ID
}

func (s *Store) deleteEvent(eventID, requester string) {
	key, ok := s.byEventID[eventID]
	if !ok {
		return
	}
	if s.docs[key].Event.PubKey != requester {
		return // only the author may delete
	}
	delete(s.docs, key)
	delete(s.byEventID, eventID)
	s.deleted[eventID] = true
}

// Query returns events matching any query, newest-first.
func (s *Store) Query(ctx context.Context, queries []*query.Query) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*event.Event
	seen := make(map[string]bool)

	for _, q := range queries {
		matched := make([]*event.Event, 0)
		for _, doc := range s.docs {
			if doc.Event.IsExpired() {
				continue
			}
			if q.Matches(doc.Event) {
				matched = append(matched, doc.Event)
			}
		}
		query.SortEvents(matched)
		if q.Limit >= 0 && len(matched) > q.Limit {
			matched = matched[:q.Limit]
		}
		for _, evt := range matched {
			if !seen[evt.ID] {
				seen[evt.ID] = true
				results = append(results, evt)
			}
		}
	}

	query.SortEvents(results)
	return results, nil
}

// Get retrieves a live event by id.
func (s *Store) Get(ctx context.Context, id string) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byEventID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.docs[key].Event, nil
}

// Count returns the number of distinct events matching any query.
func (s *Store) Count(ctx context.Context, queries []*query.Query) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, q := range queries {
		for _, doc := range s.docs {
			if doc.Event.IsExpired() || seen[doc.Event.ID] {
				continue
			}
			if q.Matches(doc.Event) {
				seen[doc.Event.ID] = true
			}
		}
	}
	return len(seen), nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Len returns the number of live documents, for tests.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
