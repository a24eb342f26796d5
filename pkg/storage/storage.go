// Package storage defines the contract every document store implements.
package storage

import (
	"context"
	"errors"

	"github.com/minoru/kensaku/pkg/event"
	"github.com/minoru/kensaku/pkg/mapper"
	"github.com/minoru/kensaku/pkg/query"
)

var (
	// ErrNotFound is returned when a requested event does not exist.
	ErrNotFound = errors.New("event not found")

	// ErrUnavailable marks a transient failure that survived the retry
	// budget (timeouts, 5xx, deadline exceeded). The write may be resent:
	// operations are idempotent at the document key.
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the gateway to the external document store. All implementations
// must be safe for concurrent use; every connection task shares one Store.
type Store interface {
	// Index applies a mapped operation. Stale replaceable upserts are
	// applied as no-ops, not errors.
	Index(ctx context.Context, op mapper.Op) error

	// Query returns events matching any of the queries, merged, deduped by
	// id and ordered newest-first (created_at desc, id asc on ties).
	Query(ctx context.Context, queries []*query.Query) ([]*event.Event, error)

	// Get retrieves a single live event by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*event.Event, error)

	// Count returns the number of events matching any of the queries.
	Count(ctx context.Context, queries []*query.Query) (int, error)

	// Ping reports whether the store is reachable; readiness is signalled
	// only once it succeeds.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
