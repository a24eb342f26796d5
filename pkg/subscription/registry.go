// Package subscription tracks live subscriptions and fans ingested events
// out to every matching connection.
package subscription

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/minoru/kensaku/pkg/event"
	"github.com/minoru/kensaku/pkg/query"
)

// deliveredCacheSize bounds the per-subscription id cache used to suppress
// duplicates between the historical stream and live delivery.
const deliveredCacheSize = 512

// Sink is the delivery side of a connection. Send must not block: it queues
// on the connection's bounded outbound queue and reports overflow as an
// error. Fail closes the connection.
type Sink interface {
	Send(subID string, evt *event.Event) error
	Fail(reason string)
}

type subscription struct {
	id      string
	queries []*query.Query
	live    bool
	pending []*event.Event
	// delivered remembers recently pushed event ids so an event ingested
	// while the historical stream was running is neither lost nor sent
	// twice.
	delivered *lru.Cache[string, struct{}]
}

type connection struct {
	id   string
	sink Sink
	subs []*subscription // registration order
}

// Registry owns every live subscription. It is constructed at startup and
// shared by reference with all connection tasks; there is no package-level
// state.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*connection

	ingest      chan *event.Event
	done        chan struct{}
	closeOnce   sync.Once
	maxPending  int
	logger      *zap.Logger
	onDelivered func()
	onDropped   func()
}

// Option configures a Registry.
type Option func(*Registry)

// WithDeliveryHooks installs counters invoked on each delivery and on each
// slow-consumer drop.
func WithDeliveryHooks(delivered, dropped func()) Option {
	return func(r *Registry) {
		r.onDelivered = delivered
		r.onDropped = dropped
	}
}

// NewRegistry creates a Registry whose ingest channel and per-subscription
// pending buffers hold up to queueSize events.
func NewRegistry(logger *zap.Logger, queueSize int, opts ...Option) *Registry {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Registry{
		conns:      make(map[string]*connection),
		ingest:     make(chan *event.Event, queueSize),
		done:       make(chan struct{}),
		maxPending: queueSize,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes the ingest channel and dispatches each event to matching
// subscriptions. It returns when ctx is cancelled or Close is called.
func (r *Registry) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case evt := <-r.ingest:
			r.dispatch(evt)
		}
	}
}

// Ingest publishes an event for fan-out. Callers invoke it only after the
// store write was acknowledged, so no subscriber observes an event before it
// is durably queryable.
func (r *Registry) Ingest(evt *event.Event) {
	select {
	case r.ingest <- evt:
	case <-r.done:
	}
}

// Register adds or replaces a subscription. Reusing a subscription id on the
// same connection closes the old subscription first. The subscription starts
// buffering: live matches queue until Activate flushes them, so live events
// always arrive after the end-of-stored-events marker.
func (r *Registry) Register(connID string, sink Sink, subID string, queries []*query.Query) {
	delivered, _ := lru.New[string, struct{}](deliveredCacheSize)
	sub := &subscription{id: subID, queries: queries, delivered: delivered}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		conn = &connection{id: connID, sink: sink}
		r.conns[connID] = conn
	}
	conn.removeSub(subID)
	conn.subs = append(conn.subs, sub)
}

// Activate transitions a subscription from buffering to live. historicalIDs
// are the event ids already streamed from the store; buffered events are
// flushed with those suppressed.
func (r *Registry) Activate(connID, subID string, historicalIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return
	}
	sub := conn.findSub(subID)
	if sub == nil || sub.live {
		return
	}
	sub.live = true
	for _, id := range historicalIDs {
		sub.delivered.Add(id, struct{}{})
	}

	pending := sub.pending
	sub.pending = nil
	for _, evt := range pending {
		if _, dup := sub.delivered.Get(evt.ID); dup {
			continue
		}
		if err := conn.sink.Send(subID, evt); err != nil {
			r.failLocked(conn, err.Error())
			return
		}
		sub.delivered.Add(evt.ID, struct{}{})
		if r.onDelivered != nil {
			r.onDelivered()
		}
	}
}

// Unregister closes one subscription.
func (r *Registry) Unregister(connID, subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[connID]; ok {
		conn.removeSub(subID)
	}
}

// DropConnection closes every subscription of a connection.
func (r *Registry) DropConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
}

// Subscriptions returns the number of live and buffering subscriptions.
func (r *Registry) Subscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, conn := range r.conns {
		n += len(conn.subs)
	}
	return n
}

// Close stops the dispatcher.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// dispatch delivers one ingested event to every matching subscription. A
// slow consumer fails alone: its connection is closed and removed without
// affecting delivery to others.
func (r *Registry) dispatch(evt *event.Event) {
	if evt.IsExpired() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var failed []*connection
	for _, conn := range r.conns {
		if !r.dispatchToConn(conn, evt) {
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		r.failLocked(conn, "outbound queue overflow")
	}
}

func (r *Registry) dispatchToConn(conn *connection, evt *event.Event) bool {
	for _, sub := range conn.subs {
		if !query.MatchesAny(sub.queries, evt) {
			continue
		}
		if _, dup := sub.delivered.Get(evt.ID); dup {
			continue
		}

		if !sub.live {
			if len(sub.pending) >= r.maxPending {
				return false
			}
			sub.pending = append(sub.pending, evt)
			continue
		}

		if err := conn.sink.Send(sub.id, evt); err != nil {
			return false
		}
		sub.delivered.Add(evt.ID, struct{}{})
		if r.onDelivered != nil {
			r.onDelivered()
		}
	}
	return true
}

func (r *Registry) failLocked(conn *connection, reason string) {
	r.logger.Warn("dropping slow consumer",
		zap.String("conn_id", conn.id),
		zap.String("reason", reason))
	delete(r.conns, conn.id)
	if r.onDropped != nil {
		r.onDropped()
	}
	conn.sink.Fail(reason)
}

func (c *connection) findSub(subID string) *subscription {
	for _, sub := range c.subs {
		if sub.id == subID {
			return sub
		}
	}
	return nil
}

func (c *connection) removeSub(subID string) {
	for i, sub := range c.subs {
		if sub.id == subID {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}
