// Package ingest mirrors events from upstream relays into the local store.
// Each upstream gets its own connection loop with reconnect backoff; events
// flow through the same validate-map-index path as locally published ones.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/minoru/kensaku/pkg/event"
)

const (
	initialBackoff = time.Second
	maxBackoff     = time.Minute
)

// Handler receives each mirrored event after conversion.
type Handler func(ctx context.Context, evt *event.Event) error

// Mirror subscribes to a set of upstream relays and forwards everything
// they emit to the handler.
type Mirror struct {
	relays  []string
	handler Handler
	since   time.Time
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// New builds a mirror for the given upstream relay URLs. Events older than
// since are not requested; restarts re-fetch at most the overlap window.
func New(relays []string, since time.Time, handler Handler, logger *zap.Logger) *Mirror {
	return &Mirror{
		relays:  relays,
		handler: handler,
		since:   since,
		logger:  logger,
	}
}

// Run starts one loop per upstream and blocks until ctx is cancelled and
// every loop has drained.
func (m *Mirror) Run(ctx context.Context) {
	for _, url := range m.relays {
		m.wg.Add(1)
		go func(url string) {
			defer m.wg.Done()
			m.runRelay(ctx, url)
		}(url)
	}
	m.wg.Wait()
}

func (m *Mirror) runRelay(ctx context.Context, url string) {
	backoff := initialBackoff
	logger := m.logger.With(zap.String("upstream", url))

	for {
		start := time.Now()
		err := m.subscribe(ctx, url, logger)
		if ctx.Err() != nil {
			return
		}

		// A connection that survived a while earns a fresh backoff.
		if time.Since(start) > maxBackoff {
			backoff = initialBackoff
		}
		logger.Warn("upstream connection lost, reconnecting",
			zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// subscribe holds one upstream connection open and forwards its events.
// Returns when the connection drops or ctx is cancelled.
func (m *Mirror) subscribe(ctx context.Context, url string, logger *zap.Logger) error {
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return err
	}
	defer relay.Close()

	since := nostr.Timestamp(m.since.Unix())
	sub, err := relay.Subscribe(ctx, []nostr.Filter{{Since: &since}})
	if err != nil {
		return err
	}
	defer sub.Unsub()

	logger.Info("subscribed to upstream")

	for {
		select {
		case ne, ok := <-sub.Events:
			if !ok {
				return relay.ConnectionError
			}
			if ne == nil {
				continue
			}
			evt := convert(ne)
			if err := m.handler(ctx, evt); err != nil {
				logger.Warn("failed to ingest upstream event",
					zap.String("event_id", evt.ID), zap.Error(err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func convert(ne *nostr.Event) *event.Event {
	tags := make([][]string, 0, len(ne.Tags))
	for _, t := range ne.Tags {
		tags = append(tags, []string(t))
	}
	return &event.Event{
		ID:        ne.ID,
		PubKey:    ne.PubKey,
		CreatedAt: int64(ne.CreatedAt),
		Kind:      ne.Kind,
		Tags:      tags,
		Content:   ne.Content,
		Sig:       ne.Sig,
	}
}
