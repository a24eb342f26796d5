// Package relay wires validation, mapping, storage and fan-out behind the
// WebSocket session protocol.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/minoru/kensaku/internal/metrics"
	"github.com/minoru/kensaku/pkg/config"
	"github.com/minoru/kensaku/pkg/event"
	"github.com/minoru/kensaku/pkg/mapper"
	"github.com/minoru/kensaku/pkg/protocol"
	"github.com/minoru/kensaku/pkg/query"
	"github.com/minoru/kensaku/pkg/ratelimit"
	"github.com/minoru/kensaku/pkg/storage"
	"github.com/minoru/kensaku/pkg/subscription"
)

// Version of the relay
const Version = "0.3.0"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Nostr relays accept cross-origin clients
	},
}

// InfoDocument is the NIP-11 style relay information document served to
// clients asking for application/nostr+json.
type InfoDocument struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Software      string `json:"software"`
	Version       string `json:"version"`
	SupportedNIPs []int  `json:"supported_nips"`
}

// Relay is the main orchestrator: one instance shared by every connection.
type Relay struct {
	store        storage.Store
	registry     *subscription.Registry
	mapper       *mapper.Mapper
	limits       event.Limits
	queryOpts    query.Options
	session      config.SessionConfig
	writeTimeout time.Duration
	logger       *zap.Logger

	clients   map[*protocol.Client]bool
	clientsMu sync.Mutex

	runCancel context.CancelFunc
	runDone   chan struct{}
}

// New creates a relay over the given store and starts its fan-out
// dispatcher. Call Close to tear it down.
func New(store storage.Store, cfg *config.Config, logger *zap.Logger) *Relay {
	registry := subscription.NewRegistry(logger, cfg.Session.QueueSize,
		subscription.WithDeliveryHooks(
			func() { metrics.FanoutDeliveredTotal.Inc() },
			func() { metrics.FanoutDroppedConnsTotal.Inc() },
		))

	r := &Relay{
		store:        store,
		registry:     registry,
		mapper:       mapper.New(cfg.Kinds),
		limits:       cfg.EventLimits(),
		queryOpts:    query.Options{DefaultLimit: cfg.Query.DefaultLimit, MaxLimit: cfg.Query.MaxLimit},
		session:      cfg.Session,
		writeTimeout: cfg.Store.WriteTimeout,
		logger:       logger,
		clients:      make(map[*protocol.Client]bool),
		runDone:      make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.runCancel = cancel
	go func() {
		defer close(r.runDone)
		registry.Run(ctx)
	}()

	return r
}

// Registry exposes the fan-out engine, mainly for tests.
func (r *Relay) Registry() *subscription.Registry { return r.registry }

// Ready reports whether the relay can reach its store.
func (r *Relay) Ready(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// ServeHTTP upgrades WebSocket requests and serves the information document
// otherwise.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get("Accept") == "application/nostr+json" {
		info := &InfoDocument{
			Name:          "kensaku",
			Description:   "A search-enabled Nostr relay",
			Software:      "https://github.com/minoru/kensaku",
			Version:       Version,
			SupportedNIPs: []int{1, 9, 11, 40, 45, 50},
		}
		w.Header().Set("Content-Type", "application/nostr+json")
		json.NewEncoder(w).Encode(info)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	limiter := ratelimit.New(r.session.MessagesPerSec, r.session.MessageBurst)
	client := protocol.NewClient(conn, r, r.logger, protocol.Options{
		QueueSize: r.session.QueueSize,
		Limiter:   limiter,
	})

	r.clientsMu.Lock()
	r.clients[client] = true
	r.clientsMu.Unlock()
	metrics.OpenConnections.Inc()

	defer func() {
		r.clientsMu.Lock()
		delete(r.clients, client)
		r.clientsMu.Unlock()
		metrics.OpenConnections.Dec()
		client.Close()
	}()

	client.Start(req.Context())
}

// HandleEvent processes a published event: validate, map, write, then fan
// out. Fan-out happens only after the store acknowledged the write.
func (r *Relay) HandleEvent(ctx context.Context, c *protocol.Client, evt *event.Event) error {
	if err := evt.Validate(r.limits); err != nil {
		metrics.EventsRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		c.SendOK(evt.ID, false, fmt.Sprintf("invalid: %v", err))
		return nil
	}

	if evt.IsExpired() {
		metrics.EventsRejectedTotal.WithLabelValues("expired").Inc()
		c.SendOK(evt.ID, false, "invalid: event has expired")
		return nil
	}

	if existing, err := r.store.Get(ctx, evt.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.SendOK(evt.ID, false, fmt.Sprintf("error: %v", err))
		return nil
	} else if existing != nil {
		c.SendOK(evt.ID, true, "duplicate: event already exists")
		return nil
	}

	op := r.mapper.Map(evt)

	writeCtx := ctx
	if r.writeTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, r.writeTimeout)
		defer cancel()
	}

	start := time.Now()
	err := r.store.Index(writeCtx, op)
	metrics.StoreOpDuration.WithLabelValues("index").Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) || errors.Is(writeCtx.Err(), context.DeadlineExceeded) {
			// The client keeps the event and may resend; the write is
			// idempotent at the document key.
			c.SendOK(evt.ID, false, "error: store unavailable, try again later")
		} else {
			c.SendOK(evt.ID, false, fmt.Sprintf("error: %v", err))
		}
		r.logger.Warn("failed to index event", zap.String("event_id", evt.ID), zap.Error(err))
		return nil
	}

	class := r.mapper.Kinds().Classify(evt.Kind)
	metrics.EventsIngestedTotal.WithLabelValues(class.String()).Inc()

	c.SendOK(evt.ID, true, "")
	r.registry.Ingest(evt)
	return nil
}

// HandleReq opens a subscription: register first, stream the historical
// snapshot, mark its end, then go live. Events ingested in between are
// buffered by the registry and deduplicated against the streamed ids, so
// none are lost or sent twice.
func (r *Relay) HandleReq(ctx context.Context, c *protocol.Client, subID string, filters []*event.Filter) error {
	queries := query.TranslateAll(filters, r.queryOpts)

	r.registry.Register(c.ID(), c, subID, queries)
	metrics.LiveSubscriptions.Set(float64(r.registry.Subscriptions()))

	start := time.Now()
	events, err := r.store.Query(ctx, queries)
	metrics.StoreOpDuration.WithLabelValues("query").Observe(time.Since(start).Seconds())
	if err != nil {
		r.registry.Unregister(c.ID(), subID)
		c.SendClosed(subID, fmt.Sprintf("error: %v", err))
		return nil
	}

	historicalIDs := make([]string, 0, len(events))
	for _, evt := range events {
		if evt.IsExpired() {
			continue
		}
		if err := c.SendEvent(subID, evt); err != nil {
			c.Fail("outbound queue overflow")
			return nil
		}
		historicalIDs = append(historicalIDs, evt.ID)
	}

	if err := c.SendEOSE(subID); err != nil {
		c.Fail("outbound queue overflow")
		return nil
	}

	r.registry.Activate(c.ID(), subID, historicalIDs)
	return nil
}

// HandleClose tears down one subscription.
func (r *Relay) HandleClose(ctx context.Context, c *protocol.Client, subID string) error {
	r.registry.Unregister(c.ID(), subID)
	metrics.LiveSubscriptions.Set(float64(r.registry.Subscriptions()))
	return nil
}

// HandleCount answers a COUNT request.
func (r *Relay) HandleCount(ctx context.Context, c *protocol.Client, countID string, filters []*event.Filter) error {
	queries := query.TranslateAll(filters, r.queryOpts)

	count, err := r.store.Count(ctx, queries)
	if err != nil {
		c.SendClosed(countID, fmt.Sprintf("error: %v", err))
		return nil
	}
	return c.SendCount(countID, count)
}

// HandleDisconnect unregisters everything a closed connection owned.
func (r *Relay) HandleDisconnect(c *protocol.Client) {
	r.registry.DropConnection(c.ID())
	metrics.LiveSubscriptions.Set(float64(r.registry.Subscriptions()))
}

// Close shuts down the relay: all clients, the fan-out dispatcher, then the
// store.
func (r *Relay) Close() error {
	r.clientsMu.Lock()
	for client := range r.clients {
		client.Close()
	}
	r.clientsMu.Unlock()

	r.runCancel()
	r.registry.Close()
	<-r.runDone

	return r.store.Close()
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, event.ErrInvalidID):
		return "invalid_id"
	case errors.Is(err, event.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, event.ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, event.ErrTimestampOutOfRange):
		return "timestamp_out_of_range"
	default:
		return "malformed"
	}
}
