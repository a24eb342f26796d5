// The indexer mirrors events from upstream relays into the document store
// without serving any client traffic. Run it alongside the relay to keep the
// search index fed from the wider network.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/minoru/kensaku/internal/ingest"
	"github.com/minoru/kensaku/internal/logger"
	"github.com/minoru/kensaku/internal/metrics"
	"github.com/minoru/kensaku/internal/store/elastic"
	"github.com/minoru/kensaku/internal/store/memory"
	"github.com/minoru/kensaku/internal/store/sqlite"
	"github.com/minoru/kensaku/pkg/config"
	"github.com/minoru/kensaku/pkg/event"
	"github.com/minoru/kensaku/pkg/mapper"
	"github.com/minoru/kensaku/pkg/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	metricsAddr := flag.String("metrics-addr", ":9090", "metrics listen address, empty to disable")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	if len(cfg.Ingest.Relays) == 0 {
		log.Fatal("no upstream relays configured, set ingest.relays or NOSTR_RELAYS")
	}

	log.Info("starting indexer",
		zap.String("env", cfg.Env),
		zap.Strings("upstreams", cfg.Ingest.Relays),
		zap.String("store_driver", cfg.Store.Driver),
	)

	metrics.Register()

	store, err := openStore(cfg, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := newHandler(cfg, store, log)
	mirror := ingest.New(cfg.Ingest.Relays, time.Now(), handler, log)

	if *metricsAddr != "" {
		router := chi.NewRouter()
		router.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, router); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		sig := <-quit
		log.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	mirror.Run(ctx)
}

// newHandler builds the validate-map-index pipeline for mirrored events.
func newHandler(cfg *config.Config, store storage.Store, log *zap.Logger) ingest.Handler {
	limits := cfg.EventLimits()
	m := mapper.New(cfg.Kinds)

	wanted := make(map[int]bool, len(cfg.Ingest.Kinds))
	for _, k := range cfg.Ingest.Kinds {
		wanted[k] = true
	}

	return func(ctx context.Context, evt *event.Event) error {
		if len(wanted) > 0 && !wanted[evt.Kind] && cfg.Kinds.Classify(evt.Kind) != event.ClassDeletion {
			return nil
		}
		if err := evt.Validate(limits); err != nil {
			metrics.EventsRejectedTotal.WithLabelValues("invalid").Inc()
			log.Debug("dropping invalid upstream event",
				zap.String("event_id", evt.ID), zap.Error(err))
			return nil
		}
		if evt.IsExpired() {
			metrics.EventsRejectedTotal.WithLabelValues("expired").Inc()
			return nil
		}

		op := m.Map(evt)
		writeCtx, cancel := context.WithTimeout(ctx, cfg.Store.WriteTimeout)
		defer cancel()
		if err := store.Index(writeCtx, op); err != nil {
			return err
		}
		metrics.EventsIngestedTotal.WithLabelValues(cfg.Kinds.Classify(evt.Kind).String()).Inc()
		return nil
	}
}

func openStore(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(cfg.Store.SQLitePath)
	case "elastic":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return elastic.New(ctx, elastic.Config{
			URL:             cfg.Store.ElasticURL,
			IndexPrefix:     cfg.Store.IndexPrefix,
			TTLDays:         cfg.Store.TTLDays,
			AllowFutureDays: cfg.Store.AllowFutureDays,
			MaxInflight:     cfg.Store.MaxInflight,
			MaxRetries:      cfg.Store.MaxRetries,
		}, log)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
