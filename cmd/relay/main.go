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
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/minoru/kensaku/internal/logger"
	"github.com/minoru/kensaku/internal/metrics"
	"github.com/minoru/kensaku/internal/store/elastic"
	"github.com/minoru/kensaku/internal/store/memory"
	"github.com/minoru/kensaku/internal/store/sqlite"
	"github.com/minoru/kensaku/pkg/config"
	"github.com/minoru/kensaku/pkg/relay"
	"github.com/minoru/kensaku/pkg/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting relay",
		zap.String("version", relay.Version),
		zap.String("env", cfg.Env),
		zap.String("addr", cfg.Addr),
		zap.String("store_driver", cfg.Store.Driver),
	)

	metrics.Register()

	store, err := openStore(cfg, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}

	r := relay.New(store, cfg, log)
	defer r.Close()

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Handle("/", r)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := r.Ready(ctx); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatal("server error", zap.Error(err))
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown incomplete", zap.Error(err))
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
