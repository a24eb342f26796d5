// Package config loads relay configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/minoru/kensaku/pkg/event"
)

// Config is the full configuration of the relay and indexer processes.
type Config struct {
	Env      string        `yaml:"env"`  // prod or dev
	Addr     string        `yaml:"addr"` // listen address
	LogLevel string        `yaml:"log_level"`
	Store    StoreConfig   `yaml:"store"`
	Limits   LimitsConfig  `yaml:"event_limits"`
	Query    QueryConfig   `yaml:"query"`
	Session  SessionConfig `yaml:"session"`
	Kinds    event.KindSet `yaml:"kinds"`
	Ingest   IngestConfig  `yaml:"ingest"`
}

// StoreConfig selects and configures the document store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite, elastic

	SQLitePath string `yaml:"sqlite_path"`

	ElasticURL      string        `yaml:"elastic_url"`
	IndexPrefix     string        `yaml:"index_prefix"`
	TTLDays         int           `yaml:"ttl_days"`
	AllowFutureDays int           `yaml:"allow_future_days"`
	MaxInflight     int           `yaml:"max_inflight"`
	MaxRetries      int           `yaml:"max_retries"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

// LimitsConfig bounds accepted events.
type LimitsConfig struct {
	MaxContentLength int           `yaml:"max_content_length"`
	MaxTagCount      int           `yaml:"max_tag_count"`
	MaxTagLength     int           `yaml:"max_tag_length"`
	MaxFutureDrift   time.Duration `yaml:"max_future_drift"`
}

// QueryConfig bounds historical queries.
type QueryConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

// SessionConfig bounds per-connection resources.
type SessionConfig struct {
	QueueSize      int     `yaml:"queue_size"`
	MessagesPerSec float64 `yaml:"messages_per_sec"`
	MessageBurst   int     `yaml:"message_burst"`
}

// IngestConfig configures the upstream mirror (cmd/indexer).
type IngestConfig struct {
	Relays []string `yaml:"relays"`
	Kinds  []int    `yaml:"kinds"`
}

// Default returns the configuration applied when no file is given.
func Default() *Config {
	return &Config{
		Env:      "dev",
		Addr:     ":8080",
		LogLevel: "",
		Store: StoreConfig{
			Driver:          "memory",
			SQLitePath:      "kensaku.db",
			ElasticURL:      "http://localhost:9200",
			IndexPrefix:     "nostr",
			TTLDays:         7,
			AllowFutureDays: 1,
			MaxInflight:     32,
			MaxRetries:      3,
			WriteTimeout:    5 * time.Second,
		},
		Limits: LimitsConfig{
			MaxContentLength: 65536,
			MaxTagCount:      2000,
			MaxTagLength:     1024,
			MaxFutureDrift:   15 * time.Minute,
		},
		Query: QueryConfig{
			DefaultLimit: 100,
			MaxLimit:     1000,
		},
		Session: SessionConfig{
			QueueSize:      256,
			MessagesPerSec: 20,
			MessageBurst:   50,
		},
		Kinds: event.DefaultKindSet(),
		Ingest: IngestConfig{
			Kinds: []int{0, 1, 5},
		},
	}
}

// Load reads configuration from the given path (optional) and applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file %s does not exist", path)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("KENSAKU_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("KENSAKU_ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("KENSAKU_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("KENSAKU_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("KENSAKU_SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv("ES_URL"); v != "" {
		c.Store.ElasticURL = v
	}
	if v := os.Getenv("KENSAKU_INDEX_PREFIX"); v != "" {
		c.Store.IndexPrefix = v
	}
	if v := os.Getenv("KENSAKU_TTL_DAYS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			c.Store.TTLDays = parsed
		}
	}
	if v := os.Getenv("NOSTR_RELAYS"); v != "" {
		c.Ingest.Relays = splitAndTrim(v)
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "elastic":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Query.MaxLimit > 0 && c.Query.DefaultLimit > c.Query.MaxLimit {
		return fmt.Errorf("default query limit %d exceeds max %d", c.Query.DefaultLimit, c.Query.MaxLimit)
	}
	if c.Session.QueueSize <= 0 {
		return fmt.Errorf("session queue size must be positive")
	}
	return nil
}

// EventLimits converts the config into validator limits.
func (c *Config) EventLimits() event.Limits {
	return event.Limits{
		MaxContentLength: c.Limits.MaxContentLength,
		MaxTagCount:      c.Limits.MaxTagCount,
		MaxTagLength:     c.Limits.MaxTagLength,
		MaxFutureDrift:   c.Limits.MaxFutureDrift,
	}
}
