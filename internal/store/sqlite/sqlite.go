// Package sqlite is a single-node persistent implementation of
// storage.Store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/minoru/kensaku/pkg/event"
	"github.com/minoru/kensaku/pkg/mapper"
	"github.com/minoru/kensaku/pkg/query"
	"github.com/minoru/kensaku/pkg/storage"
)

// Options holds database configuration options
type Options struct {
	// MaxOpenConns is the maximum number of open connections to the database.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections to the database.
	MaxIdleConns int

	// ConnMaxLifetime sets the maximum duration a connection may be reused.
	ConnMaxLifetime time.Duration

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	EnableWAL bool

	// BusyTimeout sets the busy timeout.
	BusyTimeout time.Duration
}

// DefaultOptions returns default database options
func DefaultOptions() *Options {
	return &Options{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		EnableWAL:       true,
		BusyTimeout:     5 * time.Second,
	}
}

// Store is a SQLite implementation of storage.Store
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a new SQLite store with default options.
func New(dbPath string) (*Store, error) {
	return NewWithOptions(dbPath, DefaultOptions())
}

// NewWithOptions creates a new SQLite store with custom options
func NewWithOptions(dbPath string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}

	if err := store.configure(opts); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns >= 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) configure(opts *Options) error {
	if opts.EnableWAL {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if opts.BusyTimeout > 0 {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", opts.BusyTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}
	if _, err := s.db.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		return fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	return nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	return s.runMigrations()
}

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
		CREATE TABLE IF NOT EXISTS docs (
			doc_key TEXT PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			pubkey TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			kind INTEGER NOT NULL,
			raw TEXT NOT NULL,
			text TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_docs_pubkey ON docs(pubkey);
		CREATE INDEX IF NOT EXISTS idx_docs_kind ON docs(kind);
		CREATE INDEX IF NOT EXISTS idx_docs_created_at ON docs(created_at);
		CREATE INDEX IF NOT EXISTS idx_docs_kind_created_at ON docs(kind, created_at);
		`,
	},
	{
		version: 2,
		sql: `
		CREATE TABLE IF NOT EXISTS doc_tags (
			doc_key TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_doc_tags_key ON doc_tags(doc_key);
		CREATE INDEX IF NOT EXISTS idx_doc_tags_name_value ON doc_tags(name, value);
		`,
	},
	{
		version: 3,
		sql: `
		CREATE TABLE IF NOT EXISTS deleted_events (
			id TEXT PRIMARY KEY,
			deleter_pubkey TEXT NOT NULL,
			deleted_at INTEGER NOT NULL
		);
		`,
	},
}

func (s *Store) runMigrations() error {
	for _, m := range migrations {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.version, time.Now().Unix()); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Index applies a mapped operation inside one transaction.
func (s *Store) Index(ctx context.Context, op mapper.Op) error {
	switch op := op.(type) {
	case mapper.Upsert:
		return s.upsert(ctx, op)
	case mapper.DeleteByQuery:
		return s.deleteByQuery(ctx, op)
	case mapper.NoOp:
		return nil
	default:
		return fmt.Errorf("unknown index op %T", op)
	}
}

func (s *Store) upsert(ctx context.Context, op mapper.Upsert) error {
	evt := op.Doc.Event

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var tombstoned int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM deleted_events WHERE id = ?", evt.ID).Scan(&tombstoned)
	if err != nil {
		return fmt.Errorf("failed to check deletion status: %w", err)
	}
	if tombstoned > 0 {
		return nil // deleted events stay gone
	}

	if op.Replace {
		var currentCreatedAt int64
		var currentID string
		err := tx.QueryRowContext(ctx,
			"SELECT created_at, event_id FROM docs WHERE doc_key = ?", op.DocID).
			Scan(&currentCreatedAt, &currentID)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to read current version: %w", err)
		}
		if err == nil && !supersedes(evt, currentCreatedAt, currentID) {
			return nil // stale replace
		}
	}

	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM doc_tags WHERE doc_key = ?", op.DocID); err != nil {
		return fmt.Errorf("failed to clear tags: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO docs (doc_key, event_id, pubkey, created_at, kind, raw, text)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.DocID, evt.ID, evt.PubKey, evt.CreatedAt, evt.Kind, string(raw), op.Doc.Text)
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}

	for name, values := range op.Doc.Tags {
		for _, value := range values {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO doc_tags (doc_key, name, value) VALUES (?, ?, ?)",
				op.DocID, name, value); err != nil {
				return fmt.Errorf("failed to save tag: %w", err)
			}
		}
	}

	return tx.Commit()
}

// supersedes mirrors the newest-wins rule: newer created_at, equal
// timestamps keep the smaller event id.
func supersedes(evt *event.Event, currentCreatedAt int64, currentID string) bool {
	if evt.CreatedAt != currentCreatedAt {
		return evt.CreatedAt > currentCreatedAt
	}
	return evt.ID < currentID
}

func (s *Store) deleteByQuery(ctx context.Context, op mapper.DeleteByQuery) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range op.IDs {
		var docKey, author string
		err := tx.QueryRowContext(ctx,
			"SELECT doc_key, pubkey FROM docs WHERE event_id = ?", id).Scan(&docKey, &author)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to look up event %s: %w", id, err)
		}
		if author != op.Author {
			continue // only the author may delete
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM docs WHERE doc_key = ?", docKey); err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM doc_tags WHERE doc_key = ?", docKey); err != nil {
			return fmt.Errorf("failed to delete tags: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO deleted_events (id, deleter_pubkey, deleted_at) VALUES (?, ?, ?)",
			id, op.Author, time.Now().Unix()); err != nil {
			return fmt.Errorf("failed to record deletion: %w", err)
		}
	}

	return tx.Commit()
}

// Query retrieves events matching any of the queries, newest-first.
func (s *Store) Query(ctx context.Context, queries []*query.Query) ([]*event.Event, error) {
	var results []*event.Event
	seen := make(map[string]bool)

	for _, q := range queries {
		events, err := s.queryOne(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, evt := range events {
			if !seen[evt.ID] {
				seen[evt.ID] = true
				results = append(results, evt)
			}
		}
	}

	query.SortEvents(results)
	return results, nil
}

func (s *Store) queryOne(ctx context.Context, q *query.Query) ([]*event.Event, error) {
	if q.Limit == 0 {
		return []*event.Event{}, nil
	}

	where, args := buildWhere(q)

	sqlQuery := "SELECT raw FROM docs"
	if len(where) > 0 {
		sqlQuery += " WHERE " + strings.Join(where, " AND ")
	}
	sqlQuery += " ORDER BY created_at DESC, event_id ASC"
	if q.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	events := make([]*event.Event, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var evt event.Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		if evt.IsExpired() {
			continue
		}
		events = append(events, &evt)
	}

	return events, rows.Err()
}

func buildWhere(q *query.Query) ([]string, []interface{}) {
	var conditions []string
	var args []interface{}

	if len(q.IDs) > 0 {
		conditions = append(conditions, "event_id IN ("+placeholders(len(q.IDs))+")")
		for _, id := range q.IDs {
			args = append(args, id)
		}
	}
	if len(q.Authors) > 0 {
		conditions = append(conditions, "pubkey IN ("+placeholders(len(q.Authors))+")")
		for _, author := range q.Authors {
			args = append(args, author)
		}
	}
	if len(q.Kinds) > 0 {
		conditions = append(conditions, "kind IN ("+placeholders(len(q.Kinds))+")")
		for _, kind := range q.Kinds {
			args = append(args, kind)
		}
	}
	if q.Since != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, *q.Since)
	}
	if q.Until != nil {
		// exclusive upper bound
		conditions = append(conditions, "created_at < ?")
		args = append(args, *q.Until)
	}

	for name, values := range q.Tags {
		sub := "EXISTS (SELECT 1 FROM doc_tags t WHERE t.doc_key = docs.doc_key AND t.name = ? AND t.value IN (" + placeholders(len(values)) + "))"
		conditions = append(conditions, sub)
		args = append(args, name)
		for _, value := range values {
			args = append(args, value)
		}
	}

	if q.Search != nil {
		for _, term := range q.Search.Terms {
			conditions = append(conditions, "text LIKE ?")
			args = append(args, "%"+term+"%")
		}
		for _, exclusion := range q.Search.Exclusions {
			conditions = append(conditions, "text NOT LIKE ?")
			args = append(args, "%"+exclusion+"%")
		}
	}

	return conditions, args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Get retrieves a single live event by id.
func (s *Store) Get(ctx context.Context, id string) (*event.Event, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT raw FROM docs WHERE event_id = ?", id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	var evt event.Event
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &evt, nil
}

// Count returns the number of distinct events matching any query.
func (s *Store) Count(ctx context.Context, queries []*query.Query) (int, error) {
	seen := make(map[string]bool)

	for _, q := range queries {
		unbounded := *q
		unbounded.Limit = -1
		events, err := s.queryOne(ctx, &unbounded)
		if err != nil {
			return 0, err
		}
		for _, evt := range events {
			seen[evt.ID] = true
		}
	}

	return len(seen), nil
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
