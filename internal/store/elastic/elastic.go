// Package elastic is the gateway to an Elasticsearch cluster. It is the only
// component issuing calls to the external store: it owns the bounded
// in-flight budget, retries with backoff, and the daily-index layout.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/minoru/kensaku/pkg/event"
	"github.com/minoru/kensaku/pkg/mapper"
	"github.com/minoru/kensaku/pkg/query"
	"github.com/minoru/kensaku/pkg/storage"
)

// Config holds connection and retention settings.
type Config struct {
	URL             string
	IndexPrefix     string // daily index prefix, also the alias name
	TTLDays         int
	AllowFutureDays int
	// MaxInflight bounds concurrent store calls; excess callers queue.
	MaxInflight int
	// MaxRetries caps retry attempts for transient failures.
	MaxRetries int
}

// Store is an Elasticsearch implementation of storage.Store.
type Store struct {
	client *elasticsearch.Client
	cfg    Config
	sem    chan struct{}
	logger *zap.Logger
	now    func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New connects to the cluster and provisions the index template. Fails fast:
// an unreachable store at startup is the one fatal condition.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = "nostr"
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 32
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	s := &Store{
		client: client,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxInflight),
		logger: logger,
		now:    time.Now,
	}

	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("elasticsearch unreachable: %w", err)
	}
	if err := s.putIndexTemplate(ctx); err != nil {
		return nil, err
	}
	logger.Info("elasticsearch index template ready", zap.String("prefix", cfg.IndexPrefix))

	return s, nil
}

// putIndexTemplate provisions the daily-index template. The analyzer chain
// (ngram tokenizer, ICU normalization) is deployment configuration the
// gateway installs but does not interpret.
func (s *Store) putIndexTemplate(ctx context.Context) error {
	template := map[string]interface{}{
		"index_patterns": []string{s.cfg.IndexPrefix + "-*"},
		"template": map[string]interface{}{
			"settings": map[string]interface{}{
				"index": map[string]interface{}{
					"number_of_shards":   1,
					"number_of_replicas": 0,
					"analysis": map[string]interface{}{
						"analyzer": map[string]interface{}{
							"ngram_analyzer": map[string]interface{}{
								"type":      "custom",
								"tokenizer": "ngram_tokenizer",
								"filter":    []string{"icu_normalizer", "lowercase"},
							},
						},
						"tokenizer": map[string]interface{}{
							"ngram_tokenizer": map[string]interface{}{
								"type":     "ngram",
								"min_gram": "1",
								"max_gram": "2",
							},
						},
					},
				},
			},
			"mappings": map[string]interface{}{
				"dynamic": false,
				"properties": map[string]interface{}{
					"event": map[string]interface{}{
						"properties": map[string]interface{}{
							"id":         map[string]interface{}{"type": "keyword"},
							"pubkey":     map[string]interface{}{"type": "keyword"},
							"kind":       map[string]interface{}{"type": "integer"},
							"created_at": map[string]interface{}{"type": "date", "format": "epoch_second"},
							"content":    map[string]interface{}{"type": "text", "index": false},
							"sig":        map[string]interface{}{"type": "keyword", "index": false},
							"tags":       map[string]interface{}{"type": "keyword"},
						},
					},
					"text": map[string]interface{}{"type": "text", "analyzer": "ngram_analyzer"},
					"tags": map[string]interface{}{"dynamic": true, "type": "object"},
				},
			},
			"aliases": map[string]interface{}{
				s.cfg.IndexPrefix: map[string]interface{}{},
			},
		},
	}

	body, err := json.Marshal(template)
	if err != nil {
		return err
	}

	res, err := s.do(ctx, func(ctx context.Context) (*esapi.Response, error) {
		return s.client.Indices.PutIndexTemplate(s.cfg.IndexPrefix, bytes.NewReader(body),
			s.client.Indices.PutIndexTemplate.WithContext(ctx))
	})
	if err != nil {
		return fmt.Errorf("failed to put index template: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to put index template: %s", responseError(res))
	}
	return nil
}

// Index applies a mapped operation.
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

	indexName := indexNameFor(s.cfg.IndexPrefix, evt.CreatedAt)
	ok, err := canExist(indexName, s.now(), s.cfg.TTLDays, s.cfg.AllowFutureDays)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debug("event outside retention window, skipping",
			zap.String("index", indexName), zap.String("event_id", evt.ID))
		return nil
	}

	if op.Replace {
		// Versioned write: read the current top version for the key and
		// drop the write if it is stale.
		current, found, err := s.currentVersion(ctx, evt)
		if err != nil {
			return err
		}
		if found && !supersedes(evt, current) {
			return nil
		}
	}

	body, err := json.Marshal(op.Doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	res, err := s.do(ctx, func(ctx context.Context) (*esapi.Response, error) {
		return s.client.Index(indexName, bytes.NewReader(body),
			s.client.Index.WithDocumentID(op.DocID),
			s.client.Index.WithContext(ctx))
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to index document: %s", responseError(res))
	}

	if op.Replace {
		// Sweep superseded versions of the key from other daily indices.
		return s.deleteReplaced(ctx, evt)
	}
	return nil
}

// currentVersion returns the newest stored (created_at, id) for the event's
// replaceable key.
func (s *Store) currentVersion(ctx context.Context, evt *event.Event) (*event.Event, bool, error) {
	body, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"must": replaceKeyClauses(evt)},
		},
		"sort": []interface{}{
			map[string]interface{}{"event.created_at": "desc"},
			map[string]interface{}{"event.id": "asc"},
		},
	})
	if err != nil {
		return nil, false, err
	}

	events, err := s.search(ctx, body, 1)
	if err != nil {
		return nil, false, err
	}
	if len(events) == 0 {
		return nil, false, nil
	}
	return events[0], true, nil
}

// supersedes is the newest-wins rule: newer created_at wins, equal
// timestamps keep the lexicographically smaller id.
func supersedes(candidate, current *event.Event) bool {
	if candidate.CreatedAt != current.CreatedAt {
		return candidate.CreatedAt > current.CreatedAt
	}
	return candidate.ID < current.ID
}

// deleteReplaced removes the versions of the replaceable key the event
// supersedes. The sweep never touches newer documents, so a stale writer
// whose version lookup raced a refresh cannot destroy the winner.
func (s *Store) deleteReplaced(ctx context.Context, evt *event.Event) error {
	body, err := json.Marshal(map[string]interface{}{
		"query": staleVersionQuery(evt),
	})
	if err != nil {
		return err
	}

	res, err := s.do(ctx, func(ctx context.Context) (*esapi.Response, error) {
		return s.client.DeleteByQuery([]string{s.cfg.IndexPrefix}, bytes.NewReader(body),
			s.client.DeleteByQuery.WithContext(ctx))
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to delete replaced versions: %s", responseError(res))
	}
	return nil
}

func (s *Store) deleteByQuery(ctx context.Context, op mapper.DeleteByQuery) error {
	// The author constraint travels inside the query: a deletion can only
	// ever remove the requester's own documents.
	body, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"event.pubkey": op.Author}},
					map[string]interface{}{"terms": map[string]interface{}{"event.id": op.IDs}},
				},
			},
		},
	})
	if err != nil {
		return err
	}

	res, err := s.do(ctx, func(ctx context.Context) (*esapi.Response, error) {
		return s.client.DeleteByQuery([]string{s.cfg.IndexPrefix}, bytes.NewReader(body),
			s.client.DeleteByQuery.WithContext(ctx),
			s.client.DeleteByQuery.WithIgnoreUnavailable(true))
	})
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to delete events: %s", responseError(res))
	}
	return nil
}

// Query returns events matching any of the queries, merged and deduped.
// Without a search clause results are newest-first; with one, the store's
// relevance order is preserved.
func (s *Store) Query(ctx context.Context, queries []*query.Query) ([]*event.Event, error) {
	var results []*event.Event
	seen := make(map[string]bool)
	scored := false

	for _, q := range queries {
		if q.Limit == 0 {
			continue
		}
		if q.Search != nil {
			scored = true
		}
		body, err := json.Marshal(searchBody(q))
		if err != nil {
			return nil, err
		}
		events, err := s.search(ctx, body, q.Limit)
		if err != nil {
			return nil, err
		}
		for _, evt := range events {
			if evt.IsExpired() || seen[evt.ID] {
				continue
			}
			seen[evt.ID] = true
			results = append(results, evt)
		}
	}

	if !scored {
		query.SortEvents(results)
	}
	return results, nil
}

// maxResultWindow is the store's default result window ceiling; unbounded
// queries are capped here instead of paginating.
const maxResultWindow = 10000

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			Index  string          `json:"_index"`
			ID     string          `json:"_id"`
			Source mapper.Document `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (s *Store) search(ctx context.Context, body []byte, size int) ([]*event.Event, error) {
	res, err := s.do(ctx, func(ctx context.Context) (*esapi.Response, error) {
		if size < 0 {
			size = maxResultWindow
		}
		return s.client.Search(
			s.client.Search.WithContext(ctx),
			s.client.Search.WithIndex(s.cfg.IndexPrefix),
			s.client.Search.WithBody(bytes.NewReader(body)),
			s.client.Search.WithIgnoreUnavailable(true),
			s.client.Search.WithSize(size))
	})
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search failed: %s", responseError(res))
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	events := make([]*event.Event, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		if hit.Source.Event == nil {
			continue
		}
		events = append(events, hit.Source.Event)
	}
	return events, nil
}

// Get looks up a live event by its id field. Replaceable documents are keyed
// by their replace key, so _id lookup is not enough.
func (s *Store) Get(ctx context.Context, id string) (*event.Event, error) {
	body, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"event.id": id},
		},
	})
	if err != nil {
		return nil, err
	}

	events, err := s.search(ctx, body, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, storage.ErrNotFound
	}
	return events[0], nil
}

// Count returns the number of matching documents summed over the queries.
func (s *Store) Count(ctx context.Context, queries []*query.Query) (int, error) {
	total := 0
	for _, q := range queries {
		body, err := json.Marshal(map[string]interface{}{"query": boolQuery(q)})
		if err != nil {
			return 0, err
		}

		res, err := s.do(ctx, func(ctx context.Context) (*esapi.Response, error) {
			return s.client.Count(
				s.client.Count.WithContext(ctx),
				s.client.Count.WithIndex(s.cfg.IndexPrefix),
				s.client.Count.WithBody(bytes.NewReader(body)),
				s.client.Count.WithIgnoreUnavailable(true))
		})
		if err != nil {
			return 0, err
		}
		if res.IsError() {
			msg := responseError(res)
			res.Body.Close()
			return 0, fmt.Errorf("count failed: %s", msg)
		}
		var parsed struct {
			Count int `json:"count"`
		}
		err = json.NewDecoder(res.Body).Decode(&parsed)
		res.Body.Close()
		if err != nil {
			return 0, fmt.Errorf("failed to decode count response: %w", err)
		}
		total += parsed.Count
	}
	return total, nil
}

// Ping checks cluster reachability.
func (s *Store) Ping(ctx context.Context) error {
	res, err := s.client.Ping(s.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("%w: ping returned %d", storage.ErrUnavailable, res.StatusCode)
	}
	return nil
}

// Close is a no-op; the underlying transport pools its own connections.
func (s *Store) Close() error { return nil }

// do runs one store call under the in-flight budget, retrying transient
// failures with exponential backoff. Permanent failures (4xx, mapping
// errors) are surfaced immediately.
func (s *Store) do(ctx context.Context, call func(context.Context) (*esapi.Response, error)) (*esapi.Response, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, ctx.Err())
	}

	backoff := 100 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, ctx.Err())
			}
		}

		res, err := call(ctx)
		if err != nil {
			if !retryableError(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if res.StatusCode >= 500 || res.StatusCode == 429 {
			lastErr = fmt.Errorf("status %d: %s", res.StatusCode, responseError(res))
			res.Body.Close()
			continue
		}
		return res, nil
	}

	return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, lastErr)
}

func retryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func responseError(res *esapi.Response) string {
	body, err := io.ReadAll(io.LimitReader(res.Body, 2048))
	if err != nil {
		return res.Status()
	}
	return fmt.Sprintf("%s: %s", res.Status(), body)
}
