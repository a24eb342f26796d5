// Package query translates subscription filters into store queries and owns
// the matching semantics shared by historical reads and live fan-out.
package query

import (
	"sort"

	"github.com/minoru/kensaku/pkg/event"
)

// Options control limit handling during translation.
type Options struct {
	// DefaultLimit applies when the filter carries no limit.
	DefaultLimit int
	// MaxLimit caps any requested limit to bound memory and store load.
	MaxLimit int
}

// DefaultOptions returns the limit policy applied when none is configured.
func DefaultOptions() Options {
	return Options{DefaultLimit: 100, MaxLimit: 1000}
}

// Query is the store-facing form of a filter: exact-match sets, a half-open
// time range (Since inclusive, Until exclusive) and an optional full-text
// search. All present clauses combine with AND; values within one clause
// with OR.
//
// Limit caps the number of returned events. Zero means zero results, not
// "no cap": a client asking for limit 0 gets an empty historical set. A
// negative limit lifts the cap; Translate never produces one, it exists for
// store-internal queries.
type Query struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   *int64
	Until   *int64
	Search  *Search
	Limit   int
}

// Translate converts a filter into a Query. Pure and deterministic.
func Translate(f *event.Filter, opts Options) *Query {
	q := &Query{
		IDs:     append([]string(nil), f.IDs...),
		Authors: append([]string(nil), f.Authors...),
		Kinds:   append([]int(nil), f.Kinds...),
		Since:   f.Since,
		Until:   f.Until,
		Limit:   opts.DefaultLimit,
	}
	if len(f.Tags) > 0 {
		q.Tags = make(map[string][]string, len(f.Tags))
		for name, values := range f.Tags {
			q.Tags[name] = append([]string(nil), values...)
		}
	}
	if f.Search != "" {
		q.Search = ParseSearch(f.Search)
	}
	// An explicit zero is honored as "no historical results"; a negative
	// request falls back to the default rather than lifting the cap.
	if f.Limit != nil && *f.Limit >= 0 {
		q.Limit = *f.Limit
	}
	if opts.MaxLimit > 0 && q.Limit > opts.MaxLimit {
		q.Limit = opts.MaxLimit
	}
	return q
}

// TranslateAll translates every filter of a subscription. The queries are
// OR'd together by the store.
func TranslateAll(filters []*event.Filter, opts Options) []*Query {
	queries := make([]*Query, 0, len(filters))
	for _, f := range filters {
		queries = append(queries, Translate(f, opts))
	}
	return queries
}

// Matches reports whether the event satisfies every clause of the query.
// Live fan-out and the in-process stores both call this, so live and
// historical results cannot diverge.
func (q *Query) Matches(evt *event.Event) bool {
	if len(q.IDs) > 0 && !containsString(q.IDs, evt.ID) {
		return false
	}
	if len(q.Authors) > 0 && !containsString(q.Authors, evt.PubKey) {
		return false
	}
	if len(q.Kinds) > 0 && !containsInt(q.Kinds, evt.Kind) {
		return false
	}

	if q.Since != nil && evt.CreatedAt < *q.Since {
		return false
	}
	// Until is exclusive, matching the half-open pagination convention.
	if q.Until != nil && evt.CreatedAt >= *q.Until {
		return false
	}

	for name, values := range q.Tags {
		if !hasAnyTagValue(evt, name, values) {
			return false
		}
	}

	if q.Search != nil && !q.Search.MatchesEvent(evt) {
		return false
	}

	return true
}

// MatchesAny reports whether the event satisfies at least one query.
func MatchesAny(queries []*Query, evt *event.Event) bool {
	for _, q := range queries {
		if q.Matches(evt) {
			return true
		}
	}
	return false
}

// SortEvents orders newest-first by created_at with ties broken by id
// ascending, the canonical result order for historical queries.
func SortEvents(events []*event.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, n := range haystack {
		if n == needle {
			return true
		}
	}
	return false
}

// hasAnyTagValue checks the tag name against the value position of the
// event's tag list, value comparison is exact.
func hasAnyTagValue(evt *event.Event, name string, values []string) bool {
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != name {
			continue
		}
		for _, v := range values {
			if tag[1] == v {
				return true
			}
		}
	}
	return false
}
