package elastic

import (
	"strings"

	"github.com/minoru/kensaku/pkg/event"
	"github.com/minoru/kensaku/pkg/query"
)

// boolQuery renders a store query as an elasticsearch bool query over the
// indexed document shape. Exact-match clauses become term/terms filters;
// the search clause becomes a simple_query_string over the extracted text,
// scored by the index analyzer.
func boolQuery(q *query.Query) map[string]interface{} {
	var must []interface{}
	var mustNot []interface{}

	if len(q.IDs) > 0 {
		must = append(must, map[string]interface{}{
			"terms": map[string]interface{}{"event.id": q.IDs},
		})
	}
	if len(q.Authors) > 0 {
		must = append(must, map[string]interface{}{
			"terms": map[string]interface{}{"event.pubkey": q.Authors},
		})
	}
	if len(q.Kinds) > 0 {
		must = append(must, map[string]interface{}{
			"terms": map[string]interface{}{"event.kind": q.Kinds},
		})
	}

	if q.Since != nil || q.Until != nil {
		bounds := map[string]interface{}{}
		if q.Since != nil {
			bounds["gte"] = *q.Since
		}
		if q.Until != nil {
			bounds["lt"] = *q.Until // exclusive upper bound
		}
		must = append(must, map[string]interface{}{
			"range": map[string]interface{}{"event.created_at": bounds},
		})
	}

	for name, values := range q.Tags {
		must = append(must, map[string]interface{}{
			"terms": map[string]interface{}{"tags." + name: values},
		})
	}

	if q.Search != nil {
		if len(q.Search.Terms) > 0 {
			must = append(must, map[string]interface{}{
				"simple_query_string": map[string]interface{}{
					"query":            strings.Join(q.Search.Terms, " "),
					"fields":           []string{"text"},
					"default_operator": "and",
				},
			})
		}
		for _, exclusion := range q.Search.Exclusions {
			mustNot = append(mustNot, map[string]interface{}{
				"simple_query_string": map[string]interface{}{
					"query":  exclusion,
					"fields": []string{"text"},
				},
			})
		}
	}

	inner := map[string]interface{}{}
	if len(must) > 0 {
		inner["must"] = must
	}
	if len(mustNot) > 0 {
		inner["must_not"] = mustNot
	}
	if len(inner) == 0 {
		return map[string]interface{}{"match_all": map[string]interface{}{}}
	}
	return map[string]interface{}{"bool": inner}
}

// searchBody wraps a bool query with sorting: relevance when a search clause
// is present, otherwise newest-first with the id tie-break.
func searchBody(q *query.Query) map[string]interface{} {
	body := map[string]interface{}{
		"query": boolQuery(q),
	}
	if q.Search == nil {
		body["sort"] = []interface{}{
			map[string]interface{}{"event.created_at": "desc"},
			map[string]interface{}{"event.id": "asc"},
		}
	}
	return body
}

// replaceKeyClauses are the term filters identifying a replaceable key.
func replaceKeyClauses(evt *event.Event) []interface{} {
	clauses := []interface{}{
		map[string]interface{}{"term": map[string]interface{}{"event.pubkey": evt.PubKey}},
		map[string]interface{}{"term": map[string]interface{}{"event.kind": evt.Kind}},
	}
	if param := evt.FirstTagValue("d"); param != "" {
		clauses = append(clauses, map[string]interface{}{
			"term": map[string]interface{}{"tags.d": param},
		})
	}
	return clauses
}

// staleVersionQuery matches the documents at the event's replaceable key
// that the event supersedes: strictly older created_at, or the same
// created_at with a lexicographically larger id. Bounding the sweep this
// way keeps a concurrently indexed newer version safe even when the
// version lookup raced an index refresh and missed it.
func staleVersionQuery(evt *event.Event) map[string]interface{} {
	older := map[string]interface{}{
		"bool": map[string]interface{}{
			"should": []interface{}{
				map[string]interface{}{
					"range": map[string]interface{}{"event.created_at": map[string]interface{}{"lt": evt.CreatedAt}},
				},
				map[string]interface{}{
					"bool": map[string]interface{}{
						"must": []interface{}{
							map[string]interface{}{"term": map[string]interface{}{"event.created_at": evt.CreatedAt}},
							map[string]interface{}{"range": map[string]interface{}{"event.id": map[string]interface{}{"gt": evt.ID}}},
						},
					},
				},
			},
			"minimum_should_match": 1,
		},
	}
	return map[string]interface{}{
		"bool": map[string]interface{}{
			"must": append(replaceKeyClauses(evt), older),
			"must_not": []interface{}{
				map[string]interface{}{"term": map[string]interface{}{"event.id": evt.ID}},
			},
		},
	}
}
