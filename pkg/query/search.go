package query

import (
	"strings"

	"github.com/minoru/kensaku/pkg/event"
)

// Search is a parsed free-text search clause: plain terms combine with AND,
// "-term" exclusions with NOT. Ranking is left to the store's analyzer; the
// parsed form only decides set membership.
type Search struct {
	Terms      []string
	Exclusions []string
}

// ParseSearch splits a raw search string into terms and exclusions.
func ParseSearch(raw string) *Search {
	s := &Search{}
	for _, word := range strings.Fields(raw) {
		if strings.HasPrefix(word, "-") && len(word) > 1 {
			s.Exclusions = append(s.Exclusions, word[1:])
			continue
		}
		s.Terms = append(s.Terms, word)
	}
	return s
}

// IsEmpty reports whether the search carries no usable terms.
func (s *Search) IsEmpty() bool {
	return len(s.Terms) == 0 && len(s.Exclusions) == 0
}

// MatchesEvent does case-insensitive substring matching over content and tag
// values. In-process stores use this directly; the elasticsearch store
// delegates to the index analyzer instead.
func (s *Search) MatchesEvent(evt *event.Event) bool {
	for _, term := range s.Terms {
		if !eventContainsTerm(evt, term) {
			return false
		}
	}
	for _, exclusion := range s.Exclusions {
		if eventContainsTerm(evt, exclusion) {
			return false
		}
	}
	return true
}

func eventContainsTerm(evt *event.Event, term string) bool {
	term = strings.ToLower(term)

	if strings.Contains(strings.ToLower(evt.Content), term) {
		return true
	}
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && strings.Contains(strings.ToLower(tag[1]), term) {
			return true
		}
	}
	return false
}
