// Package mapper converts validated events into store index operations.
package mapper

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/minoru/kensaku/pkg/event"
)

// Op is a closed set of index operations: Upsert, DeleteByQuery or NoOp.
type Op interface {
	op()
}

// Upsert writes a document at DocID. When Replace is set the write is
// conditional: the store keeps the document with the newer created_at, and on
// an equal timestamp the one with the lexicographically smaller event id, so
// out-of-order arrival never resurrects an older version.
type Upsert struct {
	DocID   string
	Replace bool
	Doc     *Document
}

// DeleteByQuery removes the author's own documents whose event ids are in
// IDs. The author constraint is part of the operation, a deletion can never
// remove another author's event.
type DeleteByQuery struct {
	Author string
	IDs    []string
}

// NoOp is produced for events with nothing to apply, such as a deletion
// referencing no targets.
type NoOp struct {
	Reason string
}

func (Upsert) op()        {}
func (DeleteByQuery) op() {}
func (NoOp) op()          {}

// Document is the indexed shape: the raw event, the extracted searchable
// text, and a denormalized single-letter tag map for exact tag lookups.
type Document struct {
	Event *event.Event        `json:"event"`
	Text  string              `json:"text"`
	Tags  map[string][]string `json:"tags,omitempty"`
}

// Mapper classifies events by kind and produces index operations.
type Mapper struct {
	kinds event.KindSet
}

// New creates a Mapper using the given kind classification.
func New(kinds event.KindSet) *Mapper {
	return &Mapper{kinds: kinds}
}

// Kinds returns the kind classification in use.
func (m *Mapper) Kinds() event.KindSet {
	return m.kinds
}

// Map converts a validated event into an index operation. It never fails on
// validated input.
func (m *Mapper) Map(evt *event.Event) Op {
	switch m.kinds.Classify(evt.Kind) {
	case event.ClassDeletion:
		targets := evt.TagValues("e")
		if len(targets) == 0 {
			return NoOp{Reason: "deletion references no events"}
		}
		return DeleteByQuery{Author: evt.PubKey, IDs: targets}

	case event.ClassReplaceable:
		return Upsert{
			DocID:   ReplaceableKey(evt.PubKey, evt.Kind),
			Replace: true,
			Doc:     m.document(evt),
		}

	case event.ClassParamReplaceable:
		return Upsert{
			DocID:   ParamReplaceableKey(evt.PubKey, evt.Kind, evt.FirstTagValue("d")),
			Replace: true,
			Doc:     m.document(evt),
		}

	default:
		return Upsert{DocID: evt.ID, Doc: m.document(evt)}
	}
}

// ReplaceableKey is the document key holding the single live event for an
// author and kind.
func ReplaceableKey(author string, kind int) string {
	return fmt.Sprintf("%s:%d", author, kind)
}

// ParamReplaceableKey extends ReplaceableKey with the parameter tag value.
func ParamReplaceableKey(author string, kind int, param string) string {
	return fmt.Sprintf("%s:%d:%s", author, kind, param)
}

func (m *Mapper) document(evt *event.Event) *Document {
	return &Document{
		Event: evt,
		Text:  ExtractText(evt),
		Tags:  ConvertTags(evt.Tags),
	}
}

// Text-note kinds whose content is searched verbatim.
const (
	kindTextNote     = 1
	kindLongFormNote = 30023
)

// ExtractText returns the searchable text of an event: content for text
// notes, and for structured kinds (metadata and similar JSON payloads) the
// string values of the content object joined together.
func ExtractText(evt *event.Event) string {
	switch evt.Kind {
	case kindTextNote, kindLongFormNote:
		return evt.Content
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(evt.Content), &fields); err != nil {
		return evt.Content
	}
	texts := make([]string, 0, len(fields))
	for _, v := range fields {
		texts = append(texts, v)
	}
	sort.Strings(texts)
	return strings.Join(texts, " ")
}

// ConvertTags denormalizes single-letter tags into a name -> first-value map
// for exact tag queries. Longer tag names are not indexed.
func ConvertTags(tags [][]string) map[string][]string {
	var out map[string][]string
	for _, tag := range tags {
		if len(tag) < 2 || len(tag[0]) != 1 {
			continue
		}
		if out == nil {
			out = make(map[string][]string)
		}
		if !containsValue(out[tag[0]], tag[1]) {
			out[tag[0]] = append(out[tag[0]], tag[1])
		}
	}
	return out
}

func containsValue(values []string, v string) bool {
	for _, existing := range values {
		if existing == v {
			return true
		}
	}
	return false
}
