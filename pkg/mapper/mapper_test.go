package mapper_test

import (
	"testing"

	"github.com/minoru/kensaku/pkg/event"
	"github.com/minoru/kensaku/pkg/mapper"
)

func newMapper() *mapper.Mapper {
	return mapper.New(event.DefaultKindSet())
}

func TestMapper_Map_Regular(t *testing.T) {
	evt := &event.Event{ID: "id1", PubKey: "pk", Kind: 1, Content: "hello"}

	op := newMapper().Map(evt)
	up, ok := op.(mapper.Upsert)
	if !ok {
		t.Fatalf("Map() = %T, want Upsert", op)
	}
	if up.DocID != "id1" {
		t.Errorf("DocID = %q, want event id", up.DocID)
	}
	if up.Replace {
		t.Error("regular event must not be a replace")
	}
	if up.Doc.Event != evt {
		t.Error("document does not carry the event")
	}
	if up.Doc.Text != "hello" {
		t.Errorf("Text = %q", up.Doc.Text)
	}
}

func TestMapper_Map_Replaceable(t *testing.T) {
	evt := &event.Event{ID: "id1", PubKey: "pk", Kind: 0, Content: `{"name":"alice"}`}

	op := newMapper().Map(evt)
	up, ok := op.(mapper.Upsert)
	if !ok {
		t.Fatalf("Map() = %T, want Upsert", op)
	}
	if up.DocID != mapper.ReplaceableKey("pk", 0) {
		t.Errorf("DocID = %q", up.DocID)
	}
	if !up.Replace {
		t.Error("replaceable event must set Replace")
	}
}

func TestMapper_Map_ParamReplaceable(t *testing.T) {
	tests := []struct {
		name    string
		tags    [][]string
		wantKey string
	}{
		{
			name:    "with d tag",
			tags:    [][]string{{"d", "post-1"}},
			wantKey: mapper.ParamReplaceableKey("pk", 30023, "post-1"),
		},
		{
			name:    "missing d tag keys on empty parameter",
			tags:    nil,
			wantKey: mapper.ParamReplaceableKey("pk", 30023, ""),
		},
		{
			name:    "first d tag wins",
			tags:    [][]string{{"d", "a"}, {"d", "b"}},
			wantKey: mapper.ParamReplaceableKey("pk", 30023, "a"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := &event.Event{ID: "id1", PubKey: "pk", Kind: 30023, Tags: tt.tags}
			up, ok := newMapper().Map(evt).(mapper.Upsert)
			if !ok {
				t.Fatal("want Upsert")
			}
			if up.DocID != tt.wantKey {
				t.Errorf("DocID = %q, want %q", up.DocID, tt.wantKey)
			}
			if !up.Replace {
				t.Error("param-replaceable event must set Replace")
			}
		})
	}
}

func TestMapper_Map_Deletion(t *testing.T) {
	evt := &event.Event{
		ID:     "del1",
		PubKey: "pk",
		Kind:   5,
		Tags:   [][]string{{"e", "t1"}, {"e", "t2"}, {"p", "other"}},
	}

	op := newMapper().Map(evt)
	del, ok := op.(mapper.DeleteByQuery)
	if !ok {
		t.Fatalf("Map() = %T, want DeleteByQuery", op)
	}
	if del.Author != "pk" {
		t.Errorf("Author = %q", del.Author)
	}
	if len(del.IDs) != 2 || del.IDs[0] != "t1" || del.IDs[1] != "t2" {
		t.Errorf("IDs = %v", del.IDs)
	}
}

func TestMapper_Map_DeletionWithoutTargets(t *testing.T) {
	evt := &event.Event{ID: "del1", PubKey: "pk", Kind: 5}

	op := newMapper().Map(evt)
	if _, ok := op.(mapper.NoOp); !ok {
		t.Errorf("Map() = %T, want NoOp", op)
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name string
		evt  *event.Event
		want string
	}{
		{
			name: "text note uses content verbatim",
			evt:  &event.Event{Kind: 1, Content: `{"not":"parsed"}`},
			want: `{"not":"parsed"}`,
		},
		{
			name: "long form note uses content verbatim",
			evt:  &event.Event{Kind: 30023, Content: "an article"},
			want: "an article",
		},
		{
			name: "metadata joins sorted string values",
			evt:  &event.Event{Kind: 0, Content: `{"name":"alice","about":"dev"}`},
			want: "alice dev",
		},
		{
			name: "non-JSON content falls back verbatim",
			evt:  &event.Event{Kind: 0, Content: "plain"},
			want: "plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapper.ExtractText(tt.evt); got != tt.want {
				t.Errorf("ExtractText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConvertTags(t *testing.T) {
	tags := [][]string{
		{"e", "id1"},
		{"e", "id2"},
		{"e", "id1"}, // duplicate
		{"p", "pk1"},
		{"expiration", "123"}, // multi-letter, skipped
		{"t"},                 // no value, skipped
	}

	out := mapper.ConvertTags(tags)
	if len(out) != 2 {
		t.Fatalf("ConvertTags() = %v, want 2 names", out)
	}
	if e := out["e"]; len(e) != 2 || e[0] != "id1" || e[1] != "id2" {
		t.Errorf("e tags = %v", e)
	}
	if p := out["p"]; len(p) != 1 || p[0] != "pk1" {
		t.Errorf("p tags = %v", p)
	}

	if got := mapper.ConvertTags(nil); got != nil {
		t.Errorf("ConvertTags(nil) = %v, want nil", got)
	}
}
