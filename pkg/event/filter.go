package event

import (
	"encoding/json"
	"fmt"
)

// Filter represents a subscription filter as defined in NIP-01.
// All populated fields are combined with AND; values within one field with OR.
// An empty filter matches everything.
type Filter struct {
	IDs     []string            `json:"ids,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Kinds   []int               `json:"kinds,omitempty"`
	Tags    map[string][]string `json:"-"`
	Since   *int64              `json:"since,omitempty"`
	Until   *int64              `json:"until,omitempty"`
	Limit   *int                `json:"limit,omitempty"`
	Search  string              `json:"search,omitempty"`
}

// UnmarshalJSON implements a custom unmarshaler for Filter that collects the
// "#<name>" tag keys into the Tags map.
func (f *Filter) UnmarshalJSON(data []byte) error {
	type Alias Filter
	aux := &struct {
		*Alias
	}{Alias: (*Alias)(f)}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	for key, value := range m {
		if len(key) > 1 && key[0] == '#' {
			var tagValues []string
			if err := json.Unmarshal(value, &tagValues); err != nil {
				return fmt.Errorf("invalid tag value for %s: %w", key, err)
			}
			if f.Tags == nil {
				f.Tags = make(map[string][]string)
			}
			f.Tags[key[1:]] = tagValues
		}
	}

	return nil
}

// MarshalJSON emits the Tags map back as "#<name>" keys.
func (f *Filter) MarshalJSON() ([]byte, error) {
	type Alias Filter
	base, err := json.Marshal((*Alias)(f))
	if err != nil {
		return nil, err
	}
	if len(f.Tags) == 0 {
		return base, nil
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for name, values := range f.Tags {
		raw, err := json.Marshal(values)
		if err != nil {
			return nil, err
		}
		m["#"+name] = raw
	}
	return json.Marshal(m)
}
