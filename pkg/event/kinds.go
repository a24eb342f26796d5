package event

// Class is the retention category of an event kind.
type Class int

const (
	// ClassRegular events are retained individually, keyed by event id.
	ClassRegular Class = iota
	// ClassReplaceable events keep one live document per (author, kind).
	ClassReplaceable
	// ClassParamReplaceable events keep one live document per
	// (author, kind, first "d" tag value).
	ClassParamReplaceable
	// ClassDeletion events request removal of the author's own prior events.
	ClassDeletion
)

func (c Class) String() string {
	switch c {
	case ClassReplaceable:
		return "replaceable"
	case ClassParamReplaceable:
		return "param-replaceable"
	case ClassDeletion:
		return "deletion"
	default:
		return "regular"
	}
}

// KindRange is an inclusive range of kind numbers.
type KindRange struct {
	From int `yaml:"from"`
	To   int `yaml:"to"`
}

func (r KindRange) contains(kind int) bool {
	return kind >= r.From && kind <= r.To
}

// KindSet decides the Class of a kind. The exact kind numbers are protocol
// constants that tend to grow over time, so they are configuration rather
// than code.
type KindSet struct {
	Replaceable       []int       `yaml:"replaceable"`
	ReplaceableRanges []KindRange `yaml:"replaceable_ranges"`
	ParamRanges       []KindRange `yaml:"param_replaceable_ranges"`
	Deletion          int         `yaml:"deletion"`
}

// DefaultKindSet returns the Nostr convention: kinds 0 and 3 plus
// 10000-19999 replaceable, 30000-39999 parameterized, kind 5 deletion.
func DefaultKindSet() KindSet {
	return KindSet{
		Replaceable:       []int{0, 3},
		ReplaceableRanges: []KindRange{{From: 10000, To: 19999}},
		ParamRanges:       []KindRange{{From: 30000, To: 39999}},
		Deletion:          5,
	}
}

// Classify returns the retention class of the given kind.
func (ks KindSet) Classify(kind int) Class {
	if kind == ks.Deletion {
		return ClassDeletion
	}
	for _, k := range ks.Replaceable {
		if kind == k {
			return ClassReplaceable
		}
	}
	for _, r := range ks.ReplaceableRanges {
		if r.contains(kind) {
			return ClassReplaceable
		}
	}
	for _, r := range ks.ParamRanges {
		if r.contains(kind) {
			return ClassParamReplaceable
		}
	}
	return ClassRegular
}
