// Package index implements the persistent, incrementally-maintained inverted
// index: field-aware postings, a term dictionary with document-frequency
// counts, typed filter attributes, and revision-guarded document upserts.
package index

import (
	"strconv"
	"time"
)

// Status tracks where a document is in its indexing lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusIndexed Status = "indexed"
	StatusFailed  Status = "failed"
	StatusStale   Status = "stale"
)

// AttrKind discriminates the typed filter attribute variant.
type AttrKind int

const (
	AttrText AttrKind = iota
	AttrNumber
	AttrDate
	AttrBool
)

func (k AttrKind) String() string {
	switch k {
	case AttrText:
		return "text"
	case AttrNumber:
		return "number"
	case AttrDate:
		return "date"
	case AttrBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Attr is a tagged variant holding one structured filter attribute value.
// Only the field matching Kind is meaningful.
type Attr struct {
	Kind   AttrKind  `json:"kind"`
	Text   string    `json:"text,omitempty"`
	Number float64   `json:"number,omitempty"`
	Date   time.Time `json:"date,omitempty"`
	Bool   bool      `json:"bool,omitempty"`
}

func TextAttr(v string) Attr     { return Attr{Kind: AttrText, Text: v} }
func NumberAttr(v float64) Attr  { return Attr{Kind: AttrNumber, Number: v} }
func DateAttr(v time.Time) Attr  { return Attr{Kind: AttrDate, Date: v} }
func BoolAttr(v bool) Attr       { return Attr{Kind: AttrBool, Bool: v} }

// Equal compares two attributes exhaustively by kind.
func (a Attr) Equal(b Attr) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case AttrText:
		return a.Text == b.Text
	case AttrNumber:
		return a.Number == b.Number
	case AttrDate:
		return a.Date.Equal(b.Date)
	case AttrBool:
		return a.Bool == b.Bool
	}
	return false
}

// Key returns a stable string form used for facet bucketing.
func (a Attr) Key() string {
	switch a.Kind {
	case AttrText:
		return a.Text
	case AttrNumber:
		return formatNumber(a.Number)
	case AttrDate:
		return a.Date.UTC().Format(time.RFC3339)
	case AttrBool:
		if a.Bool {
			return "true"
		}
		return "false"
	}
	return ""
}

// FilterOp is the comparison applied by a Filter.
type FilterOp int

const (
	FilterEq FilterOp = iota
	FilterLt
	FilterLte
	FilterGt
	FilterGte
)

// Filter restricts candidates by one structured attribute.
type Filter struct {
	Attr  string
	Op    FilterOp
	Value Attr
}

// Matches reports whether the attribute satisfies the filter. Comparisons
// across kinds never match. Ordering operators apply to numbers and dates
// only.
func (f Filter) Matches(v Attr) bool {
	if v.Kind != f.Value.Kind {
		return false
	}
	switch f.Op {
	case FilterEq:
		return v.Equal(f.Value)
	case FilterLt, FilterLte, FilterGt, FilterGte:
		var cmp float64
		switch v.Kind {
		case AttrNumber:
			cmp = v.Number - f.Value.Number
		case AttrDate:
			cmp = float64(v.Date.Sub(f.Value.Date))
		default:
			return false
		}
		switch f.Op {
		case FilterLt:
			return cmp < 0
		case FilterLte:
			return cmp <= 0
		case FilterGt:
			return cmp > 0
		case FilterGte:
			return cmp >= 0
		}
	}
	return false
}

// Document is the indexable unit: a denormalised copy of the caller's record
// sufficient for search. The engine is never the source of truth for it.
type Document struct {
	ID        string            `json:"id"`
	Tenant    string            `json:"tenant"`
	Fields    map[string]string `json:"fields"`
	Attrs     map[string]Attr   `json:"attrs"`
	Revision  uint64            `json:"revision"`
	Status    Status            `json:"status"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Posting records one (term, field, document) occurrence.
type Posting struct {
	Term      string
	Field     string
	DocID     string
	Ordinal   uint32
	Frequency int
	Weight    float64
	Positions []int
}

// PostingList is a set of postings for one term, sorted by document ordinal.
type PostingList []Posting

// DocMeta is the per-document metadata the store keeps for ranking and
// filtering.
type DocMeta struct {
	DocID       string
	Tenant      string
	Ordinal     uint32
	Revision    uint64
	Status      Status
	Attrs       map[string]Attr
	Fields      map[string]string
	FieldLength map[string]int
	TotalTokens int
	UpdatedAt   time.Time
}

// TermListener is notified after commits change the live term set. The
// suggestion engine registers one to keep its derived structures current.
type TermListener interface {
	TermsAdded(terms []string)
	TermsRemoved(terms []string)
}

func formatNumber(v float64) string {
	// Facet keys for integral values read as integers.
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
