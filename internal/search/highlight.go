package search

import (
	"strings"
	"unicode"

	"github.com/fleetdocs/searchd/internal/analyzer"
)

// Span marks one matched word in a raw field value by byte offsets into the
// original text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Highlighter locates matched query terms inside raw field text. It re-walks
// the text with the same boundary rules as indexing, so the spans always
// line up with what the index actually matched on.
type Highlighter struct {
	analyzer *analyzer.Analyzer
}

// NewHighlighter creates a Highlighter sharing the searcher's analyzer.
func NewHighlighter(an *analyzer.Analyzer) *Highlighter {
	return &Highlighter{analyzer: an}
}

// Spans returns byte-offset spans in text for every word whose normalised
// form is in terms. Spans come back in text order and never overlap.
func (h *Highlighter) Spans(text string, terms []string) []Span {
	if text == "" || len(terms) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		want[t] = struct{}{}
	}

	var spans []Span
	start := -1
	for i, r := range text {
		boundary := !unicode.IsLetter(r) && !unicode.IsDigit(r)
		if boundary {
			if start >= 0 {
				if h.wanted(text[start:i], want) {
					spans = append(spans, Span{Start: start, End: i})
				}
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 && h.wanted(text[start:], want) {
		spans = append(spans, Span{Start: start, End: len(text)})
	}
	return spans
}

func (h *Highlighter) wanted(word string, want map[string]struct{}) bool {
	norm := h.analyzer.Normalize(strings.ToLower(word))
	if norm == "" {
		return false
	}
	_, ok := want[norm]
	return ok
}
