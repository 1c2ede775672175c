// Package analyzer converts raw document text into normalised term streams.
// It lower-cases input, splits on non-alphanumeric boundaries, removes
// locale-specific stop-words, and applies a suffix-based stemmer. The same
// input always produces the same term stream; re-indexing depends on this
// for idempotence.
package analyzer

import (
	"strings"
	"unicode"
	"unicode/utf8"

	apperrors "github.com/fleetdocs/searchd/pkg/errors"

	"github.com/fleetdocs/searchd/pkg/config"
)

// Token is a single normalised term and its position in the original text.
// Positions count surviving tokens, not source offsets, so phrase adjacency
// checks work on the indexed stream.
type Token struct {
	Term     string
	Position int
}

// Analyzer holds tokenisation configuration. It is safe for concurrent use.
type Analyzer struct {
	stopWords map[string]struct{}
	minLen    int
}

// New creates an Analyzer for the configured locale.
func New(cfg config.AnalyzerConfig) *Analyzer {
	minLen := cfg.MinTermLength
	if minLen <= 0 {
		minLen = 2
	}
	return &Analyzer{
		stopWords: stopWordsForLocale(cfg.Locale),
		minLen:    minLen,
	}
}

// Analyze breaks text into a slice of stemmed, lowercased Tokens with
// stop-words removed. Empty text yields an empty slice. Text that is not
// valid UTF-8 or contains embedded NUL bytes is rejected with
// ErrUnsupportedContent before any terms are emitted.
func (a *Analyzer) Analyze(text string) ([]Token, error) {
	if err := validateEncoding(text); err != nil {
		return nil, err
	}
	text = strings.ToLower(text)
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]Token, 0, len(words)/2)
	pos := 0
	for _, word := range words {
		if len(word) < a.minLen {
			continue
		}
		if _, isStop := a.stopWords[word]; isStop {
			continue
		}
		stemmed := Stem(word)
		if stemmed == "" {
			continue
		}
		tokens = append(tokens, Token{
			Term:     stemmed,
			Position: pos,
		})
		pos++
	}
	return tokens, nil
}

// Normalize runs a single query word through the same fold/stem path as
// indexed text, returning "" for stop-words and too-short inputs.
func (a *Analyzer) Normalize(word string) string {
	tokens, err := a.Analyze(word)
	if err != nil || len(tokens) == 0 {
		return ""
	}
	return tokens[0].Term
}

// validateEncoding fails fast on binary or malformed input rather than
// emitting garbage terms.
func validateEncoding(text string) error {
	if !utf8.ValidString(text) {
		return apperrors.Newf(apperrors.ErrUnsupportedContent, 415,
			"text is not valid UTF-8")
	}
	if strings.ContainsRune(text, '\x00') {
		return apperrors.Newf(apperrors.ErrUnsupportedContent, 415,
			"text contains NUL bytes")
	}
	return nil
}
