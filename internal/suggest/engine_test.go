package suggest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdocs/searchd/internal/analyzer"
	"github.com/fleetdocs/searchd/pkg/config"
)

type fakeDF map[string]int

func (f fakeDF) DocFreq(term string) int { return f[term] }

func newTestEngine(df fakeDF) *Engine {
	an := analyzer.New(config.AnalyzerConfig{})
	e := NewEngine(config.SuggestConfig{
		MaxSuggestions:      5,
		SimilarityThreshold: 0.4,
		ZeroResultCutoff:    0,
	}, df, an, nil)
	for term := range df {
		e.addTerm(term)
	}
	return e
}

func TestAutocompleteOrdersByFrequency(t *testing.T) {
	e := newTestEngine(fakeDF{"brake": 10, "bracket": 3, "bra": 1, "rotor": 7})

	assert.Equal(t, []string{"brake", "bracket", "bra"}, e.Autocomplete("bra", 0))
	assert.Equal(t, []string{"brake"}, e.Autocomplete("bra", 1))
	assert.Equal(t, []string{"brake"}, e.Autocomplete("brak", 0))
	assert.Nil(t, e.Autocomplete("xyz", 0))
	assert.Nil(t, e.Autocomplete("", 0))

	// Input folding: uppercase and padding do not change the completions.
	assert.Equal(t, e.Autocomplete("bra", 0), e.Autocomplete("  BRA ", 0))
}

func TestAutocompleteFrequencyTiesBreakOnTerm(t *testing.T) {
	e := newTestEngine(fakeDF{"brim": 2, "brad": 2, "brat": 2})
	assert.Equal(t, []string{"brad", "brat", "brim"}, e.Autocomplete("br", 0))
}

func TestCorrectFindsCloseTerms(t *testing.T) {
	e := newTestEngine(fakeDF{"brake": 10, "rotor": 5, "filter": 2})

	got := e.Correct("brke", 0)
	require.NotEmpty(t, got)
	assert.Equal(t, "brake", got[0].Term)
	assert.GreaterOrEqual(t, got[0].Similarity, 0.4)

	// Distant words produce nothing.
	assert.Empty(t, e.Correct("zzzzz", 0))
	assert.Nil(t, e.Correct("", 0))

	// The word itself is never its own correction.
	for _, c := range e.Correct("brake", 0) {
		assert.NotEqual(t, "brake", c.Term)
	}
}

func TestDidYouMeanRewritesUnknownWords(t *testing.T) {
	df := fakeDF{"brake": 10, "pad": 8, "rotor": 5}
	e := newTestEngine(df)

	// Known words pass through, the misspelled one is corrected.
	got := e.DidYouMean([]string{"brke", "pad"}, 0)
	require.NotEmpty(t, got)
	assert.Equal(t, "brake pad", got[0])

	// Nothing correctable means no suggestion at all.
	assert.Nil(t, e.DidYouMean([]string{"qqqq"}, 0))
	assert.Nil(t, e.DidYouMean(nil, 0))

	// A fully known query needs no rewriting.
	assert.Nil(t, e.DidYouMean([]string{"brake", "pad"}, 0))
}

func TestTermListenerKeepsStructuresCurrent(t *testing.T) {
	e := newTestEngine(fakeDF{})
	df := fakeDF{"brake": 1}
	e.df = df

	e.TermsAdded([]string{"brake"})
	assert.Equal(t, []string{"brake"}, e.Autocomplete("bra", 0))
	assert.NotEmpty(t, e.Correct("brke", 0))

	e.TermsRemoved([]string{"brake"})
	assert.Nil(t, e.Autocomplete("bra", 0))
	assert.Empty(t, e.Correct("brke", 0))
	assert.Empty(t, e.grams, "trigram tables prune dead terms")
}

func TestBootstrapSeedsFromDictionary(t *testing.T) {
	df := fakeDF{"brake": 4, "rotor": 2}
	e := NewEngine(config.SuggestConfig{MaxSuggestions: 5, SimilarityThreshold: 0.4},
		df, analyzer.New(config.AnalyzerConfig{}), nil)

	e.Bootstrap(func(fn func(term string, df int)) {
		for term, n := range df {
			fn(term, n)
		}
	})
	assert.Equal(t, []string{"brake"}, e.Autocomplete("bra", 0))
	assert.Equal(t, []string{"rotor"}, e.Autocomplete("rot", 0))
}

func TestTrieRemovePrunesBranches(t *testing.T) {
	tr := newTrie()
	tr.insert("brake")
	tr.insert("bra")

	tr.remove("brake")
	assert.Equal(t, []string{"bra"}, tr.walk("bra", 10))
	assert.Empty(t, tr.walk("brak", 10))

	tr.remove("bra")
	assert.Empty(t, tr.walk("b", 10))
	assert.Empty(t, tr.root.children, "root is fully pruned")

	// Removing an absent term is harmless.
	tr.remove("brake")
}
