package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fleetdocs/searchd/pkg/errors"
)

func TestParseTreeShapes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"single term", "brake", "term(brake)"},
		{"terms are lowercased", "Brake", "term(brake)"},
		{"implicit and", "brake pads", "and(term(brake), term(pads))"},
		{"explicit and", "brake AND pads", "and(term(brake), term(pads))"},
		{"or is lowest precedence", "brake pads OR rotor kit",
			"or(and(term(brake), term(pads)), and(term(rotor), term(kit)))"},
		{"not binds tighter than and", "brake NOT ceramic",
			"and(term(brake), not(term(ceramic)))"},
		{"double negation", "NOT NOT brake", "not(not(term(brake)))"},
		{"parens override precedence", "(brake OR rotor) pads",
			"and(or(term(brake), term(rotor)), term(pads))"},
		{"phrase", `"anti lock braking"`, `phrase("anti lock braking")`},
		{"single-word phrase collapses to term", `"brake"`, "term(brake)"},
		{"prefix", "brak*", "prefix(brak*)"},
		{"field term", "title:brake", "term(title:brake)"},
		{"field phrase", `title:"brake pads"`, `phrase(title:"brake pads")`},
		{"field prefix", "tags:cer*", "prefix(tags:cer*)"},
		{"operators are case-insensitive", "brake or rotor",
			"or(term(brake), term(rotor))"},
		{"mixed", `NOT drum (pads OR "rotor kit") title:cer*`,
			`and(not(term(drum)), or(term(pads), phrase("rotor kit")), prefix(title:cer*))`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, err := Parse(tt.input)
			require.NoError(t, err)
			require.NotNil(t, tree)
			assert.Equal(t, tt.want, tree.String())
		})
	}
}

func TestParseEmptyQuery(t *testing.T) {
	for _, input := range []string{"", "   ", "\t\n"} {
		tree, err := Parse(input)
		assert.NoError(t, err)
		assert.Nil(t, tree)
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unbalanced quote", `"brake pads`},
		{"unbalanced open paren", "(brake pads"},
		{"unmatched close paren", "brake)"},
		{"dangling and", "brake AND"},
		{"dangling or", "brake OR"},
		{"dangling not", "brake NOT"},
		{"leading and", "AND brake"},
		{"leading or", "OR brake"},
		{"lone not", "NOT"},
		{"bare wildcard", "*"},
		{"field with no term", "title:"},
		{"empty phrase", `""`},
		{"or followed by close paren", "(brake OR)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, err := Parse(tt.input)
			require.Error(t, err)
			assert.Nil(t, tree)
			assert.ErrorIs(t, err, apperrors.ErrMalformedQuery)
		})
	}
}

func TestParseErrorNamesPosition(t *testing.T) {
	_, err := Parse(`brake "pads`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "position 6")
}

func TestTermsCollection(t *testing.T) {
	tree, err := Parse(`brake NOT drum (pads OR rot*) title:"caliper kit"`)
	require.NoError(t, err)

	got := Terms(tree)
	// NOT-scoped terms are excluded; prefixes contribute their stem.
	assert.ElementsMatch(t, []string{"brake", "pads", "rot", "caliper", "kit"}, got)
	assert.NotContains(t, got, "drum")
}

func TestCoverageTermsIncludeNegated(t *testing.T) {
	tree, err := Parse(`brake NOT drum (pads OR rot*) NOT "worn caliper"`)
	require.NoError(t, err)

	// A cached result changes when a document gains or loses a negated
	// term, so coverage carries them while Terms does not.
	assert.ElementsMatch(t,
		[]string{"brake", "drum", "pads", "rot", "worn", "caliper"},
		CoverageTerms(tree))
	assert.ElementsMatch(t, []string{"brake", "pads", "rot"}, Terms(tree))
}
