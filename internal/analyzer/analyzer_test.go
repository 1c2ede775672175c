package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdocs/searchd/pkg/config"
	apperrors "github.com/fleetdocs/searchd/pkg/errors"
)

func newTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	return New(config.AnalyzerConfig{Locale: "en", MinTermLength: 2})
}

func TestAnalyzeTokenizes(t *testing.T) {
	an := newTestAnalyzer(t)

	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"lowercases and splits", "Brake Pads", []string{"brake", "pad"}},
		{"strips punctuation", "anti-lock braking, system!", []string{"anti", "lock", "brak", "system"}},
		{"drops stop words", "the brake of a car", []string{"brake", "car"}},
		{"drops short words", "a b brake", []string{"brake"}},
		{"empty input", "", nil},
		{"only stop words", "of the and", nil},
		{"digits survive", "model 3000 brake", []string{"model", "3000", "brake"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tokens, err := an.Analyze(tc.input)
			require.NoError(t, err)
			terms := make([]string, 0, len(tokens))
			for _, tok := range tokens {
				terms = append(terms, tok.Term)
			}
			if len(tc.want) == 0 {
				assert.Empty(t, terms)
				return
			}
			assert.Equal(t, tc.want, terms)
		})
	}
}

func TestAnalyzePositionsCountSurvivingTokens(t *testing.T) {
	an := newTestAnalyzer(t)

	tokens, err := an.Analyze("the brake of the car squeaks")
	require.NoError(t, err)
	require.Len(t, tokens, 3)
	assert.Equal(t, 0, tokens[0].Position)
	assert.Equal(t, 1, tokens[1].Position)
	assert.Equal(t, 2, tokens[2].Position)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	an := newTestAnalyzer(t)

	first, err := an.Analyze("Hybrid document search engines index text")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := an.Analyze("Hybrid document search engines index text")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestAnalyzeRejectsBadEncoding(t *testing.T) {
	an := newTestAnalyzer(t)

	tests := []struct {
		name  string
		input string
	}{
		{"invalid utf8", "brake \xff\xfe pads"},
		{"embedded nul", "brake\x00pads"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := an.Analyze(tc.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrUnsupportedContent)
		})
	}
}

func TestNormalize(t *testing.T) {
	an := newTestAnalyzer(t)

	assert.Equal(t, "brak", an.Normalize("Braking"))
	assert.Equal(t, "", an.Normalize("the"))
	assert.Equal(t, "", an.Normalize("a"))
}

func TestStem(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"braking", "brak"},
		{"brakes", "brak"},
		{"pads", "pad"},
		{"running", "runn"},
		{"quickly", "quick"},
		{"relational", "relate"},
		{"car", "car"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Stem(tc.in), "stem(%q)", tc.in)
	}
}

func TestGermanLocaleStopWords(t *testing.T) {
	an := New(config.AnalyzerConfig{Locale: "de", MinTermLength: 2})

	tokens, err := an.Analyze("der Bremse und das Auto")
	require.NoError(t, err)
	terms := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		terms = append(terms, tok.Term)
	}
	assert.NotContains(t, terms, "der")
	assert.NotContains(t, terms, "und")
	assert.NotContains(t, terms, "das")
}
