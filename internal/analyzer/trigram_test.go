package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrigrams(t *testing.T) {
	assert.Empty(t, Trigrams(""))
	assert.Equal(t, []string{"$$a", "$ab", "abc", "bc$"}, Trigrams("abc"))
	// Duplicate grams collapse.
	assert.Equal(t, []string{"$$a", "$aa", "aaa", "aa$"}, Trigrams("aaaa"))
}

func TestTrigramSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, TrigramSimilarity("brake", "brake"))
	assert.Equal(t, 0.0, TrigramSimilarity("", "brake"))

	// A dropped interior letter keeps the edges and stays above the
	// default 0.4 correction threshold.
	sim := TrigramSimilarity("brke", "brake")
	assert.Greater(t, sim, 0.4)
	assert.Less(t, sim, 1.0)

	// Unrelated terms score near zero.
	assert.Less(t, TrigramSimilarity("brke", "filter"), 0.2)
}
