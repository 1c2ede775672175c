package search_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdocs/searchd/internal/analyzer"
	"github.com/fleetdocs/searchd/internal/index"
	"github.com/fleetdocs/searchd/internal/query"
	"github.com/fleetdocs/searchd/internal/search"
	"github.com/fleetdocs/searchd/pkg/config"
)

type fakePopularity map[string]int64

func (f fakePopularity) ClickCount(docID string) int64 { return f[docID] }

type fakePersonalizer map[string]float64

func (f fakePersonalizer) Affinity(_, docID string) float64 { return f[docID] }

// twinStore indexes documents with identical text so term relevance ties and
// the secondary ordering criteria decide.
func twinStore(t *testing.T, docs ...index.Document) (*index.Store, *search.Executor, *search.Matches) {
	t.Helper()
	an := analyzer.New(config.AnalyzerConfig{})
	store := index.NewStore(config.IndexConfig{NumShards: 4}, an, nil)
	for _, d := range docs {
		if d.Fields == nil {
			d.Fields = map[string]string{"title": "brake pads"}
		}
		_, err := store.Upsert(context.Background(), d)
		require.NoError(t, err)
	}
	exec := search.NewExecutor(store, an, []string{"title"})
	tree, err := query.Parse("brake")
	require.NoError(t, err)
	_, matches, err := exec.Evaluate(context.Background(), tree)
	require.NoError(t, err)
	return store, exec, matches
}

func rankedIDs(scored []search.Scored) []string {
	ids := make([]string, 0, len(scored))
	for _, s := range scored {
		ids = append(ids, s.DocID)
	}
	return ids
}

func TestRankPopularityBreaksTies(t *testing.T) {
	now := fixtureNow
	store, _, matches := twinStore(t,
		index.Document{ID: "cold", Revision: 1, UpdatedAt: now},
		index.Document{ID: "warm", Revision: 1, UpdatedAt: now},
		index.Document{ID: "hot", Revision: 1, UpdatedAt: now},
	)
	r := search.NewRanker(store, config.RankingConfig{
		PopularityWeight: 0.5,
	}, fakePopularity{"hot": 40, "warm": 5}, nil)

	scored := r.Rank(store.AllDocs(), matches, "", now)
	assert.Equal(t, []string{"hot", "warm", "cold"}, rankedIDs(scored))
	assert.EqualValues(t, 40, scored[0].Clicks)
}

func TestRankTieBreakChain(t *testing.T) {
	now := fixtureNow
	store, _, matches := twinStore(t,
		index.Document{ID: "b-old", Revision: 2, UpdatedAt: now},
		index.Document{ID: "a-new", Revision: 7, UpdatedAt: now},
		index.Document{ID: "c-old", Revision: 2, UpdatedAt: now},
	)
	// No popularity or recency: identical scores throughout, so revision
	// decides, then document ID.
	r := search.NewRanker(store, config.RankingConfig{}, nil, nil)

	scored := r.Rank(store.AllDocs(), matches, "", now)
	assert.Equal(t, []string{"a-new", "b-old", "c-old"}, rankedIDs(scored))
}

func TestRankPersonalizationIsClamped(t *testing.T) {
	now := fixtureNow
	store, _, matches := twinStore(t,
		index.Document{ID: "liked", Revision: 1, UpdatedAt: now},
		index.Document{ID: "disliked", Revision: 1, UpdatedAt: now},
	)
	r := search.NewRanker(store, config.RankingConfig{
		PersonalizationClamp: 0.2,
	}, nil, fakePersonalizer{"liked": 100, "disliked": -100})

	scored := r.Rank(store.AllDocs(), matches, "u1", now)
	require.Len(t, scored, 2)
	assert.Equal(t, "liked", scored[0].DocID)
	assert.InDelta(t, 0.4, scored[0].Score-scored[1].Score, 1e-9,
		"affinity contributes at most the clamp in either direction")

	// Without a user the affinity never applies.
	anon := r.Rank(store.AllDocs(), matches, "", now)
	assert.InDelta(t, anon[0].Score, anon[1].Score, 1e-9)
}

func TestRankRecencyDecay(t *testing.T) {
	now := fixtureNow
	halfLife := 720 * time.Hour
	store, _, matches := twinStore(t,
		index.Document{ID: "fresh", Revision: 1, UpdatedAt: now},
		index.Document{ID: "aged", Revision: 1, UpdatedAt: now.Add(-halfLife)},
	)
	r := search.NewRanker(store, config.RankingConfig{
		RecencyWeight:   1,
		RecencyHalfLife: halfLife,
	}, nil, nil)

	scored := r.Rank(store.AllDocs(), matches, "", now)
	require.Len(t, scored, 2)
	assert.Equal(t, "fresh", scored[0].DocID)
	// One half-life of age halves the recency component.
	assert.InDelta(t, 0.5, scored[0].Score-scored[1].Score, 1e-9)
}

func TestRankEmptyCandidates(t *testing.T) {
	store, exec, _ := twinStore(t, index.Document{ID: "d1", Revision: 1, UpdatedAt: fixtureNow})
	_, matches, err := exec.Evaluate(context.Background(), nil)
	require.NoError(t, err)

	r := search.NewRanker(store, config.RankingConfig{}, nil, nil)
	assert.Nil(t, r.Rank(nil, matches, "", fixtureNow))
}
