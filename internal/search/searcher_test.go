package search_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdocs/searchd/internal/analyzer"
	"github.com/fleetdocs/searchd/internal/cache"
	"github.com/fleetdocs/searchd/internal/index"
	"github.com/fleetdocs/searchd/internal/search"
	"github.com/fleetdocs/searchd/pkg/config"
	apperrors "github.com/fleetdocs/searchd/pkg/errors"
)

var fixtureNow = time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) (*index.Store, *analyzer.Analyzer) {
	t.Helper()
	an := analyzer.New(config.AnalyzerConfig{})
	store := index.NewStore(config.IndexConfig{NumShards: 4}, an, nil)

	docs := []index.Document{
		{
			ID: "d1", Tenant: "shop-a", Revision: 3,
			Fields: map[string]string{
				"title": "ceramic brake pads",
				"body":  "ceramic brake pads stop quickly",
			},
			Attrs: map[string]index.Attr{
				"price": index.NumberAttr(20),
				"brand": index.TextAttr("acme"),
			},
			UpdatedAt: fixtureNow.Add(-36 * time.Hour),
		},
		{
			ID: "d2", Tenant: "shop-a", Revision: 1,
			Fields: map[string]string{
				"title": "brake rotor kit",
				"body":  "steel rotor for sedans",
			},
			Attrs: map[string]index.Attr{
				"price": index.NumberAttr(45),
				"brand": index.TextAttr("acme"),
			},
			UpdatedAt: fixtureNow.Add(-12 * time.Hour),
		},
		{
			ID: "d3", Tenant: "shop-a", Revision: 2,
			Fields: map[string]string{
				"title": "drum rear",
				"body":  "rear drum brake",
			},
			Attrs: map[string]index.Attr{
				"price": index.NumberAttr(80),
				"brand": index.TextAttr("bremtek"),
			},
			UpdatedAt: fixtureNow.Add(-24 * time.Hour),
		},
		{
			ID: "d4", Tenant: "shop-a", Revision: 1,
			Fields: map[string]string{
				"title": "air filter",
				"body":  "engine air filter",
			},
			Attrs: map[string]index.Attr{
				"price": index.NumberAttr(15),
				"brand": index.TextAttr("bremtek"),
			},
			UpdatedAt: fixtureNow.Add(-48 * time.Hour),
		},
	}
	for _, d := range docs {
		_, err := store.Upsert(context.Background(), d)
		require.NoError(t, err)
	}
	return store, an
}

type searcherOptions struct {
	cache    search.ResultCache
	suggest  search.Suggester
	observer search.QueryObserver
	timeout  time.Duration
}

func newSearcher(store *index.Store, an *analyzer.Analyzer, opts searcherOptions) *search.Searcher {
	cfg := config.SearchConfig{
		MaxResults:   100,
		DefaultLimit: 10,
		QueryTimeout: opts.timeout,
		MaxFacets:    10,
	}
	rankCfg := config.RankingConfig{
		FieldBoosts: map[string]float64{"title": 3, "body": 1},
	}
	exec := search.NewExecutor(store, an, []string{"title", "body"})
	ranker := search.NewRanker(store, rankCfg, nil, nil)
	return search.NewSearcher(cfg, store, exec, ranker, an, opts.cache, opts.suggest, opts.observer, nil)
}

func docIDs(res *search.Result) []string {
	ids := make([]string, 0, len(res.Hits))
	for _, h := range res.Hits {
		ids = append(ids, h.DocID)
	}
	return ids
}

func TestSearchBooleanSemantics(t *testing.T) {
	store, an := newFixture(t)
	s := newSearcher(store, an, searcherOptions{})

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"single term", "brake", []string{"d1", "d2", "d3"}},
		{"and", "brake AND rotor", []string{"d2"}},
		{"implicit and", "brake rotor", []string{"d2"}},
		{"or", "drum OR filter", []string{"d3", "d4"}},
		{"not", "brake NOT drum", []string{"d1", "d2"}},
		{"top-level not", "NOT brake", []string{"d4"}},
		{"grouping", "(drum OR filter) NOT engine", []string{"d3"}},
		{"phrase", `"brake pads"`, []string{"d1"}},
		{"phrase wrong order", `"pads brake"`, nil},
		{"phrase across fields never matches", `"kit steel"`, nil},
		{"prefix", "rot*", []string{"d2"}},
		{"field scope", "title:filter", []string{"d4"}},
		{"field scope excludes other fields", "title:engine", nil},
		{"unknown field scope searches everywhere", "whatever:rotor", []string{"d2"}},
		{"field phrase", `body:"rear drum"`, []string{"d3"}},
		{"stop words impose no constraint", "brake and the rotor", []string{"d2"}},
		{"no matches", "gasket", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Search(context.Background(), search.Request{Query: tt.query})
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, docIDs(res))
			assert.EqualValues(t, len(tt.want), res.Total)
		})
	}
}

func TestSearchPhraseAdjacencySkipsStopWords(t *testing.T) {
	store, an := newFixture(t)
	s := newSearcher(store, an, searcherOptions{})

	// "steel rotor for sedans" indexes rotor and sedan at adjacent
	// positions because the stop word between them is not counted.
	res, err := s.Search(context.Background(), search.Request{Query: `"rotor sedans"`})
	require.NoError(t, err)
	assert.Equal(t, []string{"d2"}, docIDs(res))
}

func TestSearchRelevanceOrdering(t *testing.T) {
	store, an := newFixture(t)
	s := newSearcher(store, an, searcherOptions{})

	// d1 carries the term in both fields, d2 in the boosted title only,
	// d3 in the body only.
	res, err := s.Search(context.Background(), search.Request{Query: "brake"})
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2", "d3"}, docIDs(res))
	require.Len(t, res.Hits, 3)
	assert.Greater(t, res.Hits[0].Score, res.Hits[1].Score)
	assert.Greater(t, res.Hits[1].Score, res.Hits[2].Score)
}

func TestSearchIsDeterministic(t *testing.T) {
	store, an := newFixture(t)
	s := newSearcher(store, an, searcherOptions{})

	first, err := s.Search(context.Background(), search.Request{Query: "brake OR filter"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := s.Search(context.Background(), search.Request{Query: "brake OR filter"})
		require.NoError(t, err)
		assert.Equal(t, docIDs(first), docIDs(again))
	}
}

func TestSearchSortModes(t *testing.T) {
	store, an := newFixture(t)
	s := newSearcher(store, an, searcherOptions{})

	byRecency, err := s.Search(context.Background(), search.Request{Query: "brake", Sort: search.SortRecency})
	require.NoError(t, err)
	assert.Equal(t, []string{"d2", "d3", "d1"}, docIDs(byRecency))

	byID, err := s.Search(context.Background(), search.Request{Query: "brake", Sort: search.SortID})
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2", "d3"}, docIDs(byID))
}

func TestSearchPagination(t *testing.T) {
	store, an := newFixture(t)
	s := newSearcher(store, an, searcherOptions{})
	ctx := context.Background()

	page1, err := s.Search(ctx, search.Request{Query: "brake", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page1.Hits, 2)
	assert.EqualValues(t, 3, page1.Total, "total counts all matches, not the page")

	page2, err := s.Search(ctx, search.Request{Query: "brake", Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page2.Hits, 1)
	assert.EqualValues(t, 3, page2.Total)
	assert.NotContains(t, docIDs(page1), page2.Hits[0].DocID)

	beyond, err := s.Search(ctx, search.Request{Query: "brake", Limit: 2, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, beyond.Hits)
	assert.EqualValues(t, 3, beyond.Total)
}

func TestSearchFiltersAndFacets(t *testing.T) {
	store, an := newFixture(t)
	s := newSearcher(store, an, searcherOptions{})

	res, err := s.Search(context.Background(), search.Request{
		Query: "brake",
		Filters: []index.Filter{
			{Attr: "price", Op: index.FilterLt, Value: index.NumberAttr(50)},
		},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "d2"}, docIDs(res))

	var brand *index.Facet
	for i := range res.Facets {
		if res.Facets[i].Attr == "brand" {
			brand = &res.Facets[i]
		}
	}
	require.NotNil(t, brand, "facets are computed over the filtered set")
	assert.Equal(t, []index.FacetBucket{{Value: "acme", Count: 2}}, brand.Buckets)
}

func TestSearchEmptyQueryBrowsesAll(t *testing.T) {
	store, an := newFixture(t)
	s := newSearcher(store, an, searcherOptions{})

	all, err := s.Search(context.Background(), search.Request{})
	require.NoError(t, err)
	assert.EqualValues(t, 4, all.Total)

	filtered, err := s.Search(context.Background(), search.Request{
		Filters: []index.Filter{
			{Attr: "brand", Op: index.FilterEq, Value: index.TextAttr("bremtek")},
		},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d3", "d4"}, docIDs(filtered))
}

func TestSearchMalformedQuery(t *testing.T) {
	store, an := newFixture(t)
	s := newSearcher(store, an, searcherOptions{})

	_, err := s.Search(context.Background(), search.Request{Query: `"brake`})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrMalformedQuery)
}

func TestSearchTimeoutMapsToQueryTimeout(t *testing.T) {
	store, an := newFixture(t)
	s := newSearcher(store, an, searcherOptions{timeout: time.Nanosecond})

	_, err := s.Search(context.Background(), search.Request{Query: "brake"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrQueryTimeout)
}

func TestSearchHighlighting(t *testing.T) {
	store, an := newFixture(t)
	s := newSearcher(store, an, searcherOptions{})

	res, err := s.Search(context.Background(), search.Request{Query: "brake", Highlight: true})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	require.Equal(t, "d1", res.Hits[0].DocID)

	// "ceramic brake pads": the matched word sits at bytes 8..13.
	spans := res.Hits[0].Highlights["title"]
	require.Len(t, spans, 1)
	assert.Equal(t, search.Span{Start: 8, End: 13}, spans[0])

	plain, err := s.Search(context.Background(), search.Request{Query: "brake"})
	require.NoError(t, err)
	assert.Nil(t, plain.Hits[0].Highlights)
}

type fakeSuggester struct {
	got []string
	out []string
}

func (f *fakeSuggester) DidYouMean(words []string, _ int) []string {
	f.got = words
	return f.out
}

func TestSearchZeroResultSuggestions(t *testing.T) {
	store, an := newFixture(t)
	sg := &fakeSuggester{out: []string{"brake"}}
	s := newSearcher(store, an, searcherOptions{suggest: sg})

	res, err := s.Search(context.Background(), search.Request{Query: "brke"})
	require.NoError(t, err)
	assert.Zero(t, res.Total)
	assert.Equal(t, []string{"brake"}, res.Suggestions)
	assert.Equal(t, []string{"brke"}, sg.got)

	// Queries with results never carry suggestions.
	res, err = s.Search(context.Background(), search.Request{Query: "brake"})
	require.NoError(t, err)
	assert.Empty(t, res.Suggestions)
}

type recordingObserver struct {
	stats []search.QueryStats
}

func (o *recordingObserver) ObserveQuery(st search.QueryStats) {
	o.stats = append(o.stats, st)
}

func TestSearchCacheTransparency(t *testing.T) {
	store, an := newFixture(t)
	obs := &recordingObserver{}
	rc := cache.New(cache.NewMemoryBackend(), time.Minute, nil)
	s := newSearcher(store, an, searcherOptions{cache: rc, observer: obs})
	ctx := context.Background()

	first, err := s.Search(ctx, search.Request{RequestID: "r1", Query: "brake"})
	require.NoError(t, err)
	assert.Equal(t, search.CacheMiss, first.CacheStatus)

	second, err := s.Search(ctx, search.Request{RequestID: "r2", Query: "brake"})
	require.NoError(t, err)
	assert.Equal(t, search.CacheHit, second.CacheStatus)
	assert.Equal(t, docIDs(first), docIDs(second))
	assert.Equal(t, first.Total, second.Total)

	// Personalised requests bypass the shared cache entirely.
	personal, err := s.Search(ctx, search.Request{RequestID: "r3", Query: "brake", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, search.CacheBypass, personal.CacheStatus)

	// A different request shape is a different cache entry.
	limited, err := s.Search(ctx, search.Request{RequestID: "r4", Query: "brake", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, search.CacheMiss, limited.CacheStatus)

	require.Len(t, obs.stats, 4)
	assert.Equal(t, "r1", obs.stats[0].RequestID)
	assert.Equal(t, search.CacheMiss, obs.stats[0].CacheStatus)
	assert.Equal(t, search.CacheHit, obs.stats[1].CacheStatus)
	assert.Equal(t, search.CacheBypass, obs.stats[2].CacheStatus)
	assert.EqualValues(t, 3, obs.stats[0].Results)
}

func TestSearchTenantScoping(t *testing.T) {
	store, an := newFixture(t)
	_, err := store.Upsert(context.Background(), index.Document{
		ID: "d5", Tenant: "shop-b", Revision: 1,
		Fields:    map[string]string{"title": "brake disc"},
		UpdatedAt: fixtureNow.Add(-time.Hour),
	})
	require.NoError(t, err)
	s := newSearcher(store, an, searcherOptions{})
	ctx := context.Background()

	ours, err := s.Search(ctx, search.Request{Query: "brake", Tenant: "shop-a"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "d2", "d3"}, docIDs(ours))

	theirs, err := s.Search(ctx, search.Request{Query: "brake", Tenant: "shop-b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"d5"}, docIDs(theirs))

	nobody, err := s.Search(ctx, search.Request{Query: "brake", Tenant: "shop-c"})
	require.NoError(t, err)
	assert.Zero(t, nobody.Total)

	everyone, err := s.Search(ctx, search.Request{Query: "brake"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "d2", "d3", "d5"}, docIDs(everyone))
}

// capturingCache records the coverage terms handed to the cache and always
// computes.
type capturingCache struct {
	terms []string
}

func (c *capturingCache) GetOrCompute(ctx context.Context, _ string, terms []string, compute func(context.Context) (*search.Result, error)) (*search.Result, bool, error) {
	c.terms = terms
	res, err := compute(ctx)
	return res, false, err
}

func TestSearchCacheCoverageIncludesNegatedTerms(t *testing.T) {
	store, an := newFixture(t)
	cc := &capturingCache{}
	s := newSearcher(store, an, searcherOptions{cache: cc})

	_, err := s.Search(context.Background(), search.Request{Query: "brake NOT gasket"})
	require.NoError(t, err)

	// A document gaining or losing only "gasket" changes this result, so
	// the entry must be invalidated by writes touching it.
	assert.ElementsMatch(t, []string{"brake", "gasket"}, cc.terms)
}

func TestSearchReportsShownDocuments(t *testing.T) {
	store, an := newFixture(t)
	obs := &recordingObserver{}
	s := newSearcher(store, an, searcherOptions{observer: obs})
	ctx := context.Background()

	_, err := s.Search(ctx, search.Request{Query: "brake"})
	require.NoError(t, err)
	_, err = s.Search(ctx, search.Request{Query: "brake", Limit: 1})
	require.NoError(t, err)

	require.Len(t, obs.stats, 2)
	assert.Equal(t, []string{"d1", "d2", "d3"}, obs.stats[0].DocIDs)
	assert.Equal(t, []string{"d1"}, obs.stats[1].DocIDs, "only the returned page counts as shown")
}
