package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fleetdocs/searchd/internal/analyzer"
	"github.com/fleetdocs/searchd/internal/index"
	"github.com/fleetdocs/searchd/internal/query"
	"github.com/fleetdocs/searchd/pkg/config"
	apperrors "github.com/fleetdocs/searchd/pkg/errors"
	"github.com/fleetdocs/searchd/pkg/metrics"
)

// SortMode selects the result ordering.
type SortMode string

const (
	SortRelevance SortMode = "relevance"
	SortRecency   SortMode = "recency"
	SortID        SortMode = "id"
)

// CacheStatus reports how the result cache participated in a search.
type CacheStatus string

const (
	CacheHit    CacheStatus = "hit"
	CacheMiss   CacheStatus = "miss"
	CacheBypass CacheStatus = "bypass"
)

// Request is one search invocation. RequestID correlates the query-log
// entry with any later result clicks. A non-empty Tenant restricts results
// to that tenant's documents.
type Request struct {
	RequestID string         `json:"request_id"`
	Query     string         `json:"query"`
	Tenant    string         `json:"tenant"`
	UserID    string         `json:"user_id"`
	Filters   []index.Filter `json:"filters"`
	Sort      SortMode       `json:"sort"`
	Offset    int            `json:"offset"`
	Limit     int            `json:"limit"`
	Highlight bool           `json:"highlight"`
}

// Hit is one ranked result row.
type Hit struct {
	DocID      string            `json:"doc_id"`
	Score      float64           `json:"score"`
	Fields     map[string]string `json:"fields,omitempty"`
	Highlights map[string][]Span `json:"highlights,omitempty"`
}

// Result is the response to one search Request.
type Result struct {
	Hits        []Hit         `json:"hits"`
	Total       uint64        `json:"total"`
	Facets      []index.Facet `json:"facets,omitempty"`
	Suggestions []string      `json:"suggestions,omitempty"`
	CacheStatus CacheStatus   `json:"cache_status"`
	TookMillis  int64         `json:"took_ms"`
}

// ResultCache is the shared result cache. GetOrCompute collapses concurrent
// identical misses into one execution; terms lists the normalised terms the
// cached entry covers, used for invalidation on index writes.
type ResultCache interface {
	GetOrCompute(ctx context.Context, key string, terms []string, compute func(context.Context) (*Result, error)) (*Result, bool, error)
}

// Suggester offers spelling corrections for query words that matched
// nothing. max <= 0 means the suggester's configured maximum.
type Suggester interface {
	DidYouMean(words []string, max int) []string
}

// QueryStats is what the searcher reports to analytics after every request.
// DocIDs lists the documents the returned page actually showed, in rank
// order; analytics counts them as impressions for click-through rates.
type QueryStats struct {
	RequestID   string
	Query       string
	Tenant      string
	UserID      string
	Results     uint64
	DocIDs      []string
	CacheStatus CacheStatus
	Latency     time.Duration
	Timestamp   time.Time
}

// QueryObserver receives QueryStats asynchronously. Implementations must
// never block the search path.
type QueryObserver interface {
	ObserveQuery(stats QueryStats)
}

// Searcher ties parsing, execution, ranking, caching, and suggestions into
// the read path.
type Searcher struct {
	cfg      config.SearchConfig
	store    *index.Store
	executor *Executor
	ranker   *Ranker
	hl       *Highlighter
	analyzer *analyzer.Analyzer
	cache    ResultCache
	suggest  Suggester
	observer QueryObserver
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewSearcher wires the read path. cache, suggest, observer, and m may each
// be nil; the corresponding behaviour is skipped.
func NewSearcher(
	cfg config.SearchConfig,
	store *index.Store,
	executor *Executor,
	ranker *Ranker,
	an *analyzer.Analyzer,
	cache ResultCache,
	suggest Suggester,
	observer QueryObserver,
	m *metrics.Metrics,
) *Searcher {
	return &Searcher{
		cfg:      cfg,
		store:    store,
		executor: executor,
		ranker:   ranker,
		hl:       NewHighlighter(an),
		analyzer: an,
		cache:    cache,
		suggest:  suggest,
		observer: observer,
		metrics:  m,
		logger:   slog.Default().With("component", "searcher"),
		now:      time.Now,
	}
}

// Search runs one query end to end. Personalised requests (non-empty
// UserID) bypass the shared cache so one user's ordering never leaks into
// another's.
func (s *Searcher) Search(ctx context.Context, req Request) (*Result, error) {
	started := s.now()
	req = s.normalizeRequest(req)

	tree, err := query.Parse(req.Query)
	if err != nil {
		s.countQuery("malformed")
		return nil, err
	}

	var (
		res    *Result
		status = CacheBypass
	)
	compute := func(ctx context.Context) (*Result, error) {
		return s.execute(ctx, req, tree)
	}

	if s.cache != nil && req.UserID == "" {
		key := s.cacheKey(req)
		cached, hit, cerr := s.cache.GetOrCompute(ctx, key, s.coverageTerms(tree), compute)
		if cerr != nil {
			err = cerr
		} else {
			res = cached
			if hit {
				status = CacheHit
			} else {
				status = CacheMiss
			}
		}
	} else {
		res, err = compute(ctx)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.countQuery("timeout")
			return nil, apperrors.Newf(apperrors.ErrQueryTimeout, 504,
				"query exceeded %s", s.cfg.QueryTimeout)
		}
		s.countQuery("error")
		return nil, err
	}

	latency := s.now().Sub(started)
	res.CacheStatus = status
	res.TookMillis = latency.Milliseconds()

	s.countQuery("ok")
	if s.metrics != nil {
		s.metrics.SearchLatency.WithLabelValues(string(status)).Observe(latency.Seconds())
		s.metrics.SearchResultsCount.Observe(float64(res.Total))
	}
	if s.observer != nil {
		shown := make([]string, 0, len(res.Hits))
		for _, h := range res.Hits {
			shown = append(shown, h.DocID)
		}
		s.observer.ObserveQuery(QueryStats{
			RequestID:   req.RequestID,
			Query:       req.Query,
			Tenant:      req.Tenant,
			UserID:      req.UserID,
			Results:     res.Total,
			DocIDs:      shown,
			CacheStatus: status,
			Latency:     latency,
			Timestamp:   started,
		})
	}
	return res, nil
}

// execute is the uncached search path. It runs under the query timeout;
// on expiry partial work is discarded and the deadline error propagates.
func (s *Searcher) execute(ctx context.Context, req Request, tree query.Node) (*Result, error) {
	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
	}

	var (
		candidates = s.store.AllDocs()
		matches    = newMatches()
	)
	if tree != nil {
		var err error
		candidates, matches, err = s.executor.Evaluate(ctx, tree)
		if err != nil {
			return nil, err
		}
	}
	candidates = s.store.FilterTenant(candidates, req.Tenant)
	candidates = s.store.ApplyFilters(candidates, req.Filters)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	facets := s.store.FacetCounts(candidates, s.cfg.MaxFacets)
	scored := s.ranker.Rank(candidates, matches, req.UserID, s.now())
	s.applySort(scored, req.Sort)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{
		Total:  uint64(len(scored)),
		Facets: facets,
	}
	page := paginate(scored, req.Offset, req.Limit)
	res.Hits = make([]Hit, 0, len(page))
	for _, sc := range page {
		hit := Hit{DocID: sc.DocID, Score: sc.Score}
		if meta, ok := s.store.Meta(sc.DocID); ok {
			hit.Fields = meta.Fields
			if req.Highlight {
				hit.Highlights = s.highlightFields(meta.Fields, matches.Terms())
			}
		}
		res.Hits = append(res.Hits, hit)
	}

	if res.Total == 0 && s.suggest != nil && tree != nil {
		res.Suggestions = s.suggest.DidYouMean(query.Terms(tree), 0)
	}
	return res, nil
}

func (s *Searcher) normalizeRequest(req Request) Request {
	if req.Limit <= 0 {
		req.Limit = s.cfg.DefaultLimit
	}
	if s.cfg.MaxResults > 0 && req.Limit > s.cfg.MaxResults {
		req.Limit = s.cfg.MaxResults
	}
	if req.Offset < 0 {
		req.Offset = 0
	}
	if req.Sort == "" {
		req.Sort = SortRelevance
	}
	req.Query = strings.TrimSpace(req.Query)
	return req
}

func (s *Searcher) applySort(scored []Scored, mode SortMode) {
	switch mode {
	case SortRecency:
		sort.Slice(scored, func(i, j int) bool {
			if !scored[i].UpdatedAt.Equal(scored[j].UpdatedAt) {
				return scored[i].UpdatedAt.After(scored[j].UpdatedAt)
			}
			return scored[i].DocID < scored[j].DocID
		})
	case SortID:
		sort.Slice(scored, func(i, j int) bool {
			return scored[i].DocID < scored[j].DocID
		})
	}
}

func (s *Searcher) highlightFields(fields map[string]string, terms []string) map[string][]Span {
	out := make(map[string][]Span)
	for name, text := range fields {
		if spans := s.hl.Spans(text, terms); len(spans) > 0 {
			out[name] = spans
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// cacheKey is a digest of everything that determines a shared (non
// personalised) result.
func (s *Searcher) cacheKey(req Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "q=%s|t=%s|s=%s|o=%d|l=%d|hl=%t", req.Query, req.Tenant, req.Sort, req.Offset, req.Limit, req.Highlight)
	for _, f := range req.Filters {
		fmt.Fprintf(h, "|f=%s:%d:%s", f.Attr, f.Op, f.Value.Key())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// coverageTerms lists the normalised terms a cached entry depends on,
// negated terms included. Any index write touching one of them invalidates
// the entry.
func (s *Searcher) coverageTerms(tree query.Node) []string {
	words := query.CoverageTerms(tree)
	terms := make([]string, 0, len(words))
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		t := s.analyzer.Normalize(w)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	return terms
}

func (s *Searcher) countQuery(outcome string) {
	if s.metrics != nil {
		s.metrics.SearchQueriesTotal.WithLabelValues(outcome).Inc()
	}
}

func paginate(scored []Scored, offset, limit int) []Scored {
	if offset >= len(scored) {
		return nil
	}
	end := offset + limit
	if end > len(scored) {
		end = len(scored)
	}
	return scored[offset:end]
}
