// Package cache is the shared search-result cache: a TTL'd key-value layer
// over Redis with term-coverage invalidation and singleflight protection
// against thundering herds. Cache failures degrade to computing results
// directly; they are never surfaced to searchers.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fleetdocs/searchd/internal/search"
	"github.com/fleetdocs/searchd/pkg/metrics"
	"github.com/fleetdocs/searchd/pkg/resilience"
)

const (
	resultKeyPrefix = "searchd:result:"
	coverKeyPrefix  = "searchd:cover:"
)

// ResultCache caches search results keyed by the request digest. Each entry
// is registered under a coverage set per query term, so index writes can
// invalidate exactly the entries whose terms they touched.
type ResultCache struct {
	backend Backend
	ttl     time.Duration
	breaker *resilience.CircuitBreaker
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a ResultCache over backend with the given entry TTL.
func New(backend Backend, ttl time.Duration, m *metrics.Metrics) *ResultCache {
	return &ResultCache{
		backend: backend,
		ttl:     ttl,
		breaker: resilience.NewCircuitBreaker("result-cache", resilience.CircuitBreakerConfig{}),
		metrics: m,
		logger:  slog.Default().With("component", "result-cache"),
	}
}

// GetOrCompute returns the cached result for key, or runs compute and caches
// its result. Concurrent callers with the same key share one compute
// execution. The backend being down is treated as a miss without caching.
func (c *ResultCache) GetOrCompute(ctx context.Context, key string, terms []string, compute func(context.Context) (*search.Result, error)) (*search.Result, bool, error) {
	if res, ok := c.lookup(ctx, key); ok {
		if c.metrics != nil {
			c.metrics.CacheHitsTotal.Inc()
		}
		return res, true, nil
	}
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A racing flight may have populated the entry after our miss.
		if res, ok := c.lookup(ctx, key); ok {
			return res, nil
		}
		res, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.store(ctx, key, terms, res)
		return res, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*search.Result), false, nil
}

func (c *ResultCache) lookup(ctx context.Context, key string) (*search.Result, bool) {
	var (
		raw  string
		miss bool
	)
	err := c.breaker.Execute(func() error {
		val, gerr := c.backend.Get(ctx, resultKeyPrefix+key)
		if gerr == ErrMiss {
			// A miss is a normal outcome, not a backend failure.
			miss = true
			return nil
		}
		raw = val
		return gerr
	})
	if err != nil {
		c.logger.Warn("cache read failed", "error", err)
		return nil, false
	}
	if miss {
		return nil, false
	}
	var res search.Result
	if uerr := json.Unmarshal([]byte(raw), &res); uerr != nil {
		c.logger.Warn("cache entry corrupt, dropping", "key", key, "error", uerr)
		_ = c.backend.Del(ctx, resultKeyPrefix+key)
		return nil, false
	}
	res.CacheStatus = search.CacheHit
	return &res, true
}

// store writes the entry and registers it under each term's coverage set.
// Coverage sets outlive the entries they reference so invalidation stays
// correct across entry expiry.
func (c *ResultCache) store(ctx context.Context, key string, terms []string, res *search.Result) {
	raw, err := json.Marshal(res)
	if err != nil {
		c.logger.Warn("cache encode failed", "key", key, "error", err)
		return
	}
	err = c.breaker.Execute(func() error {
		if serr := c.backend.Set(ctx, resultKeyPrefix+key, string(raw), c.ttl); serr != nil {
			return serr
		}
		for _, term := range terms {
			cover := coverKeyPrefix + term
			if serr := c.backend.SAdd(ctx, cover, key); serr != nil {
				return serr
			}
			if serr := c.backend.Expire(ctx, cover, 2*c.ttl); serr != nil {
				return serr
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// Invalidate drops every cached entry covering any of the given terms and
// returns how many entries were removed. Index commits call this with the
// affected term list.
func (c *ResultCache) Invalidate(ctx context.Context, terms []string) (int, error) {
	if len(terms) == 0 {
		return 0, nil
	}
	dropped := 0
	err := c.breaker.Execute(func() error {
		for _, term := range terms {
			cover := coverKeyPrefix + term
			keys, serr := c.backend.SMembers(ctx, cover)
			if serr != nil {
				return serr
			}
			del := make([]string, 0, len(keys)+1)
			for _, k := range keys {
				del = append(del, resultKeyPrefix+k)
			}
			del = append(del, cover)
			if serr := c.backend.Del(ctx, del...); serr != nil {
				return serr
			}
			dropped += len(keys)
		}
		return nil
	})
	if err != nil {
		return dropped, err
	}
	if c.metrics != nil && dropped > 0 {
		c.metrics.CacheInvalidations.Add(float64(dropped))
	}
	return dropped, nil
}
