package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdocs/searchd/internal/search"
)

func computeResult(total uint64) func(context.Context) (*search.Result, error) {
	return func(context.Context) (*search.Result, error) {
		return &search.Result{Total: total, Hits: []search.Hit{{DocID: "d1", Score: 1.5}}}, nil
	}
}

func TestGetOrComputeCachesResults(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBackend(), time.Minute, nil)

	calls := 0
	compute := func(ctx context.Context) (*search.Result, error) {
		calls++
		return computeResult(3)(ctx)
	}

	res, hit, err := c.GetOrCompute(ctx, "k1", []string{"brake"}, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.EqualValues(t, 3, res.Total)
	assert.Equal(t, 1, calls)

	res, hit, err = c.GetOrCompute(ctx, "k1", []string{"brake"}, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.EqualValues(t, 3, res.Total)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "d1", res.Hits[0].DocID)
	assert.Equal(t, 1, calls, "hits never recompute")

	// A different key computes independently.
	_, hit, err = c.GetOrCompute(ctx, "k2", []string{"brake"}, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, calls)
}

func TestGetOrComputePropagatesComputeErrors(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBackend(), time.Minute, nil)

	boom := errors.New("boom")
	_, _, err := c.GetOrCompute(ctx, "k1", nil, func(context.Context) (*search.Result, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	// Failures are not cached.
	res, hit, err := c.GetOrCompute(ctx, "k1", nil, computeResult(1))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.EqualValues(t, 1, res.Total)
}

func TestEntriesExpire(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	backend.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	c := New(backend, time.Minute, nil)

	_, hit, err := c.GetOrCompute(ctx, "k1", []string{"brake"}, computeResult(1))
	require.NoError(t, err)
	assert.False(t, hit)

	_, hit, err = c.GetOrCompute(ctx, "k1", []string{"brake"}, computeResult(1))
	require.NoError(t, err)
	assert.True(t, hit)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	_, hit, err = c.GetOrCompute(ctx, "k1", []string{"brake"}, computeResult(1))
	require.NoError(t, err)
	assert.False(t, hit, "entries past their TTL recompute")
}

func TestInvalidateByTerm(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBackend(), time.Minute, nil)

	_, _, err := c.GetOrCompute(ctx, "brake-query", []string{"brake", "pad"}, computeResult(1))
	require.NoError(t, err)
	_, _, err = c.GetOrCompute(ctx, "rotor-query", []string{"rotor"}, computeResult(2))
	require.NoError(t, err)

	// A term that covers no entries drops nothing.
	dropped, err := c.Invalidate(ctx, []string{"filter"})
	require.NoError(t, err)
	assert.Zero(t, dropped)

	dropped, err = c.Invalidate(ctx, []string{"pad"})
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	_, hit, err := c.GetOrCompute(ctx, "brake-query", []string{"brake", "pad"}, computeResult(1))
	require.NoError(t, err)
	assert.False(t, hit, "entries covering the written term are gone")

	_, hit, err = c.GetOrCompute(ctx, "rotor-query", []string{"rotor"}, computeResult(2))
	require.NoError(t, err)
	assert.True(t, hit, "unrelated entries survive")

	dropped, err = c.Invalidate(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, dropped)
}

func TestConcurrentMissesShareOneCompute(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBackend(), time.Minute, nil)

	var calls atomic.Int64
	release := make(chan struct{})
	compute := func(context.Context) (*search.Result, error) {
		calls.Add(1)
		<-release
		return &search.Result{Total: 9}, nil
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*search.Result, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, _, err := c.GetOrCompute(ctx, "shared", nil, compute)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	// Give every goroutine time to reach the flight before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load(), "concurrent identical misses collapse")
	for _, res := range results {
		require.NotNil(t, res)
		assert.EqualValues(t, 9, res.Total)
	}
}

type failingBackend struct {
	Backend
	fail atomic.Bool
}

func (b *failingBackend) Get(ctx context.Context, key string) (string, error) {
	if b.fail.Load() {
		return "", errors.New("backend down")
	}
	return b.Backend.Get(ctx, key)
}

func TestBackendFailureDegradesToCompute(t *testing.T) {
	ctx := context.Background()
	backend := &failingBackend{Backend: NewMemoryBackend()}
	backend.fail.Store(true)
	c := New(backend, time.Minute, nil)

	res, hit, err := c.GetOrCompute(ctx, "k1", nil, computeResult(4))
	require.NoError(t, err, "a broken backend never fails the search")
	assert.False(t, hit)
	assert.EqualValues(t, 4, res.Total)
}

func TestCorruptEntryIsDropped(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	c := New(backend, time.Minute, nil)

	require.NoError(t, backend.Set(ctx, resultKeyPrefix+"k1", "{not json", time.Minute))

	res, hit, err := c.GetOrCompute(ctx, "k1", nil, computeResult(2))
	require.NoError(t, err)
	assert.False(t, hit, "corrupt entries are treated as misses")
	assert.EqualValues(t, 2, res.Total)

	_, hit, err = c.GetOrCompute(ctx, "k1", nil, computeResult(2))
	require.NoError(t, err)
	assert.True(t, hit, "the recomputed entry replaces the corrupt one")
}
