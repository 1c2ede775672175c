package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fleetdocs/searchd/pkg/redis"
)

// ErrMiss is returned by Backend.Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Backend abstracts the cache storage so the result cache can run against
// Redis in production and an in-process map in tests.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// redisBackend adapts the shared Redis client to the Backend interface.
type redisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps client as a Backend.
func NewRedisBackend(client *redis.Client) Backend {
	return &redisBackend{client: client}
}

func (b *redisBackend) Get(ctx context.Context, key string) (string, error) {
	val, err := b.client.Get(ctx, key)
	if redis.IsNilError(err) {
		return "", ErrMiss
	}
	return val, err
}

func (b *redisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl)
}

func (b *redisBackend) Del(ctx context.Context, keys ...string) error {
	return b.client.Del(ctx, keys...)
}

func (b *redisBackend) SAdd(ctx context.Context, key string, members ...string) error {
	return b.client.SAdd(ctx, key, members...)
}

func (b *redisBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	return b.client.SMembers(ctx, key)
}

func (b *redisBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.client.Expire(ctx, key, ttl)
}

// MemoryBackend is an in-process Backend with TTL expiry, used in tests and
// as a local fallback when Redis is not configured.
type MemoryBackend struct {
	mu     sync.Mutex
	values map[string]memoryEntry
	sets   map[string]map[string]struct{}
	now    func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		values: make(map[string]memoryEntry),
		sets:   make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

// SetClock overrides the backend's clock so tests can step time.
func (b *MemoryBackend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *MemoryBackend) Get(_ context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.values[key]
	if !ok {
		return "", ErrMiss
	}
	if !entry.expiresAt.IsZero() && !b.now().Before(entry.expiresAt) {
		delete(b.values, key)
		return "", ErrMiss
	}
	return entry.value, nil
}

func (b *MemoryBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = b.now().Add(ttl)
	}
	b.values[key] = entry
	return nil
}

func (b *MemoryBackend) Del(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		delete(b.values, key)
		delete(b.sets, key)
	}
	return nil
}

func (b *MemoryBackend) SAdd(_ context.Context, key string, members ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sets[key]
	if !ok {
		set = make(map[string]struct{})
		b.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (b *MemoryBackend) SMembers(_ context.Context, key string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out, nil
}

func (b *MemoryBackend) Expire(_ context.Context, _ string, _ time.Duration) error {
	return nil
}
