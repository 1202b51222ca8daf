package store

import (
	"context"
	"sync"
	"time"

	"blobgate/pkg/logging"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache holds short-lived gateway state such as consumed challenge tokens.
type Cache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisCache wraps go-redis and namespaces every key with Prefix.
type RedisCache struct {
	client *redis.Client
	Prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, Prefix: prefix}
}

func (r *RedisCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.Prefix+key, value, ttl).Result()
	return ok, errors.Wrap(err, "redis setnx")
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, r.Prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return res, errors.Wrap(err, "redis get")
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return errors.Wrap(r.client.Set(ctx, r.Prefix+key, value, ttl).Err(), "redis set")
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return errors.Wrap(r.client.Del(ctx, r.Prefix+key).Err(), "redis del")
}

const (
	// DefaultMemoryCacheEntries bounds NewMemoryCache.
	DefaultMemoryCacheEntries = 10000
	memorySweepInterval       = time.Minute
)

// MemoryCache is the single-process fallback. A zero ttl never expires.
// Expired entries are swept at most once per minute; once max entries are
// held, inserting a new key evicts an arbitrary existing one.
type MemoryCache struct {
	mu        sync.Mutex
	items     map[string]memItem
	now       func() time.Time
	max       int
	lastSweep time.Time
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func (it memItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

func NewMemoryCache() *MemoryCache {
	return NewBoundedMemoryCache(DefaultMemoryCacheEntries)
}

// NewBoundedMemoryCache holds at most max entries; max <= 0 uses the default.
func NewBoundedMemoryCache(max int) *MemoryCache {
	if max <= 0 {
		max = DefaultMemoryCacheEntries
	}
	return &MemoryCache{items: map[string]memItem{}, now: time.Now, max: max}
}

func (m *MemoryCache) SetNX(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.liveLocked(key); ok {
		return false, nil
	}
	m.putLocked(key, value, ttl)
	return true, nil
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.liveLocked(key)
	if !ok {
		return "", ErrMiss
	}
	return item.value, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(key, value, ttl)
	return nil
}

func (m *MemoryCache) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Len reports the number of stored entries, expired ones included until the
// next sweep.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *MemoryCache) liveLocked(key string) (memItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memItem{}, false
	}
	if item.expired(m.now()) {
		delete(m.items, key)
		return memItem{}, false
	}
	return item, true
}

func (m *MemoryCache) putLocked(key, value string, ttl time.Duration) {
	now := m.now()
	if now.Sub(m.lastSweep) >= memorySweepInterval {
		m.sweepLocked(now)
	}
	if _, exists := m.items[key]; !exists {
		for k := range m.items {
			if len(m.items) < m.max {
				break
			}
			delete(m.items, k)
		}
	}
	it := memItem{value: value}
	if ttl > 0 {
		it.expiresAt = now.Add(ttl)
	}
	m.items[key] = it
}

func (m *MemoryCache) sweepLocked(now time.Time) {
	m.lastSweep = now
	for k, v := range m.items {
		if v.expired(now) {
			delete(m.items, k)
		}
	}
}

// NewCache prefers redis and falls back to memory when it is missing or
// unreachable.
func NewCache(ctx context.Context, client *redis.Client, log *zap.Logger) Cache {
	if client != nil {
		err := client.Ping(ctx).Err()
		if err == nil {
			return NewRedisCache(client, "blobgate:")
		}
		logging.OrNop(log).Warn("redis unreachable, using in-memory cache", zap.Error(err))
	}
	return NewMemoryCache()
}
