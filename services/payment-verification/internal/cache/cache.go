// services/payment-verification/internal/cache/cache.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Remote is the optional second tier shared between instances.
// shared/pkg/redis.Client satisfies it.
type Remote interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// Cache is a read-through memo with lazily checked TTLs. Entries are never
// evicted in the background; a stale entry stays in memory until it is read,
// overwritten, invalidated or cleared.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	gens    map[string]uint64
	epoch   uint64

	group  singleflight.Group
	now    func() time.Time
	remote Remote
	prefix string
	logger *zap.Logger
}

type entry struct {
	data      interface{}
	timestamp time.Time
	ttl       time.Duration
}

// envelope is the remote representation of an entry. The timestamp travels
// with the data so every instance applies the same TTL boundary.
type envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"ts"`
	TTL       time.Duration   `json:"ttl"`
}

type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithRemote enables the shared tier. Keys are stored under prefix.
func WithRemote(remote Remote, prefix string) Option {
	return func(c *Cache) {
		c.remote = remote
		c.prefix = prefix
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		gens:    make(map[string]uint64),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the value cached under key if it is younger than ttl. Otherwise
// it calls fetcher once for all concurrent callers of the same key, stores the
// result and returns it. Fetch errors are returned and never cached.
func Fetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetcher func(context.Context) (T, error)) (T, error) {
	var zero T

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.timestamp) < ttl {
		if v, ok := e.data.(T); ok {
			c.mu.Unlock()
			cacheLookups.WithLabelValues(resultHit).Inc()
			return v, nil
		}
	}
	gen, epoch := c.gens[key], c.epoch
	c.mu.Unlock()

	flightKey := fmt.Sprintf("%s#%d.%d", key, epoch, gen)
	v, err, _ := c.group.Do(flightKey, func() (interface{}, error) {
		if v, ts, ok := fetchRemote[T](ctx, c, key, ttl); ok {
			cacheLookups.WithLabelValues(resultRemoteHit).Inc()
			c.store(key, v, ts, ttl, gen, epoch)
			return v, nil
		}

		cacheLookups.WithLabelValues(resultMiss).Inc()
		v, err := fetcher(ctx)
		if err != nil {
			return nil, err
		}
		ts := c.now()
		if c.store(key, v, ts, ttl, gen, epoch) {
			c.storeRemote(ctx, key, v, ts, ttl)
		}
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// store keeps the fill unless the key was invalidated or the cache cleared
// while it was in flight.
func (c *Cache) store(key string, v interface{}, ts time.Time, ttl time.Duration, gen, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch || c.gens[key] != gen {
		c.logger.Debug("discarding stale cache fill", zap.String("key", key))
		return false
	}
	c.entries[key] = &entry{data: v, timestamp: ts, ttl: ttl}
	return true
}

func fetchRemote[T any](ctx context.Context, c *Cache, key string, ttl time.Duration) (T, time.Time, bool) {
	var zero T
	if c.remote == nil {
		return zero, time.Time{}, false
	}

	raw, err := c.remote.Get(ctx, c.prefix+key)
	if err != nil {
		return zero, time.Time{}, false
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		c.logger.Warn("dropping malformed remote cache entry", zap.String("key", key), zap.Error(err))
		return zero, time.Time{}, false
	}
	if c.now().Sub(env.Timestamp) >= ttl {
		return zero, time.Time{}, false
	}

	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		c.logger.Warn("failed to decode remote cache entry", zap.String("key", key), zap.Error(err))
		return zero, time.Time{}, false
	}
	return v, env.Timestamp, true
}

func (c *Cache) storeRemote(ctx context.Context, key string, v interface{}, ts time.Time, ttl time.Duration) {
	if c.remote == nil {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	payload, err := json.Marshal(envelope{Data: data, Timestamp: ts, TTL: ttl})
	if err != nil {
		return
	}
	if err := c.remote.Set(ctx, c.prefix+key, payload, ttl); err != nil {
		c.logger.Warn("failed to write remote cache entry", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate removes keys from both tiers.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	c.mu.Lock()
	for _, key := range keys {
		delete(c.entries, key)
		c.gens[key]++
	}
	c.mu.Unlock()

	if c.remote == nil {
		return nil
	}
	remoteKeys := make([]string, len(keys))
	for i, key := range keys {
		remoteKeys[i] = c.prefix + key
	}
	if err := c.remote.Delete(ctx, remoteKeys...); err != nil {
		return fmt.Errorf("remote invalidate: %w", err)
	}
	return nil
}

// Clear drops every entry.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.gens = make(map[string]uint64)
	c.epoch++
	c.mu.Unlock()

	if c.remote == nil {
		return nil
	}
	if err := c.remote.DeleteByPattern(ctx, c.prefix+"*"); err != nil {
		return fmt.Errorf("remote clear: %w", err)
	}
	return nil
}

// Len reports the number of entries held in memory, stale ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
