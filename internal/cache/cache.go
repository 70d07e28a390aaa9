// Package cache provides the time-bounded caches used for quotes and FX
// rates. A Cache exposes a single GetOrRefresh operation so staleness is an
// explicit, per-call TTL instead of a constant buried in callers. Lookups are
// counted by cache name and result in Prometheus.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/ecolebourse/plus-engine/internal/metrics"
)

// RefreshFunc loads a fresh value on a miss. Errors are never cached.
type RefreshFunc[V any] func(ctx context.Context) (V, error)

// Cache is a TTL cache keyed by string.
type Cache[V any] interface {
	// GetOrRefresh returns the cached value for key when younger than ttl,
	// otherwise calls refresh, stores its result and returns it.
	GetOrRefresh(ctx context.Context, key string, ttl time.Duration, refresh RefreshFunc[V]) (V, error)

	// Invalidate drops key.
	Invalidate(ctx context.Context, key string) error
}

const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultError = "error"
)

// --- In-process cache ---

type entry[V any] struct {
	value   V
	expires time.Time
}

// evictEvery bounds how often a Memory cache scans for expired entries.
const evictEvery = time.Minute

// Memory is an in-process Cache. Concurrent misses on the same key share a
// single refresh call. Expired entries are dropped by a scan that runs on
// write at most once per evictEvery.
type Memory[V any] struct {
	name      string
	mu        sync.RWMutex
	items     map[string]entry[V]
	group     singleflight.Group
	now       func() time.Time
	lastEvict time.Time
}

// NewMemory creates an in-process cache reported under name.
func NewMemory[V any](name string) *Memory[V] {
	return &Memory[V]{
		name:  name,
		items: make(map[string]entry[V]),
		now:   time.Now,
	}
}

// SetClock replaces the time source (tests).
func (c *Memory[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Memory[V]) GetOrRefresh(ctx context.Context, key string, ttl time.Duration, refresh RefreshFunc[V]) (V, error) {
	c.mu.RLock()
	e, ok := c.items[key]
	now := c.now()
	c.mu.RUnlock()
	if ok && now.Before(e.expires) {
		metrics.CacheRequests.WithLabelValues(c.name, resultHit).Inc()
		return e.value, nil
	}
	metrics.CacheRequests.WithLabelValues(c.name, resultMiss).Inc()

	v, err, _ := c.group.Do(key, func() (any, error) {
		fresh, err := refresh(ctx)
		if err != nil {
			return fresh, err
		}
		c.mu.Lock()
		now := c.now()
		c.evictLocked(now)
		c.items[key] = entry[V]{value: fresh, expires: now.Add(ttl)}
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

func (c *Memory[V]) evictLocked(now time.Time) {
	if now.Sub(c.lastEvict) < evictEvery {
		return
	}
	c.lastEvict = now
	for k, e := range c.items {
		if !now.Before(e.expires) {
			delete(c.items, k)
		}
	}
}

func (c *Memory[V]) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (c *Memory[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// --- Redis-backed cache ---

// Redis is a Cache shared between service instances. Values are stored as
// JSON under prefix+key with the per-call TTL. Redis failures degrade to a
// direct refresh.
type Redis[V any] struct {
	name   string
	prefix string
	rdb    *redis.Client
	group  singleflight.Group
}

// NewRedis creates a Redis-backed cache reported under name.
func NewRedis[V any](name string, rdb *redis.Client, prefix string) *Redis[V] {
	return &Redis[V]{name: name, prefix: prefix, rdb: rdb}
}

func (c *Redis[V]) GetOrRefresh(ctx context.Context, key string, ttl time.Duration, refresh RefreshFunc[V]) (V, error) {
	full := c.prefix + key

	data, err := c.rdb.Get(ctx, full).Bytes()
	switch {
	case err == nil:
		var v V
		if json.Unmarshal(data, &v) == nil {
			metrics.CacheRequests.WithLabelValues(c.name, resultHit).Inc()
			return v, nil
		}
		metrics.CacheRequests.WithLabelValues(c.name, resultError).Inc()
	case err == redis.Nil:
		metrics.CacheRequests.WithLabelValues(c.name, resultMiss).Inc()
	default:
		metrics.CacheRequests.WithLabelValues(c.name, resultError).Inc()
		slog.Warn("redis cache read failed", "cache", c.name, "key", full, "err", err)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		fresh, err := refresh(ctx)
		if err != nil {
			return fresh, err
		}
		if data, err := json.Marshal(fresh); err == nil {
			if err := c.rdb.Set(ctx, full, data, ttl).Err(); err != nil {
				slog.Warn("redis cache write failed", "cache", c.name, "key", full, "err", err)
			}
		}
		return fresh, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

func (c *Redis[V]) Invalidate(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.prefix+key).Err()
}
