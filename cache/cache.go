// Package cache provides an in-memory single-flight cache with TTL freshness
// and batched LRU eviction, used to front the reports API.
package cache

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"golang.org/x/sync/singleflight"

	"report-sync/metrics"
)

const (
	// DefaultCapacity is the number of entries kept before eviction kicks in
	DefaultCapacity = 1000
	// DefaultTTL is how long an entry stays fresh after it was loaded
	DefaultTTL = 5 * time.Minute
	// DefaultLoadTimeout bounds a single loader invocation
	DefaultLoadTimeout = 30 * time.Second

	evictFraction = 0.2
)

// Entry is a cached value. Timestamp is the load instant and drives TTL,
// LastAccess is touched on every fresh read and drives LRU eviction.
type Entry[V any] struct {
	Key        string
	Data       V
	Timestamp  time.Time
	LastAccess time.Time
}

// Loader produces the value for a key on a cache miss
type Loader[V any] func(ctx context.Context) (V, error)

// Stats is a point-in-time view of cache counters
type Stats struct {
	Entries       int    `json:"entries"`
	InFlight      int    `json:"in_flight"`
	Capacity      int    `json:"capacity"`
	TTLSeconds    int    `json:"ttl_seconds"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Loads         uint64 `json:"loads"`
	Joins         uint64 `json:"joins"`
	Evictions     uint64 `json:"evictions"`
	Invalidations uint64 `json:"invalidations"`
}

// flight marks the registration of one loader run for a key
type flight struct{}

// Cache coalesces concurrent loads per key and serves fresh entries from memory.
// All methods are safe for concurrent use.
type Cache[V any] struct {
	name        string
	capacity    int
	ttl         time.Duration
	loadTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	entries  map[string]*Entry[V]
	inflight map[string]*flight
	group    singleflight.Group
	stats    Stats
}

// New creates a cache; name labels its metrics and logs
func New[V any](name string, capacity int, ttl time.Duration) *Cache[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[V]{
		name:        name,
		capacity:    capacity,
		ttl:         ttl,
		loadTimeout: DefaultLoadTimeout,
		now:         time.Now,
		entries:     make(map[string]*Entry[V]),
		inflight:    make(map[string]*flight),
	}
}

// Get returns the entry for key if it is still fresh and refreshes its
// last access time. A stale entry is reported as a miss but stays stored.
func (c *Cache[V]) Get(key string) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.freshLocked(key)
	if !ok {
		c.stats.Misses++
		metrics.CacheMissesTotal.WithLabelValues(c.name).Inc()
		return Entry[V]{}, false
	}
	c.stats.Hits++
	metrics.CacheHitsTotal.WithLabelValues(c.name).Inc()
	return *e, true
}

// FetchOrJoin returns the fresh value for key, joins a load already in
// flight for it, or runs load exactly once and caches a successful result.
// Errors are never cached and reach every caller waiting on the same load.
//
// The load runs detached from ctx cancellation and is bounded by the load
// timeout; ctx only controls how long this caller waits for the result.
func (c *Cache[V]) FetchOrJoin(ctx context.Context, key string, load Loader[V]) (V, error) {
	if e, ok := c.Get(key); ok {
		return e.Data, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.load(detached, key, load)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.mu.Lock()
			c.stats.Joins++
			c.mu.Unlock()
			metrics.CacheJoinsTotal.WithLabelValues(c.name).Inc()
		}
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

func (c *Cache[V]) load(ctx context.Context, key string, load Loader[V]) (V, error) {
	c.mu.Lock()
	// A concurrent flight may have stored the key after our caller's miss.
	if e, ok := c.freshLocked(key); ok {
		data := e.Data
		c.mu.Unlock()
		return data, nil
	}
	token := &flight{}
	c.inflight[key] = token
	c.stats.Loads++
	c.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(ctx, c.loadTimeout)
	defer cancel()
	v, err := load(loadCtx)

	c.mu.Lock()
	defer c.mu.Unlock()

	registered := c.inflight[key] == token
	if registered {
		delete(c.inflight, key)
	}
	if err != nil {
		metrics.CacheLoadsTotal.WithLabelValues(c.name, "error").Inc()
		log.WithField("cache", c.name).WithField("key", key).WithError(err).Warn("cache load failed")
		return v, err
	}
	metrics.CacheLoadsTotal.WithLabelValues(c.name, "success").Inc()
	if !registered {
		// invalidated while loading; the value is handed out but not kept
		log.WithField("cache", c.name).WithField("key", key).Debug("dropping load result invalidated in flight")
		return v, nil
	}

	now := c.now()
	c.entries[key] = &Entry[V]{Key: key, Data: v, Timestamp: now, LastAccess: now}
	c.evictLocked()
	metrics.CacheEntries.WithLabelValues(c.name).Set(float64(len(c.entries)))
	return v, nil
}

// Invalidate removes the entry and any in-flight registration for key.
// It reports whether an entry was stored.
func (c *Cache[V]) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidateLocked(key)
}

// InvalidateMany invalidates every key and returns how many entries were removed
func (c *Cache[V]) InvalidateMany(keys []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range keys {
		if c.invalidateLocked(key) {
			removed++
		}
	}
	return removed
}

func (c *Cache[V]) invalidateLocked(key string) bool {
	_, found := c.entries[key]
	delete(c.entries, key)
	delete(c.inflight, key)
	c.group.Forget(key)

	if found {
		c.stats.Invalidations++
		metrics.CacheInvalidationsTotal.WithLabelValues(c.name).Inc()
		metrics.CacheEntries.WithLabelValues(c.name).Set(float64(len(c.entries)))
	}
	return found
}

// Len returns the number of stored entries, stale ones included
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a copy of the cache counters
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Entries = len(c.entries)
	s.InFlight = len(c.inflight)
	s.Capacity = c.capacity
	s.TTLSeconds = int(c.ttl / time.Second)
	return s
}

func (c *Cache[V]) freshLocked(key string) (*Entry[V], bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	now := c.now()
	if now.Sub(e.Timestamp) >= c.ttl {
		return nil, false
	}
	e.LastAccess = now
	return e, true
}

// evictLocked drops the least recently accessed fifth of the capacity once
// the cache grows past it. Eviction works on a sorted snapshot of the entries.
func (c *Cache[V]) evictLocked() {
	if len(c.entries) <= c.capacity {
		return
	}

	n := int(math.Ceil(float64(c.capacity) * evictFraction))
	if n < 1 {
		n = 1
	}

	snapshot := make([]*Entry[V], 0, len(c.entries))
	for _, e := range c.entries {
		snapshot = append(snapshot, e)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		a, b := snapshot[i], snapshot[j]
		if !a.LastAccess.Equal(b.LastAccess) {
			return a.LastAccess.Before(b.LastAccess)
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Key < b.Key
	})
	if n > len(snapshot) {
		n = len(snapshot)
	}

	for _, e := range snapshot[:n] {
		delete(c.entries, e.Key)
	}
	c.stats.Evictions += uint64(n)
	metrics.CacheEvictionsTotal.WithLabelValues(c.name).Add(float64(n))
	log.WithField("cache", c.name).Debugf("evicted %d least recently used entries, %d remain", n, len(c.entries))
}
