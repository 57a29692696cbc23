// -------------------------------------------------------------------------------
// ResponseCache - TTL-bounded Query Response Cache
//
// Author: Alex Freidah
//
// In-memory cache of search responses keyed by normalized query and rounded
// origin. Entries are valid while now - inserted < TTL. The map is bounded;
// when full the oldest insertion is evicted. A background goroutine removes
// expired entries. An optional shared tier lets several instances reuse each
// other's responses; shared tier failures degrade to a miss.
// -------------------------------------------------------------------------------

package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/afreidah/spotkeeper/internal/telemetry"
)

// Clock returns the current time. Injected so tests can step past a TTL.
type Clock func() time.Time

// SharedTier is a cross-instance byte store with per-key TTL.
type SharedTier interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ResponseOptions configures a ResponseCache.
type ResponseOptions struct {
	TTL             time.Duration
	MaxEntries      int
	Clock           Clock         // default: time.Now
	Shared          SharedTier    // optional
	JanitorInterval time.Duration // 0 disables background eviction
}

// responseEntry holds a cached value with its insertion time.
type responseEntry[V any] struct {
	value    V
	inserted time.Time
}

// sharedEnvelope is the JSON form stored in the shared tier. The insertion
// time travels with the value so TTL is measured from the original write.
type sharedEnvelope[V any] struct {
	StoredAt time.Time `json:"stored_at"`
	Value    V         `json:"value"`
}

// ResponseCache is a mutex-guarded TTL cache. Safe for concurrent use.
type ResponseCache[V any] struct {
	name       string
	entries    map[string]responseEntry[V]
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	now        Clock
	shared     SharedTier
	stop       chan struct{}
	closeOnce  sync.Once
}

// NewResponseCache creates a response cache. name labels its metrics.
func NewResponseCache[V any](name string, opts ResponseOptions) *ResponseCache[V] {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	c := &ResponseCache[V]{
		name:       name,
		entries:    make(map[string]responseEntry[V]),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		now:        opts.Clock,
		shared:     opts.Shared,
		stop:       make(chan struct{}),
	}

	if opts.JanitorInterval > 0 {
		go func() {
			ticker := time.NewTicker(opts.JanitorInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.EvictExpired()
				case <-c.stop:
					return
				}
			}
		}()
	}

	return c
}

// Get returns the cached value for key, or false when absent or expired.
// A memory miss falls through to the shared tier when one is configured.
func (c *ResponseCache[V]) Get(ctx context.Context, key string) (V, bool) {
	if v, ok := c.getLocal(key); ok {
		telemetry.CacheLookupsTotal.WithLabelValues(c.name, "hit").Inc()
		return v, true
	}

	if v, ok := c.getShared(ctx, key); ok {
		telemetry.CacheLookupsTotal.WithLabelValues(c.name, "shared_hit").Inc()
		return v, true
	}

	telemetry.CacheLookupsTotal.WithLabelValues(c.name, "miss").Inc()
	var zero V
	return zero, false
}

// Set stores value under key, stamped with the current time.
func (c *ResponseCache[V]) Set(ctx context.Context, key string, value V) {
	now := c.now()
	c.setLocal(key, value, now)

	if c.shared == nil {
		return
	}
	data, err := json.Marshal(sharedEnvelope[V]{StoredAt: now, Value: value})
	if err != nil {
		slog.Warn("Failed to encode cache entry for shared tier", "cache", c.name, "error", err)
		return
	}
	if err := c.shared.Set(ctx, key, data, c.ttl); err != nil {
		slog.Warn("Shared cache write failed", "cache", c.name, "error", err)
	}
}

// Len returns the number of entries held in memory, including expired ones
// the janitor has not yet removed.
func (c *ResponseCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// EvictExpired removes expired entries and returns how many were removed.
func (c *ResponseCache[V]) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if !c.fresh(e.inserted, now) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		telemetry.CacheEvictionsTotal.WithLabelValues(c.name, "expired").Add(float64(removed))
	}
	telemetry.CacheEntries.WithLabelValues(c.name).Set(float64(len(c.entries)))
	return removed
}

// Close stops the background janitor. Safe to call multiple times.
func (c *ResponseCache[V]) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
}

// -------------------------------------------------------------------------
// INTERNALS
// -------------------------------------------------------------------------

func (c *ResponseCache[V]) fresh(inserted, now time.Time) bool {
	return now.Sub(inserted) < c.ttl
}

func (c *ResponseCache[V]) getLocal(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.fresh(e.inserted, c.now()) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *ResponseCache[V]) setLocal(key string, value V, inserted time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = responseEntry[V]{value: value, inserted: inserted}
	telemetry.CacheEntries.WithLabelValues(c.name).Set(float64(len(c.entries)))
}

// evictOldestLocked drops the entry with the earliest insertion time.
// Caller must hold c.mu.
func (c *ResponseCache[V]) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for key, e := range c.entries {
		if !found || e.inserted.Before(oldest) {
			oldestKey, oldest, found = key, e.inserted, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
		telemetry.CacheEvictionsTotal.WithLabelValues(c.name, "capacity").Inc()
	}
}

func (c *ResponseCache[V]) getShared(ctx context.Context, key string) (V, bool) {
	var zero V
	if c.shared == nil {
		return zero, false
	}

	data, ok, err := c.shared.Get(ctx, key)
	if err != nil {
		slog.Warn("Shared cache read failed", "cache", c.name, "error", err)
		return zero, false
	}
	if !ok {
		return zero, false
	}

	var env sharedEnvelope[V]
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("Discarding undecodable shared cache entry", "cache", c.name, "error", err)
		return zero, false
	}
	if !c.fresh(env.StoredAt, c.now()) {
		return zero, false
	}

	c.setLocal(key, env.Value, env.StoredAt)
	return env.Value, true
}
