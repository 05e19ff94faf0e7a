// Package cache provides an expiring key-value cache with usage
// statistics, used to avoid re-fetching expensive upstream data on every
// request. Values are stored JSON-serialized, so the cache never aliases
// caller-owned structures.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/pscheid92/pulseboard/internal/metrics"
)

type entry struct {
	value       json.RawMessage
	createdAt   time.Time
	lastTouched time.Time
	expiresAt   time.Time
}

// Cache is a TTL cache over JSON-serialized values. All operations are
// safe for concurrent use; mutations appear atomic to readers.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	enabled    bool
	hits       uint64
	misses     uint64
	defaultTTL time.Duration
	clock      clockwork.Clock
	sf         singleflight.Group
}

// New creates an enabled cache. ttl is the default entry lifetime applied
// when Set is called with a non-positive TTL.
func New(defaultTTL time.Duration, clock clockwork.Clock) *Cache {
	return &Cache{
		entries:    make(map[string]*entry),
		enabled:    true,
		defaultTTL: defaultTTL,
		clock:      clock,
	}
}

// lookup returns the live value for key without touching statistics.
func (c *Cache) lookup(key string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.enabled {
		return nil, false
	}
	e, ok := c.entries[key]
	if !ok || !c.clock.Now().Before(e.expiresAt) {
		return nil, false
	}
	// Copy out so callers cannot mutate the stored bytes.
	return append(json.RawMessage(nil), e.value...), true
}

func (c *Cache) recordAccess(hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.hits++
		metrics.CacheHitsTotal.Inc()
	} else {
		c.misses++
		metrics.CacheMissesTotal.Inc()
	}
}

// Get returns the live value for key. An expired or absent key is a miss.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	raw, ok := c.lookup(key)
	c.recordAccess(ok)
	return raw, ok
}

// GetJSON unmarshals the live value for key into dest. A value that fails
// to unmarshal is treated as a miss, never surfaced as an error.
func (c *Cache) GetJSON(key string, dest any) bool {
	raw, ok := c.lookup(key)
	if ok {
		if err := json.Unmarshal(raw, dest); err != nil {
			slog.Warn("Cache entry failed to unmarshal, treating as miss", "key", key, "error", err)
			ok = false
		}
	}
	c.recordAccess(ok)
	return ok
}

// Set stores value under key. A non-positive ttl selects the default TTL.
// Returns false when the cache is disabled or the value cannot be
// serialized; neither case modifies existing entries.
func (c *Cache) Set(key string, value any, ttl time.Duration) bool {
	raw, err := json.Marshal(value)
	if err != nil {
		slog.Warn("Cache set skipped: value not serializable", "key", key, "error", err)
		return false
	}
	return c.setRaw(key, raw, ttl)
}

func (c *Cache) setRaw(key string, raw json.RawMessage, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return false
	}

	now := c.clock.Now()
	c.entries[key] = &entry{
		value:       raw,
		createdAt:   now,
		lastTouched: now,
		expiresAt:   now.Add(ttl),
	}
	metrics.CacheKeys.Set(float64(len(c.entries)))
	return true
}

// Delete removes one entry, reporting whether a live entry existed.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	delete(c.entries, key)
	metrics.CacheKeys.Set(float64(len(c.entries)))
	return c.clock.Now().Before(e.expiresAt)
}

// Clear removes all entries and resets the hit/miss counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
}

func (c *Cache) purgeLocked() {
	c.entries = make(map[string]*entry)
	c.hits = 0
	c.misses = 0
	metrics.CacheKeys.Set(0)
}

// MGet performs a batched get. Absent or expired keys are simply missing
// from the result; each key counts as one hit or miss.
func (c *Cache) MGet(keys []string) map[string]json.RawMessage {
	result := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		if raw, ok := c.Get(key); ok {
			result[key] = raw
		}
	}
	return result
}

// MSet performs a batched set with per-item independence. Returns false
// if any item failed to store; the remaining items are stored regardless.
func (c *Cache) MSet(items map[string]any, ttl time.Duration) bool {
	ok := true
	for key, value := range items {
		if !c.Set(key, value, ttl) {
			ok = false
		}
	}
	return ok
}

// Touch resets the remaining TTL of a live entry without altering its
// value. Returns false if the key is absent or expired.
func (c *Cache) Touch(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	now := c.clock.Now()
	if !ok || !now.Before(e.expiresAt) {
		return false
	}
	e.lastTouched = now
	e.expiresAt = now.Add(ttl)
	return true
}

// RemainingTTL returns the time until key expires, or false if the key is
// absent or already expired.
func (c *Cache) RemainingTTL(key string) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	remaining := e.expiresAt.Sub(c.clock.Now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// Wrap returns the cached value for key, invoking producer only on miss.
// Concurrent misses for the same key are coalesced into a single producer
// call. A failing producer propagates its error to every waiting caller
// and caches nothing.
func (c *Cache) Wrap(ctx context.Context, key string, ttl time.Duration, producer func(context.Context) (any, error)) (json.RawMessage, error) {
	if raw, ok := c.Get(key); ok {
		return raw, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		// Another flight may have filled the entry while we waited.
		if raw, ok := c.lookup(key); ok {
			return raw, nil
		}

		value, err := producer(ctx)
		if err != nil {
			metrics.CacheProducerFailuresTotal.Inc()
			return nil, err
		}

		raw, merr := json.Marshal(value)
		if merr != nil {
			// A non-serializable producer result is a programming error;
			// nothing is cached and the caller sees it.
			slog.Error("Wrap result not serializable", "key", key, "error", merr)
			return nil, merr
		}

		c.setRaw(key, raw, ttl)
		return json.RawMessage(raw), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// Enable turns the cache back on, starting a fresh statistics epoch.
func (c *Cache) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = true
	c.purgeLocked()
}

// Disable purges all entries, resets counters and inhibits further sets.
// Reads on a disabled cache behave as permanent misses.
func (c *Cache) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
	c.purgeLocked()
}

// IsEnabled reports whether the cache currently accepts writes.
func (c *Cache) IsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Keys    int     `json:"keys"`
	HitRate float64 `json:"hit_rate"`
}

// GetStats returns hit/miss counters for the current enabled-epoch.
// HitRate is 0 when no accesses have been recorded.
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{Hits: c.hits, Misses: c.misses, Keys: c.liveCountLocked()}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// MemoryStats describes the cache's approximate footprint.
type MemoryStats struct {
	Keys          int     `json:"keys"`
	ApproxBytes   int     `json:"approx_bytes"`
	AvgTTLSeconds float64 `json:"avg_ttl_seconds"`
}

// GetMemoryStats reports live key count, approximate serialized size and
// average remaining TTL across live keys.
func (c *Cache) GetMemoryStats() MemoryStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.clock.Now()
	var m MemoryStats
	var totalTTL time.Duration
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			continue
		}
		m.Keys++
		m.ApproxBytes += len(key) + len(e.value)
		totalTTL += e.expiresAt.Sub(now)
	}
	if m.Keys > 0 {
		m.AvgTTLSeconds = totalTTL.Seconds() / float64(m.Keys)
	}
	return m
}

func (c *Cache) liveCountLocked() int {
	now := c.clock.Now()
	live := 0
	for _, e := range c.entries {
		if now.Before(e.expiresAt) {
			live++
		}
	}
	return live
}

// EvictExpired removes all expired entries and returns the count evicted.
func (c *Cache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	evicted := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			evicted++
		}
	}
	metrics.CacheKeys.Set(float64(len(c.entries)))
	return evicted
}

// StartSweep starts the periodic expiry sweep, bounding memory growth
// from abandoned keys. The returned stop function is idempotent.
func (c *Cache) StartSweep(interval time.Duration) func() {
	ticker := c.clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.Chan():
				if evicted := c.EvictExpired(); evicted > 0 {
					slog.Debug("Swept expired cache entries", "count", evicted)
					metrics.CacheEvictionsTotal.Add(float64(evicted))
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}
