package crypto

import (
	"sync"
	"time"
)

// keyCacheEntry holds an unwrapped data key until it expires.
type keyCacheEntry struct {
	dataKey   []byte
	expiresAt time.Time
}

func (e *keyCacheEntry) isExpired() bool {
	return time.Now().After(e.expiresAt)
}

// KeyCacheStats holds cache statistics.
type KeyCacheStats struct {
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// keyCache is a TTL-bounded in-memory cache of unwrapped data keys, keyed by
// the wrapped-key text. It bounds round trips to an external key management
// service. Evicted keys are zeroed before release.
type keyCache struct {
	mu       sync.Mutex
	entries  map[string]*keyCacheEntry
	maxItems int
	ttl      time.Duration
	stats    KeyCacheStats
}

func newKeyCache(maxItems int, ttl time.Duration) *keyCache {
	if maxItems <= 0 {
		maxItems = 256
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &keyCache{
		entries:  make(map[string]*keyCacheEntry),
		maxItems: maxItems,
		ttl:      ttl,
	}
}

// get returns a copy of the cached data key, so the caller can zero its copy
// without clearing the cache entry.
func (c *keyCache) get(wrapped string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[wrapped]
	if !ok || entry.isExpired() {
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	dataKey := make([]byte, len(entry.dataKey))
	copy(dataKey, entry.dataKey)
	return dataKey, true
}

func (c *keyCache) set(wrapped string, dataKey []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked()
	if len(c.entries) >= c.maxItems {
		c.evictForSpaceLocked()
	}

	stored := make([]byte, len(dataKey))
	copy(stored, dataKey)
	c.entries[wrapped] = &keyCacheEntry{
		dataKey:   stored,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// clear removes and zeroes all cached keys.
func (c *keyCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		zeroBytes(entry.dataKey)
		delete(c.entries, key)
	}
}

func (c *keyCache) cacheStats() KeyCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Items = len(c.entries)
	return stats
}

func (c *keyCache) evictExpiredLocked() {
	for key, entry := range c.entries {
		if entry.isExpired() {
			zeroBytes(entry.dataKey)
			delete(c.entries, key)
			c.stats.Evictions++
		}
	}
}

// evictForSpaceLocked drops an arbitrary entry to make room. The cache is a
// throughput optimization, not a correctness requirement, so eviction order
// does not matter.
func (c *keyCache) evictForSpaceLocked() {
	for key, entry := range c.entries {
		zeroBytes(entry.dataKey)
		delete(c.entries, key)
		c.stats.Evictions++
		return
	}
}
