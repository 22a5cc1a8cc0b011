package identity

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// identityCache is a TTL-aware user cache that evicts in bulk rather than
// one entry at a time: once the cache is at capacity, it drops the oldest
// 20% of entries (by last access) in a single pass before admitting a new
// one, matching the original's _evict_lru_cache_entries. The underlying
// hashicorp/golang-lru Cache supplies LRU ordering and RemoveOldest; this
// wrapper decides *when* and *how many* entries to evict.
type identityCache struct {
	mu      sync.Mutex
	inner   *lru.Cache[string, UserInfo]
	maxSize int
}

func newIdentityCache(maxSize int) *identityCache {
	inner, _ := lru.New[string, UserInfo](maxSize)
	return &identityCache{inner: inner, maxSize: maxSize}
}

// Get returns the cached entry for key, treating an expired entry as a
// miss and evicting it.
func (c *identityCache) Get(key string) (UserInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.inner.Get(key)
	if !ok {
		return UserInfo{}, false
	}
	if time.Now().After(info.ExpiresAt) {
		c.inner.Remove(key)
		return UserInfo{}, false
	}
	return info, true
}

// Add inserts info under key, first dropping expired entries and then, if
// still at capacity, bulk-evicting the oldest 20% (at least one) of the
// remaining entries.
func (c *identityCache) Add(key string, info UserInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked()
	if c.inner.Len() >= c.maxSize {
		c.evictOldestBulkLocked()
	}
	c.inner.Add(key, info)
}

func (c *identityCache) evictExpiredLocked() {
	now := time.Now()
	for _, key := range c.inner.Keys() {
		if info, ok := c.inner.Peek(key); ok && now.After(info.ExpiresAt) {
			c.inner.Remove(key)
		}
	}
}

func (c *identityCache) evictOldestBulkLocked() {
	numToEvict := c.inner.Len() / 5
	if numToEvict < 1 {
		numToEvict = 1
	}
	for i := 0; i < numToEvict; i++ {
		if _, _, ok := c.inner.RemoveOldest(); !ok {
			break
		}
	}
}
