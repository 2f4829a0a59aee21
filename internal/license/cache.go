package license

import (
	"sync"
	"time"
)

// CacheEntry is a cached verification decision
type CacheEntry struct {
	Decision  Decision  `json:"decision"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
	HitCount  int       `json:"hit_count"`
}

// DecisionCache keeps recent decisions for status polling so that the
// network time lookup is not repeated on every request. Entries expire
// lazily; there is no background sweeper.
type DecisionCache struct {
	entries   map[string]CacheEntry
	mutex     sync.Mutex
	ttl       time.Duration
	maxSize   int
	hitCount  int64
	missCount int64
	now       func() time.Time
}

// NewDecisionCache creates a new decision cache
func NewDecisionCache(ttl time.Duration, maxSize int) *DecisionCache {
	return &DecisionCache{
		entries: make(map[string]CacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get retrieves a decision from cache
func (c *DecisionCache) Get(key string) (Decision, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[key]
	if !exists || c.now().After(entry.ExpiresAt) {
		if exists {
			delete(c.entries, key)
		}
		c.missCount++
		return Decision{}, false
	}

	entry.HitCount++
	c.entries[key] = entry
	c.hitCount++

	return entry.Decision, true
}

// Set stores a decision in cache
func (c *DecisionCache) Set(key string, d Decision) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.maxSize <= 0 || c.ttl <= 0 {
		return
	}

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	now := c.now()
	c.entries[key] = CacheEntry{
		Decision:  d,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
}

// Invalidate removes every entry
func (c *DecisionCache) Invalidate() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries = make(map[string]CacheEntry)
}

// GetStats returns cache statistics
func (c *DecisionCache) GetStats() map[string]interface{} {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	totalRequests := c.hitCount + c.missCount
	hitRatio := float64(0)
	if totalRequests > 0 {
		hitRatio = float64(c.hitCount) / float64(totalRequests)
	}

	return map[string]interface{}{
		"entries":     len(c.entries),
		"max_size":    c.maxSize,
		"hit_count":   c.hitCount,
		"miss_count":  c.missCount,
		"hit_ratio":   hitRatio,
		"ttl_seconds": c.ttl.Seconds(),
	}
}

func (c *DecisionCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.CachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CachedAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
