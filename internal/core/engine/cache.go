package engine

import (
	"sync"
	"time"
)

const defaultCacheEntries = 10000

// DenialCache remembers recent denials so a caller hammering a closed window
// does not cost a store round trip per request. It never admits.
type DenialCache struct {
	TTL        time.Duration
	MaxEntries int

	mu      sync.Mutex
	entries map[string]cachedDenial
}

type cachedDenial struct {
	decision  Decision
	expiresAt time.Time
}

// NewDenialCache returns a cache holding denials for at most ttl. A zero ttl disables caching.
func NewDenialCache(ttl time.Duration) *DenialCache {
	return &DenialCache{TTL: ttl}
}

// Lookup returns a cached denial for key if one is still fresh at now.
func (c *DenialCache) Lookup(key string, now time.Time) (Decision, bool) {
	if c == nil || c.TTL <= 0 {
		return Decision{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	if !now.Before(entry.expiresAt) {
		delete(c.entries, key)
		return Decision{}, false
	}
	decision := entry.decision
	decision.Cached = true
	return decision, true
}

// Remember caches a denial until min(now+TTL, ResetAt). Admissions are ignored.
func (c *DenialCache) Remember(key string, decision Decision, now time.Time) {
	if c == nil || c.TTL <= 0 || decision.Allowed {
		return
	}
	expiresAt := now.Add(c.TTL)
	if decision.ResetAt.Before(expiresAt) {
		expiresAt = decision.ResetAt
	}
	if !expiresAt.After(now) {
		return
	}

	decision.Remaining = 0
	decision.Cached = false

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]cachedDenial)
	}
	if len(c.entries) >= c.maxEntries() {
		c.pruneLocked(now)
	}
	c.entries[key] = cachedDenial{decision: decision, expiresAt: expiresAt}
}

// Forget drops any cached denial for key.
func (c *DenialCache) Forget(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len reports the number of cached entries, fresh or not.
func (c *DenialCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *DenialCache) pruneLocked(now time.Time) {
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	// Still full: everything is fresh, drop it all rather than grow unbounded.
	if len(c.entries) >= c.maxEntries() {
		c.entries = make(map[string]cachedDenial)
	}
}

func (c *DenialCache) maxEntries() int {
	if c.MaxEntries > 0 {
		return c.MaxEntries
	}
	return defaultCacheEntries
}
