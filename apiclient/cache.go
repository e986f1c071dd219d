package apiclient

import (
	"sync"
	"time"

	"github.com/thornvale/worldscheduler/observability"
)

const (
	cacheTTL          = 5 * time.Minute
	effectCacheBound  = 100
	campaignsCacheKey = "all_campaigns"
)

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// ttlCache is a mutex-guarded map with per-entry expiry. When the map grows
// past bound, expired entries are evicted opportunistically on insert; there
// is no background cleaner.
type ttlCache struct {
	mu      sync.Mutex
	name    string
	bound   int
	ttl     time.Duration
	entries map[string]cacheEntry
}

func newTTLCache(name string, bound int, ttl time.Duration) *ttlCache {
	return &ttlCache{
		name:    name,
		bound:   bound,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *ttlCache) get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		if ok {
			delete(c.entries, key)
		}
		observability.CacheHits.WithLabelValues(c.name, "miss").Inc()
		return nil, false
	}
	observability.CacheHits.WithLabelValues(c.name, "hit").Inc()
	return entry.value, true
}

func (c *ttlCache) set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound > 0 && len(c.entries) >= c.bound {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = cacheEntry{value: value, expiresAt: time.Now().Add(c.ttl)}
}

func (c *ttlCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *ttlCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *ttlCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
