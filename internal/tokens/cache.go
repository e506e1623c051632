package tokens

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

// hashText returns a stable cache key for text, NFC-normalizing it first.
// NFC is the normalization form used everywhere in this codebase for
// cache/dedup hashing (spec.md §9, Open Questions).
func hashText(text string) string {
	normalized := norm.NFC.String(text)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	value     int
	expiresAt time.Time
}

// ttlCache is a small hand-rolled cache with TTL eviction on read, sized for
// the estimator's hot path. It intentionally avoids pulling in a generic
// LRU library for a cache this shape.
type ttlCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]cacheEntry
	order    []string // insertion order, for capacity eviction
}

func newTTLCache(ttl time.Duration, capacity int) *ttlCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ttlCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]cacheEntry),
	}
}

func (c *ttlCache) get(key string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return 0, false
	}
	return entry.value, true
}

func (c *ttlCache) set(key string, value int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{value: value, expiresAt: time.Now().Add(c.ttl)}
}
