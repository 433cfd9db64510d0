// Package meshcache implements the bounded, TTL-expiring cache used
// throughout the mesh stack for sequence reassembly state, recently
// seen packet ids, and gossip message dedup, grounded on the Cache
// class in original_source/.../micropycelium.py.
package meshcache

import "time"

type entry struct {
	expiry time.Time
	value  interface{}
}

// Cache is a size-bounded map keyed by string with per-item TTL.
// Eviction on overflow removes whichever item expires soonest; get
// lazily expires items whose TTL has passed. Not safe for concurrent
// use without external synchronization, matching the single-threaded
// cooperative scheduling of its callers.
type Cache struct {
	limit        int
	items        map[string]entry
	lowestExpiry time.Time
	hasLowest    bool
	now          func() time.Time
}

// New creates a Cache holding at most limit items.
func New(limit int) *Cache {
	return &Cache{limit: limit, items: make(map[string]entry), now: time.Now}
}

// Add inserts or overwrites key with value, expiring after ttl. If the
// cache is at its limit, the item with the lowest expiry is evicted
// first.
func (c *Cache) Add(key string, value interface{}, ttl time.Duration) {
	delete(c.items, key)
	if len(c.items) >= c.limit {
		c.removeLowestExpiry()
	}
	expiry := c.now().Add(ttl)
	c.items[key] = entry{expiry: expiry, value: value}
	if !c.hasLowest || expiry.Before(c.lowestExpiry) {
		c.lowestExpiry = expiry
		c.hasLowest = true
	}
}

// Get returns the value for key, or (nil, false) if absent or expired.
// An expired entry is evicted as a side effect.
func (c *Cache) Get(key string) (interface{}, bool) {
	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if e.expiry.Before(c.now()) {
		delete(c.items, key)
		return nil, false
	}
	return e.value, true
}

// Has reports whether key is present and unexpired, without returning
// its value.
func (c *Cache) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.items = make(map[string]entry)
	c.hasLowest = false
}

// Len returns the current item count, including expired items that
// neither Get nor InvalidateExpired has removed yet.
func (c *Cache) Len() int {
	return len(c.items)
}

func (c *Cache) removeLowestExpiry() {
	c.recomputeLowest()
	for key, e := range c.items {
		if e.expiry.Equal(c.lowestExpiry) {
			delete(c.items, key)
			break
		}
	}
	c.recomputeLowest()
}

// InvalidateExpired removes every item whose TTL has passed.
func (c *Cache) InvalidateExpired() {
	now := c.now()
	for key, e := range c.items {
		if e.expiry.Before(now) {
			delete(c.items, key)
		}
	}
	c.recomputeLowest()
}

// Range calls fn for every unexpired item currently in the cache. It
// does not lazily expire anything; call InvalidateExpired first if a
// strict view is required.
func (c *Cache) Range(fn func(key string, value interface{})) {
	now := c.now()
	for key, e := range c.items {
		if e.expiry.Before(now) {
			continue
		}
		fn(key, e.value)
	}
}

func (c *Cache) recomputeLowest() {
	c.hasLowest = false
	for _, e := range c.items {
		if !c.hasLowest || e.expiry.Before(c.lowestExpiry) {
			c.lowestExpiry = e.expiry
			c.hasLowest = true
		}
	}
}
