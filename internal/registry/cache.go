package registry

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache configuration constants.
const (
	// DefaultCacheTTL is how long cached aggregations stay fresh.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultCacheSize bounds each cache. Least recently used entries are
	// evicted first once it is reached.
	DefaultCacheSize = 4096
)

type cacheEntry[V any] struct {
	value   V
	expires time.Time
}

// ttlCache is a bounded LRU whose entries expire after a fixed TTL.
// Expired entries are dropped lazily on read.
//
// Every invalidation bumps gen. A loader captures gen before reading the
// store and put discards its value if an invalidation happened meanwhile,
// so a slow load can never resurrect data a write already invalidated.
type ttlCache[V any] struct {
	mu      sync.Mutex
	entries *lru.Cache[string, cacheEntry[V]]
	ttl     time.Duration
	now     func() time.Time
	gen     uint64
}

func newTTLCache[V any](size int, ttl time.Duration, now func() time.Time) *ttlCache[V] {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	entries, _ := lru.New[string, cacheEntry[V]](size)
	return &ttlCache[V]{entries: entries, ttl: ttl, now: now}
}

// get returns a fresh value and the generation to pass to put on a miss.
func (c *ttlCache[V]) get(key string) (V, bool, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries.Get(key); ok {
		if c.now().Before(e.expires) {
			return e.value, true, c.gen
		}
		c.entries.Remove(key)
	}
	var zero V
	return zero, false, c.gen
}

// put stores value unless the cache was invalidated after gen was read.
func (c *ttlCache[V]) put(key string, value V, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return false
	}
	c.entries.Add(key, cacheEntry[V]{value: value, expires: c.now().Add(c.ttl)})
	return true
}

func (c *ttlCache[V]) invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	for _, k := range keys {
		c.entries.Remove(k)
	}
}

func (c *ttlCache[V]) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c.entries.Purge()
}

func (c *ttlCache[V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
