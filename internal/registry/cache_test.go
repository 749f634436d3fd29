package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestTTLCache_ExpiresEntries(t *testing.T) {
	// Given: a cache with a one-minute TTL holding one entry
	clock := newFakeClock()
	c := newTTLCache[int](10, time.Minute, clock.now)
	_, _, gen := c.get("a")
	require.True(t, c.put("a", 1, gen))

	// When/Then: the entry is served until the TTL elapses
	clock.advance(59 * time.Second)
	v, ok, _ := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	clock.advance(time.Second)
	_, ok, _ = c.get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.len(), "expired entry is evicted on read")
}

func TestTTLCache_InvalidationDiscardsInFlightLoad(t *testing.T) {
	// Given: a loader that read the generation before a write invalidated
	c := newTTLCache[string](10, time.Minute, nil)
	_, _, gen := c.get("item-1")
	c.invalidate("item-1")

	// When: the stale loader stores its result
	stored := c.put("item-1", "stale", gen)

	// Then: the value is dropped
	assert.False(t, stored)
	_, ok, _ := c.get("item-1")
	assert.False(t, ok)
}

func TestTTLCache_PurgeDropsEverything(t *testing.T) {
	c := newTTLCache[int](10, time.Minute, nil)
	_, _, gen := c.get("a")
	c.put("a", 1, gen)
	c.put("b", 2, gen)

	c.purge()

	assert.Equal(t, 0, c.len())
}

func TestTTLCache_BoundedBySize(t *testing.T) {
	c := newTTLCache[int](2, time.Minute, nil)
	_, _, gen := c.get("a")
	c.put("a", 1, gen)
	c.put("b", 2, gen)
	c.put("c", 3, gen)

	assert.Equal(t, 2, c.len())
	_, ok, _ := c.get("a")
	assert.False(t, ok, "least recently used entry is evicted")
}

func TestTTLCache_AppliesDefaults(t *testing.T) {
	c := newTTLCache[int](0, 0, nil)

	assert.Equal(t, DefaultCacheTTL, c.ttl)
	assert.NotNil(t, c.now)
}
