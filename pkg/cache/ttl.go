package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// TTL is a bounded, goroutine-safe cache with per-entry expiry.
// When full, the oldest inserted entry is evicted; reads do not refresh order.
type TTL[K ~string, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[K]*list.Element
	order    *list.List
	clock    clock.Clock

	hits   int64
	misses int64
}

type entry[K ~string, V any] struct {
	key       K
	value     V
	storedAt  time.Time
	expiresAt time.Time
}

// NewTTL creates a cache holding at most capacity entries for ttl each.
func NewTTL[K ~string, V any](capacity int, ttl time.Duration, clk clock.Clock) *TTL[K, V] {
	if clk == nil {
		clk = clock.New()
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &TTL[K, V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[K]*list.Element, capacity),
		order:    list.New(),
		clock:    clk,
	}
}

// Get returns a live value.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	v, _, ok := c.GetWithAge(key)
	return v, ok
}

// GetWithAge returns a live value and how long ago it was stored.
func (c *TTL[K, V]) GetWithAge(key K) (V, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, 0, false
	}

	e := elem.Value.(*entry[K, V])
	now := c.clock.Now()
	if !now.Before(e.expiresAt) {
		c.removeElement(elem)
		c.misses++
		return zero, 0, false
	}

	c.hits++
	return e.value, now.Sub(e.storedAt), true
}

// Set stores value under key with the cache's default TTL.
func (c *TTL[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key for ttl. Re-setting a key counts as a new insertion.
func (c *TTL[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}

	for c.order.Len() >= c.capacity {
		c.removeElement(c.order.Back())
	}

	e := &entry[K, V]{key: key, value: value, storedAt: now, expiresAt: now.Add(ttl)}
	c.items[key] = c.order.PushFront(e)
}

// Delete removes key.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// DeletePrefix removes every key starting with prefix and returns how many went.
func (c *TTL[K, V]) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, elem := range c.items {
		if strings.HasPrefix(string(k), prefix) {
			c.removeElement(elem)
			n++
		}
	}
	return n
}

// Prune drops expired entries and returns how many were removed.
func (c *TTL[K, V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	n := 0
	for _, elem := range c.items {
		if !now.Before(elem.Value.(*entry[K, V]).expiresAt) {
			c.removeElement(elem)
			n++
		}
	}
	return n
}

// Len returns the number of entries, including expired ones not yet pruned.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns hit and miss counts.
func (c *TTL[K, V]) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *TTL[K, V]) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry[K, V]).key)
}
