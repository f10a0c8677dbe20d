// Package presence answers "is this extension reachable right now" by asking
// the switch for registration state, with a short-lived cache in front.
//
// The cache is the only mutable state shared across call sessions: entries
// live for 30 s per (tenant, destination), the map is size-bounded, and the
// oldest entry is evicted when full.
package presence

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	// TTL is how long a presence answer stays valid.
	TTL = 30 * time.Second

	// maxEntries bounds the cache across all tenants.
	maxEntries = 4096
)

// Prober queries the switch for live registration state. *esl.Client
// satisfies it.
type Prober interface {
	Contact(ctx context.Context, user, domain string) (bool, error)
}

type cacheKey struct {
	tenant      string
	destination string
}

type cacheEntry struct {
	key     cacheKey
	online  bool
	expires time.Time
}

// Cache is a TTL + LRU presence cache over a [Prober].
//
// Cache is safe for concurrent use.
type Cache struct {
	prober Prober

	mu      sync.Mutex
	entries map[cacheKey]*list.Element
	order   *list.List // front = most recently used

	now func() time.Time // test hook
}

// NewCache wraps prober with a 30 s TTL cache.
func NewCache(prober Prober) *Cache {
	return &Cache{
		prober:  prober,
		entries: make(map[cacheKey]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Online reports whether destination is registered in the tenant's domain,
// serving from cache when the entry is fresh. Probe errors are returned
// without poisoning the cache.
func (c *Cache) Online(ctx context.Context, tenant, domain, destination string) (bool, error) {
	key := cacheKey{tenant: tenant, destination: destination}

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		if c.now().Before(entry.expires) {
			c.order.MoveToFront(el)
			online := entry.online
			c.mu.Unlock()
			return online, nil
		}
		c.order.Remove(el)
		delete(c.entries, key)
	}
	c.mu.Unlock()

	online, err := c.prober.Contact(ctx, destination, domain)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		// Lost a race with a concurrent probe; refresh in place.
		entry := el.Value.(*cacheEntry)
		entry.online = online
		entry.expires = c.now().Add(TTL)
		c.order.MoveToFront(el)
		return online, nil
	}
	if c.order.Len() >= maxEntries {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{
		key:     key,
		online:  online,
		expires: c.now().Add(TTL),
	})
	return online, nil
}

// Invalidate drops the cached answer for one destination, forcing the next
// Online call to probe. Used after a transfer attempt fails against a
// supposedly online agent.
func (c *Cache) Invalidate(tenant, destination string) {
	key := cacheKey{tenant: tenant, destination: destination}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
