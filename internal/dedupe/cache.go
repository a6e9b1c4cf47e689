// ABOUTME: TTL cache of recently seen webhook delivery keys
// ABOUTME: Lets the ingress answer platform redeliveries without touching storage

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Key builds the cache key for one platform delivery. It carries the account
// and customer identifiers because platform message ids are only unique per
// chat on some platforms (Telegram numbers them per conversation), so the
// fast path must scope keys the way the storage index scopes dedup: by the
// conversation the message belongs to.
func Key(platformName, externalAccountID, externalCustomerID, externalMessageID string) string {
	return platformName + ":" + externalAccountID + ":" + externalCustomerID + ":" + externalMessageID
}

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a thread-safe TTL cache with a size cap. It is a fast path only:
// the storage unique index on (conversation_id, external_id) is the
// authority, so a cache miss on a true duplicate is harmless and a restart
// simply empties the fast path.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*entry
	order   *list.List // keys oldest-first, for O(1) size eviction
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background expiry sweep.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Check reports whether the key was marked within the TTL window.
func (c *Cache) Check(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.seen[key]
	if !ok {
		return false
	}
	return time.Since(e.seenAt) < c.ttl
}

// Mark records a key. The ingress marks only after the ledger accepted the
// message, so a crash between parse and append never caches an unprocessed
// delivery. At capacity the oldest key is evicted.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.seen[key]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		front := c.order.Front()
		if front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, oldest)
		}
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &entry{seenAt: now, element: elem}
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.seen {
		if now.Sub(e.seenAt) > c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background sweep. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
