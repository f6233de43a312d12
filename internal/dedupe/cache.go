// ABOUTME: Thread-safe TTL cache for short-circuiting redelivered inbound events
// ABOUTME: Keys are workspace, customer and upstream event id; the store stays the durable check

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxSize     = 10000
	maxCleanupInterval = time.Minute
)

// EventKey builds the cache key for an inbound event.
func EventKey(workspaceID, customerID, eventID string) string {
	return strings.Join([]string{workspaceID, customerID, eventID}, ":")
}

type record struct {
	key     string
	expires time.Time
}

// Cache is a bounded set of recently processed event keys. The TTL is fixed,
// so the list is ordered by expiry as well as by insertion.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	byAge   *list.List // of *record, soonest expiry at the front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New starts a cache that forgets keys after ttl and holds at most maxSize.
// Call Close to stop the background expiry loop.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		byAge:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.expireLoop()
	return c
}

// Check reports whether key was marked within the TTL.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// Mark records a processed event, refreshing its expiry if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key)
}

// size returns the number of tracked keys, expired or not.
func (c *Cache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Close stops the expiry loop. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) liveLocked(key string) bool {
	el, ok := c.index[key]
	if !ok {
		return false
	}
	return c.now().Before(el.Value.(*record).expires)
}

func (c *Cache) putLocked(key string) {
	expires := c.now().Add(c.ttl)
	if el, ok := c.index[key]; ok {
		el.Value.(*record).expires = expires
		c.byAge.MoveToBack(el)
		return
	}
	for len(c.index) >= c.maxSize {
		c.removeLocked(c.byAge.Front())
	}
	c.index[key] = c.byAge.PushBack(&record{key: key, expires: expires})
}

func (c *Cache) removeLocked(el *list.Element) {
	c.byAge.Remove(el)
	delete(c.index, el.Value.(*record).key)
}

func (c *Cache) expireLoop() {
	interval := min(c.ttl, maxCleanupInterval)
	if interval <= 0 {
		interval = maxCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.stop:
			return
		}
	}
}

// runCleanup drops expired keys from the front of the list.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.byAge.Front(); el != nil; el = c.byAge.Front() {
		if now.Before(el.Value.(*record).expires) {
			return
		}
		c.removeLocked(el)
	}
}
