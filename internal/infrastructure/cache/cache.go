package cache

import (
	"sync"
	"time"
)

type item[V any] struct {
	value      V
	expiration int64
	lastAccess int64
}

func (i item[V]) expired(now int64) bool {
	return i.expiration > 0 && now > i.expiration
}

type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Items     int
}

type Options struct {
	// DefaultTTL applies when Set is given a zero expiration. Zero means no expiry.
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	// MaxItems bounds the cache; the least recently used entry is evicted. Zero means no limit.
	MaxItems int
	Now      func() time.Time
}

func DefaultOptions() Options {
	return Options{
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: time.Minute,
		MaxItems:        100_000,
	}
}

// Cache is an in-memory TTL cache safe for concurrent use.
type Cache[V any] struct {
	mu         sync.Mutex
	items      map[string]item[V]
	defaultTTL time.Duration
	maxItems   int
	now        func() time.Time
	stats      Stats

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

func New[V any](opts Options) *Cache[V] {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache[V]{
		items:       make(map[string]item[V]),
		defaultTTL:  opts.DefaultTTL,
		maxItems:    opts.MaxItems,
		now:         opts.Now,
		stopCleanup: make(chan struct{}),
	}

	if opts.CleanupInterval > 0 {
		go c.startCleanupTimer(opts.CleanupInterval)
	}

	return c
}

func (c *Cache[V]) startCleanupTimer(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *Cache[V]) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UnixNano()
	for key, it := range c.items {
		if it.expired(now) {
			delete(c.items, key)
		}
	}
}

// evictLocked drops the least recently used entry.
func (c *Cache[V]) evictLocked() {
	var (
		victim string
		oldest int64
		found  bool
	)
	for k, it := range c.items {
		if !found || it.lastAccess < oldest {
			victim, oldest, found = k, it.lastAccess, true
		}
	}

	if found {
		delete(c.items, victim)
		c.stats.Evictions++
	}
}

func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.maxItems > 0 && len(c.items) >= c.maxItems {
		c.evictLocked()
	}

	if ttl == 0 {
		ttl = c.defaultTTL
	}

	now := c.now().UnixNano()
	var exp int64
	if ttl > 0 {
		exp = now + int64(ttl)
	}

	c.items[key] = item[V]{value: value, expiration: exp, lastAccess: now}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	it, found := c.items[key]
	if !found {
		c.stats.Misses++
		return zero, false
	}

	now := c.now().UnixNano()
	if it.expired(now) {
		delete(c.items, key)
		c.stats.Misses++
		return zero, false
	}

	it.lastAccess = now
	c.items[key] = it
	c.stats.Hits++

	return it.value, true
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
}

func (c *Cache[V]) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]item[V])
}

func (c *Cache[V]) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.items)
}

func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Items = len(c.items)
	return s
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (c *Cache[V]) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
	})
}
