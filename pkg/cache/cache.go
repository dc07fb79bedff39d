package cache

import (
	"context"
	"sync"
	"time"
)

// Item represents a cached item with expiration
type Item struct {
	Value      any
	Expiration int64
}

func (item Item) expiredAt(now int64) bool {
	return item.Expiration > 0 && now > item.Expiration
}

// Options configures a Cache
type Options struct {
	// DefaultExpiration applies to Set. Zero means items never expire.
	DefaultExpiration time.Duration
	// CleanupInterval is how often RunCleanup purges expired items
	CleanupInterval time.Duration
	// MaxItems bounds the cache size. Zero means unbounded.
	MaxItems int
	// Now overrides the clock
	Now func() time.Time
}

// Cache is a thread-safe in-memory cache with expiration
type Cache struct {
	items             map[string]Item
	mu                sync.RWMutex
	defaultExpiration time.Duration
	cleanupInterval   time.Duration
	maxItems          int
	now               func() time.Time
}

// New creates a cache. Call RunCleanup to purge expired items in the background.
func New(opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}

	return &Cache{
		items:             make(map[string]Item),
		defaultExpiration: opts.DefaultExpiration,
		cleanupInterval:   opts.CleanupInterval,
		maxItems:          opts.MaxItems,
		now:               opts.Now,
	}
}

// Set adds an item to the cache with the default expiration
func (c *Cache) Set(key string, value any) {
	c.SetWithExpiration(key, value, c.defaultExpiration)
}

// SetWithExpiration adds an item to the cache with a specific expiration time
func (c *Cache) SetWithExpiration(key string, value any, d time.Duration) {
	var exp int64
	if d > 0 {
		exp = c.now().Add(d).UnixNano()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.maxItems > 0 && len(c.items) >= c.maxItems {
		c.evictOldest()
	}

	c.items[key] = Item{
		Value:      value,
		Expiration: exp,
	}
}

// SetIfAbsent stores value only when key is missing or expired. It reports whether it stored.
func (c *Cache) SetIfAbsent(key string, value any, d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	item, found := c.items[key]
	if found && !item.expiredAt(now.UnixNano()) {
		return false
	}
	if !found && c.maxItems > 0 && len(c.items) >= c.maxItems {
		c.evictOldest()
	}

	var exp int64
	if d > 0 {
		exp = now.Add(d).UnixNano()
	}
	c.items[key] = Item{Value: value, Expiration: exp}
	return true
}

// Get retrieves an item from the cache
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, found := c.items[key]
	if !found || item.expiredAt(c.now().UnixNano()) {
		return nil, false
	}

	return item.Value, true
}

// RunCleanup purges expired items every cleanup interval until ctx is done
func (c *Cache) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.DeleteExpired()
		}
	}
}

// DeleteExpired deletes all expired items from the cache
func (c *Cache) DeleteExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UnixNano()
	for k, v := range c.items {
		if v.expiredAt(now) {
			delete(c.items, k)
		}
	}
}

// evictOldest removes the item closest to expiry; items without expiry go last
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime int64

	for k, v := range c.items {
		if v.Expiration == 0 {
			continue
		}
		if oldestKey == "" || v.Expiration < oldestTime {
			oldestKey = k
			oldestTime = v.Expiration
		}
	}
	if oldestKey == "" {
		for k := range c.items {
			oldestKey = k
			break
		}
	}

	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}
