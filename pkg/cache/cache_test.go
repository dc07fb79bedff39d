package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestExpiration(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(Options{DefaultExpiration: time.Minute, Now: clock.Now})

	c.Set("a", 1)
	c.SetWithExpiration("b", 2, 0)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	clock.Advance(61 * time.Second)

	_, ok = c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok, "zero duration never expires")

	assert.Equal(t, 2, size(c))
	c.DeleteExpired()
	assert.Equal(t, 1, size(c))
}

func TestSetIfAbsent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(Options{Now: clock.Now})

	assert.True(t, c.SetIfAbsent("k", "first", time.Second))
	assert.False(t, c.SetIfAbsent("k", "second", time.Second))

	clock.Advance(2 * time.Second)
	assert.True(t, c.SetIfAbsent("k", "third", time.Second))

	v, _ := c.Get("k")
	assert.Equal(t, "third", v)
}

func TestMaxItemsEvictsSoonestToExpire(t *testing.T) {
	c := New(Options{MaxItems: 2})

	c.SetWithExpiration("short", 1, time.Second)
	c.SetWithExpiration("long", 2, time.Hour)
	c.SetWithExpiration("new", 3, time.Hour)

	_, ok := c.Get("short")
	assert.False(t, ok)
	_, ok = c.Get("long")
	assert.True(t, ok)
	assert.Equal(t, 2, size(c))
}

func TestSetIfAbsentRespectsMaxItems(t *testing.T) {
	c := New(Options{MaxItems: 2})

	assert.True(t, c.SetIfAbsent("a", 1, time.Second))
	assert.True(t, c.SetIfAbsent("b", 2, time.Hour))
	assert.True(t, c.SetIfAbsent("c", 3, time.Hour))

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 2, size(c))
}

func size(c *Cache) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
