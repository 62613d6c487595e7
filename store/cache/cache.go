// Package cache implements the resolver's process-local TTL cache (§4.5):
// positive and negative entries, fine-grained per-key locking so a cache
// miss for one key never blocks readers of other keys, and single-flight
// collapsing so concurrent misses on the same key issue exactly one
// backing fetch. The locking idiom is lifted from the teacher's
// backends/memory mutex-pool (one mutex per key, pooled to cut allocations).
package cache

import (
	"sync"
	"time"
)

// mutexPool reduces allocations for the per-key single-flight locks,
// mirroring backends/memory.Backend's mutexPool.
var mutexPool = sync.Pool{
	New: func() any { return &sync.Mutex{} },
}

type entry[V any] struct {
	value     V
	found     bool // false = negative cache entry ("no config at this level")
	expiresAt time.Time
}

// TTLCache is a generic TTL + negative cache with per-key single-flight
// fetch collapsing. Zero value is not usable; construct with New.
type TTLCache[V any] struct {
	ttl   time.Duration
	now   func() time.Time
	locks sync.Map // map[string]*sync.Mutex
	items sync.Map // map[string]entry[V]
}

// New builds a TTLCache with the given default entry lifetime.
func New[V any](ttl time.Duration) *TTLCache[V] {
	return &TTLCache[V]{ttl: ttl, now: time.Now}
}

func (c *TTLCache[V]) getLock(key string) *sync.Mutex {
	if existing, ok := c.locks.Load(key); ok {
		return existing.(*sync.Mutex)
	}
	mutex := mutexPool.Get().(*sync.Mutex)
	actual, loaded := c.locks.LoadOrStore(key, mutex)
	if loaded {
		mutexPool.Put(mutex)
	}
	return actual.(*sync.Mutex)
}

// Get returns a live cached value (positive or negative) for key, and
// whether the lookup was a cache hit at all (as opposed to expired/absent).
func (c *TTLCache[V]) Get(key string) (value V, found, hit bool) {
	raw, ok := c.items.Load(key)
	if !ok {
		return value, false, false
	}
	e := raw.(entry[V])
	if c.now().After(e.expiresAt) {
		return value, false, false
	}
	return e.value, e.found, true
}

// GetOrLoad returns the cached value for key if live, otherwise calls load
// exactly once even under concurrent callers for the same key (the
// per-key mutex serializes misses; the first goroutine through populates
// the cache and the rest observe the fresh entry after acquiring the lock).
func (c *TTLCache[V]) GetOrLoad(key string, load func() (value V, found bool, err error)) (V, bool, error) {
	if value, found, hit := c.Get(key); hit {
		return value, found, nil
	}

	lock := c.getLock(key)
	lock.Lock()
	defer lock.Unlock()

	if value, found, hit := c.Get(key); hit {
		return value, found, nil
	}

	value, found, err := load()
	if err != nil {
		var zero V
		return zero, false, err
	}

	c.items.Store(key, entry[V]{value: value, found: found, expiresAt: c.now().Add(c.ttl)})
	return value, found, nil
}

// Invalidate removes a single key, forcing the next GetOrLoad to refetch.
func (c *TTLCache[V]) Invalidate(key string) {
	c.items.Delete(key)
}

// InvalidatePrefix removes every cached key with the given prefix, used by
// invalidate_config_cache(entity_id?, resource?) when only part of the key
// tuple is known.
func (c *TTLCache[V]) InvalidatePrefix(prefix string) {
	c.items.Range(func(k, _ any) bool {
		key := k.(string)
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.items.Delete(key)
		}
		return true
	})
}
