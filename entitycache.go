package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/zeroae/limiter/metrics"
	"github.com/zeroae/limiter/store"
	"github.com/zeroae/limiter/store/cache"
)

// entityCache caches #META lookups the same way the resolver caches
// config: Acquire needs an entity's cascade/parent_id on every call, and
// those fields change rarely enough that a short TTL cache turns most
// acquires into zero extra repository round-trips.
type entityCache struct {
	cache *cache.TTLCache[store.Entity]
}

func newEntityCache(ttl time.Duration) *entityCache {
	return &entityCache{cache: cache.New[store.Entity](ttl)}
}

func (c *entityCache) get(ctx context.Context, repo store.Repository, namespace, entityID string) (store.Entity, error) {
	key := namespace + "\x00" + entityID
	if _, found, hit := c.cache.Get(key); hit {
		if found {
			metrics.EntityCacheTotal.WithLabelValues("hit").Inc()
		} else {
			metrics.EntityCacheTotal.WithLabelValues("negative_hit").Inc()
		}
	} else {
		metrics.EntityCacheTotal.WithLabelValues("miss").Inc()
	}

	value, found, err := c.cache.GetOrLoad(key, func() (store.Entity, bool, error) {
		e, err := repo.GetEntity(ctx, namespace, entityID)
		if errors.Is(err, store.ErrNotFound) {
			return store.Entity{}, false, nil
		}
		if err != nil {
			return store.Entity{}, false, err
		}
		return e, true, nil
	})
	if err != nil {
		return store.Entity{}, err
	}
	if !found {
		return store.Entity{}, newEntityNotFound(entityID)
	}
	return value, nil
}

func (c *entityCache) invalidate(namespace, entityID string) {
	c.cache.Invalidate(namespace + "\x00" + entityID)
}
