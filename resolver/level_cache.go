package resolver

import (
	"context"
	"strings"
	"time"

	"github.com/zeroae/limiter/metrics"
	"github.com/zeroae/limiter/store"
	"github.com/zeroae/limiter/store/cache"
)

// levelCache wraps a generic TTL cache for one hierarchy level, keyed on
// whichever of (namespace, entityID, resource) that level actually varies
// by (e.g. the system level ignores entityID/resource entirely, so every
// lookup within a namespace shares one cache entry).
type levelCache struct {
	c *cache.TTLCache[store.ResolvedConfig]
}

func newLevelCache(ttl time.Duration) *levelCache {
	return &levelCache{c: cache.New[store.ResolvedConfig](ttl)}
}

func levelKey(level store.ConfigSource, namespace, entityID, resource string) string {
	var b strings.Builder
	switch level {
	case store.SourceEntitySpecific:
		b.Grow(len(namespace) + len(entityID) + len(resource) + 3)
		b.WriteString(namespace)
		b.WriteByte('/')
		b.WriteString(entityID)
		b.WriteByte('/')
		b.WriteString(resource)
	case store.SourceEntityDefault:
		b.Grow(len(namespace) + len(entityID) + 2)
		b.WriteString(namespace)
		b.WriteByte('/')
		b.WriteString(entityID)
	case store.SourceResource:
		b.Grow(len(namespace) + len(resource) + 1)
		b.WriteString(namespace)
		b.WriteByte('/')
		b.WriteString(resource)
	case store.SourceSystem:
		b.WriteString(namespace)
	}
	return b.String()
}

func (lc *levelCache) get(ctx context.Context, repo store.Repository, level store.ConfigSource, namespace, entityID, resource string) (store.ResolvedConfig, bool, error) {
	key := levelKey(level, namespace, entityID, resource)
	levelLabel := level.String()

	if _, found, hit := lc.c.Get(key); hit {
		if found {
			metrics.ConfigCacheTotal.WithLabelValues(levelLabel, "hit").Inc()
		} else {
			metrics.ConfigCacheTotal.WithLabelValues(levelLabel, "negative_hit").Inc()
		}
	} else {
		metrics.ConfigCacheTotal.WithLabelValues(levelLabel, "miss").Inc()
	}

	cfg, found, err := lc.c.GetOrLoad(key, func() (store.ResolvedConfig, bool, error) {
		result, err := repo.ResolveLimits(ctx, level, namespace, entityID, resource)
		if err != nil {
			return store.ResolvedConfig{}, false, err
		}
		return result, result.Limits != nil, nil
	})
	if err != nil {
		return store.ResolvedConfig{}, false, err
	}
	return cfg, found, nil
}

// invalidate drops cache entries matching the given dimensions. An empty
// entityID/resource acts as a wildcard prefix for that dimension — callers
// pass "" for dimensions this level doesn't key on.
func (lc *levelCache) invalidate(namespace, entityID, resource string) {
	switch {
	case entityID != "" && resource != "":
		lc.c.Invalidate(namespace + "/" + entityID + "/" + resource)
	case entityID != "":
		lc.c.InvalidatePrefix(namespace + "/" + entityID)
	case resource != "":
		lc.c.InvalidatePrefix(namespace + "/" + resource)
	default:
		lc.c.InvalidatePrefix(namespace)
	}
}
