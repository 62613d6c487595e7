// Package resolver implements the 4-level config resolution hierarchy
// (§4.5): entity-specific, entity-default, resource, system, in strict
// precedence, with a process-local TTL + negative cache owned by the
// resolver itself (not the engine). There is no direct teacher
// equivalent of a config hierarchy; the cache mechanics reuse
// store/cache's generic TTL cache, itself grounded on the teacher's
// backends/memory per-key mutex pool.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
)

// DefaultTTL is the cache lifetime for every resolver entry (§4.5).
const DefaultTTL = 60 * time.Second

// Result is what callers of Resolve receive: the winning level's limits
// plus the on_unavailable policy and which level supplied them.
type Result struct {
	Limits        map[string]schema.LimitState
	OnUnavailable string
	Source        store.ConfigSource
}

// Resolver owns one TTL cache per hierarchy level, since each level has an
// independent key space and independent invalidation surface.
type Resolver struct {
	repo            store.Repository
	ttl             time.Duration
	entitySpecific  *levelCache
	entityDefault   *levelCache
	resource        *levelCache
	system          *levelCache
	defaultLimits   map[string]schema.LimitState
	defaultOnUnavailable string
}

// Option configures a Resolver at construction, mirroring the teacher's
// functional-options idiom (options.go).
type Option func(*Resolver)

// WithTTL overrides the default 60s cache lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

// WithDefaultLimits supplies the constructor-level fallback used when no
// hierarchy level has a config at all (§4.5: "a constructor-supplied
// default" as an alternative to ConfigMissing).
func WithDefaultLimits(limits map[string]schema.LimitState, onUnavailable string) Option {
	return func(r *Resolver) {
		r.defaultLimits = limits
		r.defaultOnUnavailable = onUnavailable
	}
}

// New constructs a Resolver backed by repo.
func New(repo store.Repository, opts ...Option) *Resolver {
	r := &Resolver{repo: repo, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(r)
	}
	r.entitySpecific = newLevelCache(r.ttl)
	r.entityDefault = newLevelCache(r.ttl)
	r.resource = newLevelCache(r.ttl)
	r.system = newLevelCache(r.ttl)
	return r
}

// Resolve walks the hierarchy top-down, stopping at the first level with a
// non-empty config (§4.5). Every level lookup goes through its own TTL +
// negative cache, so the common case (no entity override; resource/system
// defaults apply) costs zero repository round-trips after the first miss.
func (r *Resolver) Resolve(ctx context.Context, namespace, entityID, resource string) (Result, error) {
	if cfg, ok, err := r.entitySpecific.get(ctx, r.repo, store.SourceEntitySpecific, namespace, entityID, resource); err != nil {
		return Result{}, err
	} else if ok {
		return fromConfig(cfg), nil
	}

	if cfg, ok, err := r.entityDefault.get(ctx, r.repo, store.SourceEntityDefault, namespace, entityID, resource); err != nil {
		return Result{}, err
	} else if ok {
		return fromConfig(cfg), nil
	}

	if cfg, ok, err := r.resource.get(ctx, r.repo, store.SourceResource, namespace, entityID, resource); err != nil {
		return Result{}, err
	} else if ok {
		return fromConfig(cfg), nil
	}

	if cfg, ok, err := r.system.get(ctx, r.repo, store.SourceSystem, namespace, entityID, resource); err != nil {
		return Result{}, err
	} else if ok {
		return fromConfig(cfg), nil
	}

	if r.defaultLimits != nil {
		return Result{Limits: r.defaultLimits, OnUnavailable: r.defaultOnUnavailable, Source: store.SourceNone}, nil
	}

	return Result{}, ErrConfigMissing
}

// Invalidate implements invalidate_config_cache(entity_id?, resource?):
// dropping entries so the next Resolve re-fetches. An empty entityID or
// resource acts as a wildcard for that dimension.
func (r *Resolver) Invalidate(namespace, entityID, resource string) {
	if entityID == "" {
		// Entity-specific keys lead with the entity ID, so a resource alone
		// cannot select them: drop the whole namespace at this level.
		r.entitySpecific.invalidate(namespace, "", "")
	} else {
		r.entitySpecific.invalidate(namespace, entityID, resource)
	}
	r.entityDefault.invalidate(namespace, entityID, "")
	r.resource.invalidate(namespace, "", resource)
	r.system.invalidate(namespace, "", "")
}

func fromConfig(cfg store.ResolvedConfig) Result {
	return Result{Limits: cfg.Limits, OnUnavailable: cfg.OnUnavailable, Source: cfg.Source}
}

// ErrConfigMissing is returned when no hierarchy level and no
// constructor default can supply limits.
var ErrConfigMissing = fmt.Errorf("resolver: no config resolvable for this entity/resource")
