// Package ratelimit is the distributed token-bucket rate limiter core:
// resolve limits, read the bucket(s) for one (entity, resource) pair,
// decide, write via the four-path protocol, and return a Lease that
// guarantees release on every exit path. The orchestration style
// (functional-options constructor, validated request surface, wrapped
// errors) follows the teacher's own root RateLimiter, generalized from a
// pluggable-strategy facade to this spec's single token-bucket algorithm
// expressed through the data model itself.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeroae/limiter/bucketmath"
	"github.com/zeroae/limiter/entity"
	"github.com/zeroae/limiter/metrics"
	"github.com/zeroae/limiter/resolver"
	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
)

// Limiter is the engine: §4.6 acquire/release orchestration bound to one
// repository, resolver, and namespace.
type Limiter struct {
	repo      store.Repository
	resolver  *resolver.Resolver
	entities  *EntityManager
	namespace string
	logger    zerolog.Logger
	clock     func() time.Time
	breaker   *circuitBreaker
	retry     RetryConfig

	defaultLimits        map[string]schema.LimitState
	defaultOnUnavailable string
	callerVersion        string

	entityCache *entityCache
}

// New constructs a Limiter from functional options.
func New(repo store.Repository, opts ...Option) (*Limiter, error) {
	if repo == nil {
		return nil, errors.New("ratelimit: repository cannot be nil")
	}

	l := &Limiter{
		repo:      repo,
		namespace: schema.DefaultNamespace,
		logger:    zerolog.Nop(),
		clock:     time.Now,
		breaker:   newCircuitBreaker(DefaultBreakerConfig()),
		retry:     DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(l)
	}

	var resolverOpts []resolver.Option
	if l.defaultLimits != nil {
		resolverOpts = append(resolverOpts, resolver.WithDefaultLimits(l.defaultLimits, l.defaultOnUnavailable))
	}
	l.resolver = resolver.New(repo, resolverOpts...)
	l.entities = &EntityManager{inner: entity.New(repo, l.namespace)}
	l.entityCache = newEntityCache(resolver.DefaultTTL)

	if l.callerVersion != "" {
		if err := entity.CheckVersion(context.Background(), repo, l.namespace, l.callerVersion); err != nil {
			if errors.Is(err, entity.ErrVersionMismatch) {
				return nil, newVersionMismatch(err)
			}
			return nil, err
		}
	}

	return l, nil
}

// AcquireOption overrides per-call behavior (§4.6 step 2: "limits, if
// provided, override stored config").
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	limits    map[string]schema.LimitState
	principal string
}

// WithLimits bypasses resolve_limits for this call, using the supplied
// limits directly.
func WithLimits(limits map[string]schema.LimitState) AcquireOption {
	return func(o *acquireOptions) { o.limits = limits }
}

// WithPrincipal attaches a caller-identifying principal for audit context.
func WithPrincipal(principal string) AcquireOption {
	return func(o *acquireOptions) { o.principal = principal }
}

// Acquire implements §4.6: validate, resolve, read, decide, write, return
// a Lease. The returned Lease must have Release called on every exit path.
func (l *Limiter) Acquire(ctx context.Context, entityID, resource string, consume map[string]int64, opts ...AcquireOption) (*Lease, error) {
	timer := metrics.NewTimer()
	lease, err := l.acquire(ctx, entityID, resource, consume, opts...)
	timer.ObserveDuration(metrics.AcquireDuration)
	metrics.AcquireTotal.WithLabelValues(acquireOutcome(lease, err)).Inc()
	return lease, err
}

func acquireOutcome(lease *Lease, err error) string {
	switch {
	case err == nil && lease != nil && lease.Degraded():
		return "degraded"
	case err == nil:
		return "allowed"
	default:
		var rlErr *Error
		if errors.As(err, &rlErr) {
			switch rlErr.Kind {
			case KindRateLimitExceeded:
				return "exceeded"
			case KindRateLimiterUnavailable:
				return "unavailable"
			}
		}
		return "error"
	}
}

func (l *Limiter) acquire(ctx context.Context, entityID, resource string, consume map[string]int64, opts ...AcquireOption) (*Lease, error) {
	if err := entity.ValidateEntityID(entityID); err != nil {
		return nil, newValidationError(err)
	}
	if err := entity.ValidateName(resource, "resource"); err != nil {
		return nil, newValidationError(err)
	}

	var aopts acquireOptions
	for _, opt := range opts {
		opt(&aopts)
	}

	ent, limits, onUnavailable, err := l.resolveEntityAndConfig(ctx, entityID, resource, aopts.limits)
	if err != nil {
		if errors.Is(err, resolver.ErrConfigMissing) {
			return nil, newConfigMissing(entityID, resource)
		}
		var rlErr *Error
		if errors.As(err, &rlErr) && rlErr.Kind == KindEntityNotFound {
			return nil, rlErr
		}
		return l.degradedOrUnavailable(onUnavailable, err)
	}

	childKey := store.BucketKey{Namespace: l.namespace, EntityID: entityID, Resource: resource, Shard: schema.DefaultShard}
	var parentKey *store.BucketKey
	var parentLimits map[string]schema.LimitState
	if ent.Cascade && ent.ParentID != "" {
		pk := store.BucketKey{Namespace: l.namespace, EntityID: ent.ParentID, Resource: resource, Shard: schema.DefaultShard}
		parentKey = &pk
		parentResult, err := l.resolver.Resolve(ctx, l.namespace, ent.ParentID, resource)
		if err != nil && !errors.Is(err, resolver.ErrConfigMissing) {
			return l.degradedOrUnavailable(onUnavailable, err)
		}
		parentLimits = parentResult.Limits
	}

	now := float64(l.clock().Unix())

	if allZero(consume) {
		return l.openLease(childKey, parentKey, ent.Cascade, nil, nil), nil
	}

	child, childExists, parent, parentExists, err := l.readBucket(ctx, childKey, parentKey)
	if err != nil {
		return l.degradedOrUnavailable(onUnavailable, err)
	}

	childDecisionLimits := child.Limits
	if !childExists {
		childDecisionLimits = seedLimits(limits)
	}
	allowed, retryAfter, violations := bucketmath.Decide(childDecisionLimits, child.RefillBaseline, now, consume)

	if parentKey != nil {
		parentDecisionLimits := parent.Limits
		if !parentExists {
			parentDecisionLimits = seedLimits(parentLimits)
		}
		pAllowed, pRetryAfter, pViolations := bucketmath.Decide(parentDecisionLimits, parent.RefillBaseline, now, consume)
		if !pAllowed {
			allowed = false
			violations = append(violations, pViolations...)
			if pRetryAfter > retryAfter {
				retryAfter = pRetryAfter
			}
		}
	}

	if !allowed {
		return nil, newRateLimitExceeded(retryAfter, violations)
	}

	if err := l.ensureBucket(ctx, childKey, limits, now, childExists); err != nil {
		return l.degradedOrUnavailable(onUnavailable, err)
	}
	if parentKey != nil {
		if err := l.ensureBucket(ctx, *parentKey, parentLimits, now, parentExists); err != nil {
			return l.degradedOrUnavailable(onUnavailable, err)
		}
	}

	if err := l.writeConsumption(ctx, childKey, parentKey, child.RefillBaseline, parent.RefillBaseline, now, consume); err != nil {
		if kind, ok := err.(*Error); ok && kind.Kind == KindRateLimitExceeded {
			return nil, err
		}
		return l.degradedOrUnavailable(onUnavailable, err)
	}

	return l.openLease(childKey, parentKey, ent.Cascade, consume, consume), nil
}

func allZero(consume map[string]int64) bool {
	for _, v := range consume {
		if v != 0 {
			return false
		}
	}
	return true
}

func seedLimits(limits map[string]schema.LimitState) map[string]schema.LimitState {
	seeded := make(map[string]schema.LimitState, len(limits))
	for name, limit := range limits {
		seeded[name] = bucketmath.SeedLimit(limit.CapacityTokens, limit.BurstTokens, limit.RefillAmountTokens, limit.RefillPeriodSeconds)
	}
	return seeded
}

func (l *Limiter) ensureBucket(ctx context.Context, key store.BucketKey, limits map[string]schema.LimitState, now float64, exists bool) error {
	if exists {
		return nil
	}
	_, err := l.writeBucket(ctx, store.WriteRequest{
		Key:  key,
		Path: store.Create,
		Seed: seedLimits(limits),
		Now:  now,
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return err
	}
	return nil
}

// writeConsumption issues the Normal write (re-reading and falling back to
// Retry on rf-conflict, per §4.6 step 7). Cascade consumption uses one
// transaction for both legs; the whole transaction retries together on
// cancellation (§4.6: transaction cancellation is treated as condition
// failure, and the same retry rule applies to both items together).
func (l *Limiter) writeConsumption(ctx context.Context, childKey store.BucketKey, parentKey *store.BucketKey, childRF, parentRF float64, now float64, consume map[string]int64) error {
	if parentKey == nil {
		return l.writeSingleConsumption(ctx, childKey, childRF, now, consume)
	}

	items := []store.TransactItem{
		{Key: childKey, Write: store.WriteRequest{Key: childKey, Path: store.Normal, ConsumeTokens: consume, ExpectedRF: childRF, Now: now}},
		{Key: *parentKey, Write: store.WriteRequest{Key: *parentKey, Path: store.Normal, ConsumeTokens: consume, ExpectedRF: parentRF, Now: now}},
	}
	if err := l.transactWrite(ctx, items); err == nil {
		return nil
	} else if store.Classify(err) != store.ClassConditionFailed {
		return err
	}

	// Re-read both and retry consumption-only, no rf touch on either leg.
	child, _, parent, _, err := l.readBucket(ctx, childKey, parentKey)
	if err != nil {
		return err
	}
	if allowed, retryAfter, violations := bucketmath.Decide(child.Limits, child.RefillBaseline, now, consume); !allowed {
		return newRateLimitExceeded(retryAfter, violations)
	}
	if allowed, retryAfter, violations := bucketmath.Decide(parent.Limits, parent.RefillBaseline, now, consume); !allowed {
		return newRateLimitExceeded(retryAfter, violations)
	}

	retryItems := []store.TransactItem{
		{Key: childKey, Write: store.WriteRequest{Key: childKey, Path: store.Retry, ConsumeTokens: consume, Now: now}},
		{Key: *parentKey, Write: store.WriteRequest{Key: *parentKey, Path: store.Retry, ConsumeTokens: consume, Now: now}},
	}
	return l.transactWrite(ctx, retryItems)
}

func (l *Limiter) writeSingleConsumption(ctx context.Context, key store.BucketKey, expectedRF float64, now float64, consume map[string]int64) error {
	result, err := l.writeBucket(ctx, store.WriteRequest{Key: key, Path: store.Normal, ConsumeTokens: consume, ExpectedRF: expectedRF, Now: now})
	if err != nil {
		return err
	}
	if result.Applied {
		return nil
	}

	// rf condition failed: re-read and attempt the consumption-only Retry
	// path (§4.3 Retry acquire).
	child, _, _, _, err := l.readBucket(ctx, key, nil)
	if err != nil {
		return err
	}
	if allowed, retryAfter, violations := bucketmath.Decide(child.Limits, child.RefillBaseline, now, consume); !allowed {
		return newRateLimitExceeded(retryAfter, violations)
	}

	result, err = l.writeBucket(ctx, store.WriteRequest{Key: key, Path: store.Retry, ConsumeTokens: consume, Now: now})
	if err != nil {
		return err
	}
	if !result.Applied {
		return newRateLimiterUnavailable(errors.New("retry path condition failed"))
	}
	return nil
}

// applyAdjust is the Lease's sole path back into the store: one Adjust
// write for the child bucket, plus the parent bucket in the same
// transaction when cascaded (§4.7).
func (l *Limiter) applyAdjust(ctx context.Context, key store.BucketKey, parentKey *store.BucketKey, cascade bool, deltasMilli map[string]int64) error {
	now := float64(l.clock().Unix())
	if !cascade || parentKey == nil {
		_, err := l.writeBucket(ctx, store.WriteRequest{Key: key, Path: store.Adjust, AdjustMilli: deltasMilli, Now: now})
		return err
	}
	return l.transactWrite(ctx, []store.TransactItem{
		{Key: key, Write: store.WriteRequest{Key: key, Path: store.Adjust, AdjustMilli: deltasMilli, Now: now}},
		{Key: *parentKey, Write: store.WriteRequest{Key: *parentKey, Path: store.Adjust, AdjustMilli: deltasMilli, Now: now}},
	})
}

// applyAdjustSingle adjusts one bucket only. Lease.rollback uses it for the
// parent leg of a cascaded lease, as a separate write after the child's
// compensating adjust.
func (l *Limiter) applyAdjustSingle(ctx context.Context, key store.BucketKey, deltasMilli map[string]int64) error {
	_, err := l.writeBucket(ctx, store.WriteRequest{Key: key, Path: store.Adjust, AdjustMilli: deltasMilli, Now: float64(l.clock().Unix())})
	return err
}

func (l *Limiter) openLease(key store.BucketKey, parentKey *store.BucketKey, cascade bool, consumed, parentConsumed map[string]int64) *Lease {
	return &Lease{
		engine:         l,
		key:            key,
		parentKey:      parentKey,
		cascade:        cascade,
		consumed:       consumed,
		parentConsumed: parentConsumed,
		state:          leaseOpen,
	}
}

// degradedOrUnavailable implements §4.6's failure-policy consult: under
// on_unavailable=allow, log a structured warning and hand back a degraded
// open Lease (§7, the sole error-swallowing exception); under block, wrap
// and surface RateLimiterUnavailable. A breaker failure is recorded either
// way so repeated store outages trip it regardless of policy.
func (l *Limiter) degradedOrUnavailable(onUnavailable string, cause error) (*Lease, error) {
	l.breaker.RecordFailure()
	if onUnavailable == "allow" {
		l.logger.Warn().Err(cause).Msg("store unavailable, failing open under on_unavailable=allow")
		return &Lease{engine: l, state: leaseOpen, degraded: true}, nil
	}
	return nil, newRateLimiterUnavailable(cause)
}

// resolveEntityAndConfig resolves limits (or honors an override) and
// fetches the entity's #META record (cached), returning the effective
// on_unavailable policy so callers can apply the fail-open/fail-closed
// consult uniformly regardless of which step failed.
func (l *Limiter) resolveEntityAndConfig(ctx context.Context, entityID, resource string, override map[string]schema.LimitState) (store.Entity, map[string]schema.LimitState, string, error) {
	ent, err := l.entityCache.get(ctx, l.repo, l.namespace, entityID)
	if err != nil {
		return store.Entity{}, nil, "block", err
	}

	if override != nil {
		return ent, override, "block", nil
	}

	result, err := l.resolver.Resolve(ctx, l.namespace, entityID, resource)
	if err != nil {
		onUnavailable := "block"
		if l.defaultOnUnavailable != "" {
			onUnavailable = l.defaultOnUnavailable
		}
		return ent, nil, onUnavailable, err
	}
	onUnavailable := result.OnUnavailable
	if onUnavailable == "" {
		onUnavailable = "block"
	}
	return ent, result.Limits, onUnavailable, nil
}

// Resolver exposes the underlying config resolver for explicit
// invalidate_config_cache calls (§4.5).
func (l *Limiter) Resolver() *resolver.Resolver { return l.resolver }

// Entities exposes the entity manager for create/delete/children calls
// (§4.8), with entity-package sentinel errors translated into this
// package's *Error taxonomy.
func (l *Limiter) Entities() *EntityManager { return l.entities }

// Ping checks store availability, recording the result against the
// circuit breaker.
func (l *Limiter) Ping(ctx context.Context) error {
	if err := l.repo.Ping(ctx); err != nil {
		l.breaker.RecordFailure()
		return err
	}
	l.breaker.RecordSuccess()
	return nil
}

// Close releases the underlying repository.
func (l *Limiter) Close() error { return l.repo.Close() }
