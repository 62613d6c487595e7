package ratelimit

import (
	"context"
	"sync"

	"github.com/zeroae/limiter/metrics"
	"github.com/zeroae/limiter/store"
)

// leaseState is the Lease state machine from §4.7: Open -> (adjusted)* ->
// Committed | RolledBack. Only Open permits Adjust.
type leaseState int

const (
	leaseOpen leaseState = iota
	leaseCommitted
	leaseRolledBack
)

// Lease is a scoped resource representing one in-flight consumption, with
// guaranteed release on every exit path (§4.7, §9 "Scoped acquisition").
// Callers obtain one from Limiter.Acquire and must call Release(err) on
// every exit path: it commits when err is nil and rolls back otherwise,
// the try/finally pattern of a scoped resource.
type Lease struct {
	mu sync.Mutex

	engine    *Limiter
	key       store.BucketKey
	parentKey *store.BucketKey
	cascade   bool

	consumed     map[string]int64 // tokens consumed at acquire time, per limit
	parentConsumed map[string]int64
	pendingAdjust map[string]int64 // accumulated milli-token deltas from Adjust calls

	state    leaseState
	degraded bool // true when acquired under on_unavailable=allow with a down store
}

// Degraded reports whether this lease was issued in fail-open mode; its
// Adjust/Commit/Rollback calls are no-ops against the store.
func (l *Lease) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// Adjust accumulates a per-limit millitoken delta to be applied on commit
// (§4.7): positive to refund tokens back to the bucket, negative when the
// caller learned after the fact that it consumed more than the original
// estimate (added to tokens, so the sign matches store.Adjust directly).
// Only valid while the lease is Open.
func (l *Lease) Adjust(deltaMilli map[string]int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != leaseOpen {
		return &Error{Kind: KindValidationError, Message: "lease is no longer open"}
	}
	if l.pendingAdjust == nil {
		l.pendingAdjust = make(map[string]int64, len(deltaMilli))
	}
	for name, delta := range deltaMilli {
		l.pendingAdjust[name] += delta
	}
	return nil
}

// Release runs the appropriate exit path based on whether the caller's
// scope succeeded: commit any pending adjust on nil, or issue a
// compensating adjust reversing the initial consumption on non-nil
// (§4.6 "release on lease exit"). Idempotent: a second call is a no-op.
func (l *Lease) Release(ctx context.Context, callerErr error) error {
	if callerErr != nil {
		return l.rollback(ctx)
	}
	return l.commit(ctx)
}

func (l *Lease) commit(ctx context.Context) error {
	l.mu.Lock()
	if l.state != leaseOpen {
		l.mu.Unlock()
		return nil
	}
	l.state = leaseCommitted
	degraded := l.degraded
	deltas := l.pendingAdjust
	l.mu.Unlock()

	if len(deltas) > 0 {
		metrics.LeaseOutcomeTotal.WithLabelValues("adjusted").Inc()
	} else {
		metrics.LeaseOutcomeTotal.WithLabelValues("committed").Inc()
	}
	if degraded || len(deltas) == 0 {
		return nil
	}
	return l.engine.applyAdjust(ctx, l.key, l.parentKey, l.cascade, deltas)
}

func (l *Lease) rollback(ctx context.Context) error {
	l.mu.Lock()
	if l.state != leaseOpen {
		l.mu.Unlock()
		return nil
	}
	l.state = leaseRolledBack
	degraded := l.degraded
	consumed := l.consumed
	parentConsumed := l.parentConsumed
	l.mu.Unlock()

	metrics.LeaseOutcomeTotal.WithLabelValues("rolled_back").Inc()
	if degraded {
		return nil
	}

	// Compensating adjust: return exactly what was consumed at acquire
	// time, back to tk, and subtract it from tc (§4.6, §8 scenario 4).
	deltas := make(map[string]int64, len(consumed))
	for name, tokens := range consumed {
		deltas[name] += tokens * 1000
	}
	if err := l.engine.applyAdjust(ctx, l.key, nil, false, deltas); err != nil {
		return err
	}
	if l.cascade && len(parentConsumed) > 0 {
		parentDeltas := make(map[string]int64, len(parentConsumed))
		for name, tokens := range parentConsumed {
			parentDeltas[name] += tokens * 1000
		}
		if l.parentKey != nil {
			return l.engine.applyAdjustSingle(ctx, *l.parentKey, parentDeltas)
		}
	}
	return nil
}
