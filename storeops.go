package ratelimit

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/zeroae/limiter/metrics"
	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
)

// storeResult labels a completed repository call for StoreCallTotal.
func storeResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case store.Classify(err) == store.ClassConditionFailed:
		return "condition_failed"
	case store.Classify(err) == store.ClassTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Every repository call the engine makes goes through one of these three
// wrappers: breaker-gated (fail fast while tripped), retried with
// exponential backoff while the underlying error classifies as transient
// (§5), and permanent otherwise so retryTransient stops immediately on a
// condition failure or a definitive not-found/validation error.

var errBreakerOpen = fmt.Errorf("ratelimit: circuit breaker open, store assumed unavailable")

// recordOutcome feeds the breaker from an operation's outcome, treating a
// condition failure (an expected, frequent outcome under contention) as a
// success for breaker purposes — only real store trouble should trip it.
func (l *Limiter) recordOutcome(err error) {
	if err == nil || store.Classify(err) == store.ClassConditionFailed {
		l.breaker.RecordSuccess()
		return
	}
	l.breaker.RecordFailure()
}

type bucketRead struct {
	child        schema.BucketState
	childExists  bool
	parent       schema.BucketState
	parentExists bool
}

func (l *Limiter) readBucket(ctx context.Context, key store.BucketKey, parentKey *store.BucketKey) (schema.BucketState, bool, schema.BucketState, bool, error) {
	if !l.breaker.Allow() {
		metrics.StoreCallTotal.WithLabelValues("read_bucket", "breaker_open").Inc()
		return schema.BucketState{}, false, schema.BucketState{}, false, errBreakerOpen
	}
	timer := metrics.NewTimer()
	result, err := retryTransient(ctx, l.retry, func() (bucketRead, error) {
		child, childExists, parent, parentExists, err := l.repo.ReadBucket(ctx, key, parentKey)
		if err != nil {
			if store.Classify(err) != store.ClassTransient {
				return bucketRead{}, backoff.Permanent(err)
			}
			return bucketRead{}, err
		}
		return bucketRead{child, childExists, parent, parentExists}, nil
	})
	timer.ObserveDurationVec(metrics.StoreCallDuration, "read_bucket")
	metrics.StoreCallTotal.WithLabelValues("read_bucket", storeResult(err)).Inc()
	l.recordOutcome(err)
	if err != nil {
		return schema.BucketState{}, false, schema.BucketState{}, false, err
	}
	return result.child, result.childExists, result.parent, result.parentExists, nil
}

func (l *Limiter) writeBucket(ctx context.Context, req store.WriteRequest) (store.WriteResult, error) {
	if !l.breaker.Allow() {
		metrics.StoreCallTotal.WithLabelValues("write_bucket", "breaker_open").Inc()
		return store.WriteResult{}, errBreakerOpen
	}
	timer := metrics.NewTimer()
	result, err := retryTransient(ctx, l.retry, func() (store.WriteResult, error) {
		res, err := l.repo.WriteBucket(ctx, req)
		if err != nil {
			if store.Classify(err) != store.ClassTransient {
				return store.WriteResult{}, backoff.Permanent(err)
			}
			return store.WriteResult{}, err
		}
		return res, nil
	})
	timer.ObserveDurationVec(metrics.StoreCallDuration, "write_bucket")
	metrics.StoreCallTotal.WithLabelValues("write_bucket", storeResult(err)).Inc()
	metrics.WritePathTotal.WithLabelValues(req.Path.String()).Inc()
	l.recordOutcome(err)
	if err != nil {
		return store.WriteResult{}, err
	}
	return result, nil
}

func (l *Limiter) transactWrite(ctx context.Context, items []store.TransactItem) error {
	if !l.breaker.Allow() {
		metrics.StoreCallTotal.WithLabelValues("transact_write", "breaker_open").Inc()
		return errBreakerOpen
	}
	timer := metrics.NewTimer()
	_, err := retryTransient(ctx, l.retry, func() (struct{}, error) {
		if err := l.repo.TransactWrite(ctx, items); err != nil {
			if store.Classify(err) != store.ClassTransient {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	timer.ObserveDurationVec(metrics.StoreCallDuration, "transact_write")
	metrics.StoreCallTotal.WithLabelValues("transact_write", storeResult(err)).Inc()
	l.recordOutcome(err)
	return err
}
