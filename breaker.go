package ratelimit

import (
	"sync/atomic"
	"time"

	"github.com/zeroae/limiter/metrics"
)

// breakerState mirrors internal/backends/composite's 3-state breaker,
// repurposed here to guard store availability instead of a
// primary/secondary backend switch: once tripped, acquire fails fast with
// RateLimiterUnavailable instead of hammering an already-struggling store.
type breakerState int32

const (
	breakerClosed breakerState = iota
	breakerHalfOpen
	breakerOpen
)

// BreakerConfig configures the trip threshold and recovery window.
type BreakerConfig struct {
	FailureThreshold int32
	RecoveryTimeout  time.Duration
}

// DefaultBreakerConfig matches the teacher's composite backend defaults in
// spirit: a handful of consecutive failures trips it, a short cooldown
// lets it probe again.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 10 * time.Second}
}

type circuitBreaker struct {
	config       BreakerConfig
	state        int32
	failureCount int32
	openedAt     int64
}

func newCircuitBreaker(config BreakerConfig) *circuitBreaker {
	return &circuitBreaker{config: config, state: int32(breakerClosed)}
}

// RecordFailure increments the failure counter and trips the breaker once
// the threshold is reached.
func (cb *circuitBreaker) RecordFailure() {
	if atomic.AddInt32(&cb.failureCount, 1) >= cb.config.FailureThreshold {
		cb.trip()
	}
}

// RecordSuccess resets the breaker to Closed.
func (cb *circuitBreaker) RecordSuccess() {
	atomic.StoreInt32(&cb.state, int32(breakerClosed))
	atomic.StoreInt32(&cb.failureCount, 0)
	metrics.BreakerState.Set(float64(breakerClosed))
}

func (cb *circuitBreaker) trip() {
	atomic.StoreInt32(&cb.state, int32(breakerOpen))
	atomic.StoreInt64(&cb.openedAt, time.Now().UnixNano())
	metrics.BreakerState.Set(float64(breakerOpen))
}

// Allow reports whether a store call should even be attempted: false once
// tripped, until the recovery timeout elapses and one probing call is let
// through (half-open).
func (cb *circuitBreaker) Allow() bool {
	switch breakerState(atomic.LoadInt32(&cb.state)) {
	case breakerOpen:
		openedAt := atomic.LoadInt64(&cb.openedAt)
		if time.Since(time.Unix(0, openedAt)) >= cb.config.RecoveryTimeout {
			if atomic.CompareAndSwapInt32(&cb.state, int32(breakerOpen), int32(breakerHalfOpen)) {
				metrics.BreakerState.Set(float64(breakerHalfOpen))
				return true
			}
			return false
		}
		return false
	default:
		return true
	}
}
