package ratelimit

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/zeroae/limiter/schema"
)

// Option configures a Limiter at construction, following the teacher's
// functional-options idiom (Option func(*Config) error), generalized here
// to operate on the Limiter itself since there's no separate Config
// struct to validate independently.
type Option func(*Limiter)

// WithNamespace scopes every key this Limiter writes/reads to namespace
// instead of schema.DefaultNamespace (§3, multi-tenant table sharing).
func WithNamespace(namespace string) Option {
	return func(l *Limiter) {
		if namespace != "" {
			l.namespace = namespace
		}
	}
}

// WithLogger installs a structured logger for degraded-mode warnings.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithDefaultLimits supplies a constructor-level fallback config and its
// on_unavailable policy, used when no hierarchy level resolves (§4.5).
func WithDefaultLimits(limits map[string]schema.LimitState, onUnavailable string) Option {
	return func(l *Limiter) {
		l.defaultLimits = limits
		l.defaultOnUnavailable = onUnavailable
	}
}

// WithBreakerConfig overrides the default circuit breaker thresholds.
func WithBreakerConfig(cfg BreakerConfig) Option {
	return func(l *Limiter) { l.breaker = newCircuitBreaker(cfg) }
}

// WithRetryConfig overrides the default transient-error retry policy.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(l *Limiter) { l.retry = cfg }
}

// WithClock overrides the time source, for deterministic tests of
// refill/TTL logic.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithVersionCheck supplies this caller's own version string so New can
// read the stored #VERSION record (§3: "Read on startup for compatibility
// check") and fail construction with KindVersionMismatch if callerVersion
// is below the store's declared min_client_version. Omitting this option
// skips the startup check entirely, matching entity.CheckVersion's
// tolerant default for backends with no version record.
func WithVersionCheck(callerVersion string) Option {
	return func(l *Limiter) { l.callerVersion = callerVersion }
}
