package ratelimit

import (
	"fmt"

	"github.com/zeroae/limiter/bucketmath"
)

// Kind is the caller-visible error taxonomy (§6): a tagged enum, not a
// class hierarchy — callers switch on Kind, never on concrete type.
type Kind int

const (
	KindRateLimitExceeded Kind = iota
	KindRateLimiterUnavailable
	KindEntityNotFound
	KindEntityExists
	KindValidationError
	KindVersionMismatch
	KindConfigMissing
)

func (k Kind) String() string {
	switch k {
	case KindRateLimitExceeded:
		return "RateLimitExceeded"
	case KindRateLimiterUnavailable:
		return "RateLimiterUnavailable"
	case KindEntityNotFound:
		return "EntityNotFound"
	case KindEntityExists:
		return "EntityExists"
	case KindValidationError:
		return "ValidationError"
	case KindVersionMismatch:
		return "VersionMismatch"
	case KindConfigMissing:
		return "ConfigMissing"
	default:
		return "Unknown"
	}
}

// Error is the single error type every caller-visible failure uses,
// distinguished by Kind rather than by Go type (§9 "No inheritance").
type Error struct {
	Kind              Kind
	Message           string
	RetryAfterSeconds float64
	Violations        []bucketmath.Violation
	Cause             error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ratelimit.KindRateLimitExceeded) read awkwardly,
// so instead callers compare Kind directly via errors.As; Is here only
// supports matching against another *Error with the same Kind.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

func newRateLimitExceeded(retryAfter float64, violations []bucketmath.Violation) *Error {
	return &Error{Kind: KindRateLimitExceeded, RetryAfterSeconds: retryAfter, Violations: violations}
}

func newRateLimiterUnavailable(cause error) *Error {
	return &Error{Kind: KindRateLimiterUnavailable, Cause: cause}
}

func newEntityNotFound(entityID string) *Error {
	return &Error{Kind: KindEntityNotFound, Message: fmt.Sprintf("entity %q not found", entityID)}
}

func newEntityExists(entityID string) *Error {
	return &Error{Kind: KindEntityExists, Message: fmt.Sprintf("entity %q already exists", entityID)}
}

func newValidationError(cause error) *Error {
	return &Error{Kind: KindValidationError, Cause: cause}
}

func newVersionMismatch(cause error) *Error {
	return &Error{Kind: KindVersionMismatch, Cause: cause}
}

func newConfigMissing(entityID, resource string) *Error {
	return &Error{Kind: KindConfigMissing, Message: fmt.Sprintf("no limits resolvable for entity %q resource %q", entityID, resource)}
}
