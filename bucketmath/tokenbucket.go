// Package bucketmath implements the lazy-refill token-bucket arithmetic
// from spec §4.2/§4.3: everything here is pure integer/float64 math over
// millitokens (token × 1000), with no store or time-source dependency so
// it can be exercised deterministically in tests.
package bucketmath

import (
	"math"

	"github.com/zeroae/limiter/schema"
)

// MilliPerToken is the fixed-point scale factor: 1 token == 1000 millitokens.
const MilliPerToken = 1000

// WholeWindows returns the number of complete refill periods elapsed
// between rf and now, i.e. floor((now - rf) / rp). A non-positive
// refillPeriodSeconds yields 0 (callers must reject such configs earlier).
func WholeWindows(rf, now float64, refillPeriodSeconds int64) int64 {
	if refillPeriodSeconds <= 0 || now <= rf {
		return 0
	}
	return int64(math.Floor((now - rf) / float64(refillPeriodSeconds)))
}

// NextRefillBaseline computes rf_new = rf + floor((now-rf)/rp)*rp, the
// largest full refill window reached (§4.3 Normal step 1).
func NextRefillBaseline(rf, now float64, refillPeriodSeconds int64) float64 {
	windows := WholeWindows(rf, now, refillPeriodSeconds)
	return rf + float64(windows)*float64(refillPeriodSeconds)
}

// EffectiveTokensMilli computes the lazily-refilled token count for one
// limit at time `now`, without mutating anything (§4.2):
//
//	min(tk + floor((now - rf) * ra * 1000 / rp), bx * 1000)
func EffectiveTokensMilli(limit schema.LimitState, rf, now float64) int64 {
	if limit.RefillPeriodSeconds <= 0 {
		return limit.TokensMilli
	}

	elapsed := now - rf
	if elapsed < 0 {
		elapsed = 0
	}

	refillMilli := int64(math.Floor(elapsed * float64(limit.RefillAmountTokens) * MilliPerToken / float64(limit.RefillPeriodSeconds)))
	capMilli := limit.BurstTokens * MilliPerToken

	effective := limit.TokensMilli + refillMilli
	if effective > capMilli {
		effective = capMilli
	}
	return effective
}

// RefillMilliForWindows returns the millitokens claimed by advancing
// through the given number of whole refill windows, clamped by the caller
// against burst capacity (§4.3 Normal step 2).
func RefillMilliForWindows(windows int64, refillAmountTokens int64) int64 {
	return windows * refillAmountTokens * MilliPerToken
}

// ApplyRefill returns limit with its tokens advanced by the refill earned
// over `windows` complete periods, clamped to burst capacity. It does not
// touch TotalConsumedMilli.
func ApplyRefill(limit schema.LimitState, windows int64) schema.LimitState {
	capMilli := limit.BurstTokens * MilliPerToken
	limit.TokensMilli += RefillMilliForWindows(windows, limit.RefillAmountTokens)
	if limit.TokensMilli > capMilli {
		limit.TokensMilli = capMilli
	}
	return limit
}

// Consume returns limit with amountMilli subtracted from tokens and added
// to the total-consumed counter. Callers must have already verified
// sufficiency via Decide; acquire write paths never drive tokens below
// zero by construction (§3 bucket invariants).
func Consume(limit schema.LimitState, amountMilli int64) schema.LimitState {
	limit.TokensMilli -= amountMilli
	limit.TotalConsumedMilli += amountMilli
	return limit
}

// Adjust returns limit with deltaMilli applied to tokens and the opposite
// sign applied to the total-consumed counter. This is the only path that
// may drive tokens negative (§4.3 Adjust, reconciling after-the-fact
// over-consumption) or move the counter backwards (explicit refund).
func Adjust(limit schema.LimitState, deltaMilli int64) schema.LimitState {
	limit.TokensMilli += deltaMilli
	limit.TotalConsumedMilli -= deltaMilli
	return limit
}

// Violation describes one limit that did not have enough effective
// tokens to satisfy a requested consumption.
type Violation struct {
	LimitName         string
	RequiredMilli     int64
	EffectiveMilli    int64
	DeficitMilli      int64
	RetryAfterSeconds float64
}

// Decide checks a requested consume map against the current state of
// every limit it names, applying lazy refill as of `now` (§4.2). It
// never mutates state; callers combine its verdict with a write path.
func Decide(limits map[string]schema.LimitState, rf, now float64, consume map[string]int64) (allowed bool, retryAfterSeconds float64, violations []Violation) {
	allowed = true

	for name, amountTokens := range consume {
		limit, known := limits[name]
		requiredMilli := amountTokens * MilliPerToken
		if !known {
			violations = append(violations, Violation{
				LimitName:     name,
				RequiredMilli: requiredMilli,
			})
			allowed = false
			continue
		}

		effective := EffectiveTokensMilli(limit, rf, now)
		if effective >= requiredMilli {
			continue
		}

		deficit := requiredMilli - effective
		var retryAfter float64
		if limit.RefillAmountTokens > 0 {
			retryAfter = (float64(deficit) * float64(limit.RefillPeriodSeconds)) / (float64(limit.RefillAmountTokens) * MilliPerToken)
		}

		violations = append(violations, Violation{
			LimitName:         name,
			RequiredMilli:     requiredMilli,
			EffectiveMilli:    effective,
			DeficitMilli:      deficit,
			RetryAfterSeconds: retryAfter,
		})
		allowed = false
		if retryAfter > retryAfterSeconds {
			retryAfterSeconds = retryAfter
		}
	}

	return allowed, retryAfterSeconds, violations
}

// SeedLimit builds the initial LimitState for a brand-new bucket item:
// full tokens (tk = bx*1000), zero consumed (§4.3 Create).
func SeedLimit(capacityTokens, burstTokens, refillAmountTokens, refillPeriodSeconds int64) schema.LimitState {
	return schema.LimitState{
		TokensMilli:         burstTokens * MilliPerToken,
		CapacityTokens:      capacityTokens,
		BurstTokens:         burstTokens,
		RefillAmountTokens:  refillAmountTokens,
		RefillPeriodSeconds: refillPeriodSeconds,
		TotalConsumedMilli:  0,
	}
}
