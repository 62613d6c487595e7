package bucketmath

import (
	"math"
	"testing"

	"github.com/zeroae/limiter/schema"
)

func TestEffectiveTokensMilliNoElapsedTime(t *testing.T) {
	limit := SeedLimit(100, 100, 100, 60)
	got := EffectiveTokensMilli(limit, 1000, 1000)
	if got != 100*MilliPerToken {
		t.Fatalf("EffectiveTokensMilli() = %d, want %d", got, 100*MilliPerToken)
	}
}

func TestEffectiveTokensMilliClampsToBurst(t *testing.T) {
	limit := schema.LimitState{
		TokensMilli:         0,
		BurstTokens:         10,
		RefillAmountTokens:  10,
		RefillPeriodSeconds: 60,
	}
	// A full day elapsed: far more than enough to refill to capacity.
	got := EffectiveTokensMilli(limit, 0, 86400)
	if got != 10*MilliPerToken {
		t.Fatalf("EffectiveTokensMilli() = %d, want clamp to %d", got, 10*MilliPerToken)
	}
}

func TestEffectiveTokensMilliPartialRefill(t *testing.T) {
	// 100 capacity, refill 100 tokens per 60s: after 30s from empty,
	// expect 50 tokens refilled.
	limit := schema.LimitState{
		TokensMilli:         0,
		BurstTokens:         100,
		RefillAmountTokens:  100,
		RefillPeriodSeconds: 60,
	}
	got := EffectiveTokensMilli(limit, 0, 30)
	if got != 50*MilliPerToken {
		t.Fatalf("EffectiveTokensMilli() = %d, want %d", got, 50*MilliPerToken)
	}
}

// Scenario 1 from spec §8: rpm=100 capacity/refill, 100 sequential
// acquires of 1 token each succeed, the 101st fails with retry_after ≈ 0.6s.
func TestScenarioSingleLimitAcquireAtCapacity(t *testing.T) {
	limits := map[string]schema.LimitState{
		"rpm": SeedLimit(100, 100, 100, 60),
	}
	rf := 0.0
	now := 0.0

	for i := 1; i <= 100; i++ {
		allowed, _, violations := Decide(limits, rf, now, map[string]int64{"rpm": 1})
		if !allowed {
			t.Fatalf("acquire %d: expected allowed, got violations=%v", i, violations)
		}
		limit := limits["rpm"]
		limits["rpm"] = Consume(limit, 1*MilliPerToken)
	}

	allowed, retryAfter, violations := Decide(limits, rf, now, map[string]int64{"rpm": 1})
	if allowed {
		t.Fatalf("101st acquire: expected RateLimitExceeded")
	}
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(violations))
	}
	if math.Abs(retryAfter-0.6) > 1e-9 {
		t.Fatalf("retry_after = %v, want ≈0.6", retryAfter)
	}
}

// Boundary: consume == 0 must be trivially satisfiable.
func TestDecideZeroConsumeAlwaysAllowed(t *testing.T) {
	limits := map[string]schema.LimitState{
		"rpm": SeedLimit(1, 1, 1, 60),
	}
	limit := limits["rpm"]
	limits["rpm"] = Consume(limit, 1*MilliPerToken) // drain to zero

	allowed, _, _ := Decide(limits, 0, 0, map[string]int64{"rpm": 0})
	if !allowed {
		t.Fatalf("expected consume=0 to always be allowed")
	}
}

// Boundary: amount exactly equal to effective tokens succeeds and leaves tk=0.
func TestConsumeExactlyAtCapacityLeavesZero(t *testing.T) {
	limit := SeedLimit(10, 10, 10, 60)
	allowed, _, _ := Decide(map[string]schema.LimitState{"rpm": limit}, 0, 0, map[string]int64{"rpm": 10})
	if !allowed {
		t.Fatalf("expected exact-capacity consume to be allowed")
	}
	after := Consume(limit, 10*MilliPerToken)
	if after.TokensMilli != 0 {
		t.Fatalf("TokensMilli = %d, want 0", after.TokensMilli)
	}
}

// Boundary: amount == effective+1 fails with retry_after ≈ rp/ra.
func TestConsumeOneOverCapacityFails(t *testing.T) {
	limit := SeedLimit(10, 10, 10, 60)
	allowed, retryAfter, violations := Decide(map[string]schema.LimitState{"rpm": limit}, 0, 0, map[string]int64{"rpm": 11})
	if allowed {
		t.Fatalf("expected over-capacity consume to fail")
	}
	want := 60.0 / 10.0
	if math.Abs(retryAfter-want) > 1e-9 {
		t.Fatalf("retry_after = %v, want ≈%v", retryAfter, want)
	}
	if violations[0].DeficitMilli != 1*MilliPerToken {
		t.Fatalf("DeficitMilli = %d, want %d", violations[0].DeficitMilli, MilliPerToken)
	}
}

func TestAdjustCanDriveTokensNegative(t *testing.T) {
	limit := SeedLimit(10, 10, 10, 60)
	limit = Consume(limit, 5*MilliPerToken) // tk=5000, tc=5000

	// Reconcile: actual usage was 7.5 more tokens than estimated.
	adjusted := Adjust(limit, -7500)
	if adjusted.TokensMilli != 5000-7500 {
		t.Fatalf("TokensMilli = %d, want %d", adjusted.TokensMilli, 5000-7500)
	}
	if adjusted.TotalConsumedMilli != 5000+7500 {
		t.Fatalf("TotalConsumedMilli = %d, want %d", adjusted.TotalConsumedMilli, 5000+7500)
	}
}

func TestRollbackAdjustRestoresPriorState(t *testing.T) {
	limit := SeedLimit(10, 10, 10, 60)
	before := limit

	consumed := Consume(limit, 1*MilliPerToken)
	restored := Adjust(consumed, 1*MilliPerToken)

	if restored != before {
		t.Fatalf("Adjust(rollback) = %+v, want %+v", restored, before)
	}
}

// Invariant 1 (§8): tk never exceeds bx*1000 after Normal/Retry writes,
// across many refill+consume cycles.
func TestRefillNeverExceedsBurstAcrossCycles(t *testing.T) {
	limit := SeedLimit(10, 10, 10, 60)
	rf := 0.0

	for cycle := 1; cycle <= 50; cycle++ {
		now := float64(cycle) * 600 // far beyond one window each time
		windows := WholeWindows(rf, now, limit.RefillPeriodSeconds)
		limit = ApplyRefill(limit, windows)
		rf = NextRefillBaseline(rf, now, limit.RefillPeriodSeconds)

		if limit.TokensMilli > limit.BurstTokens*MilliPerToken {
			t.Fatalf("cycle %d: TokensMilli=%d exceeds burst cap %d", cycle, limit.TokensMilli, limit.BurstTokens*MilliPerToken)
		}
	}
}

func TestWholeWindowsNoDoubleRefill(t *testing.T) {
	// Two writers compute windows from the same rf/now; both must see the
	// same window count (no double refill from concurrent reads).
	rf, now, rp := 1000.0, 1185.0, 60 // 3 whole windows plus a partial one
	w1 := WholeWindows(rf, now, int64(rp))
	w2 := WholeWindows(rf, now, int64(rp))
	if w1 != w2 || w1 != 3 {
		t.Fatalf("WholeWindows() = %d, %d, want 3, 3", w1, w2)
	}
}
