package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
	"github.com/zeroae/limiter/store/memstore"
)

func systemLimits() map[string]schema.LimitState {
	return map[string]schema.LimitState{
		"rpm": {CapacityTokens: 100, BurstTokens: 100, RefillAmountTokens: 100, RefillPeriodSeconds: 60},
	}
}

func TestResolvePrecedenceEntitySpecificWins(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	defer s.Close()

	s.PutConfig("default", store.SourceSystem, "", "", store.ResolvedConfig{Limits: systemLimits()})
	s.PutConfig("default", store.SourceResource, "", "api", store.ResolvedConfig{
		Limits: map[string]schema.LimitState{"rpm": {CapacityTokens: 50, BurstTokens: 50, RefillAmountTokens: 50, RefillPeriodSeconds: 60}},
	})
	s.PutConfig("default", store.SourceEntitySpecific, "u1", "api", store.ResolvedConfig{
		Limits: map[string]schema.LimitState{"rpm": {CapacityTokens: 5, BurstTokens: 5, RefillAmountTokens: 5, RefillPeriodSeconds: 60}},
	})

	r := New(s)
	result, err := r.Resolve(ctx, "default", "u1", "api")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Source != store.SourceEntitySpecific || result.Limits["rpm"].CapacityTokens != 5 {
		t.Fatalf("Resolve() = %+v, want entity-specific cp=5", result)
	}
}

func TestResolveFallsThroughToSystem(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	defer s.Close()
	s.PutConfig("default", store.SourceSystem, "", "", store.ResolvedConfig{Limits: systemLimits()})

	r := New(s)
	result, err := r.Resolve(ctx, "default", "u_new", "api")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Source != store.SourceSystem {
		t.Fatalf("Resolve() source = %v, want system", result.Source)
	}
}

func TestResolveConfigMissingWithNoDefault(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	defer s.Close()

	r := New(s)
	_, err := r.Resolve(ctx, "default", "u1", "api")
	if err != ErrConfigMissing {
		t.Fatalf("Resolve() err = %v, want ErrConfigMissing", err)
	}
}

func TestResolveUsesConstructorDefaultWhenNoneStored(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	defer s.Close()

	r := New(s, WithDefaultLimits(systemLimits(), "block"))
	result, err := r.Resolve(ctx, "default", "u1", "api")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Source != store.SourceNone || result.OnUnavailable != "block" {
		t.Fatalf("Resolve() = %+v, want constructor default", result)
	}
}

// Scenario 5 from spec §8: negative cache hit avoids re-fetching entity
// config within the TTL window.
func TestNegativeCacheAvoidsRefetchWithinTTL(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	defer s.Close()
	s.PutConfig("default", store.SourceSystem, "", "", store.ResolvedConfig{Limits: systemLimits()})

	r := New(s, WithTTL(time.Minute))

	first, err := r.Resolve(ctx, "default", "u_new", "api")
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}

	// Mutate storage directly: if the resolver actually re-fetched
	// entity-specific config it would now see it and diverge from the
	// cached (negative) result.
	s.PutConfig("default", store.SourceEntitySpecific, "u_new", "api", store.ResolvedConfig{
		Limits: map[string]schema.LimitState{"rpm": {CapacityTokens: 1, BurstTokens: 1, RefillAmountTokens: 1, RefillPeriodSeconds: 1}},
	})

	second, err := r.Resolve(ctx, "default", "u_new", "api")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if second.Source != first.Source || second.Limits["rpm"].CapacityTokens != first.Limits["rpm"].CapacityTokens {
		t.Fatalf("expected cached negative result to be honored: first=%+v second=%+v", first, second)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	defer s.Close()
	s.PutConfig("default", store.SourceSystem, "", "", store.ResolvedConfig{Limits: systemLimits()})

	r := New(s, WithTTL(time.Minute))
	r.Resolve(ctx, "default", "u1", "api")

	s.PutConfig("default", store.SourceEntitySpecific, "u1", "api", store.ResolvedConfig{
		Limits: map[string]schema.LimitState{"rpm": {CapacityTokens: 1, BurstTokens: 1, RefillAmountTokens: 1, RefillPeriodSeconds: 1}},
	})
	r.Invalidate("default", "u1", "api")

	result, err := r.Resolve(ctx, "default", "u1", "api")
	if err != nil {
		t.Fatalf("Resolve after invalidate: %v", err)
	}
	if result.Source != store.SourceEntitySpecific {
		t.Fatalf("Resolve() after invalidate = %+v, want entity-specific", result)
	}
}
