package memstore

import (
	"context"
	"testing"

	"github.com/zeroae/limiter/bucketmath"
	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
)

func TestCreateThenNormalWrite(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	key := store.BucketKey{Namespace: "default", EntityID: "u1", Resource: "api", Shard: "0"}
	seed := map[string]schema.LimitState{"rpm": bucketmath.SeedLimit(100, 100, 100, 60)}

	result, err := s.WriteBucket(ctx, store.WriteRequest{
		Key:  key,
		Path: store.Create,
		Seed: seed,
		Now:  0,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !result.Applied {
		t.Fatalf("Create: expected Applied")
	}

	result, err = s.WriteBucket(ctx, store.WriteRequest{
		Key:           key,
		Path:          store.Normal,
		ConsumeTokens: map[string]int64{"rpm": 1},
		ExpectedRF:    0,
		Now:           0,
	})
	if err != nil {
		t.Fatalf("Normal: %v", err)
	}
	if !result.Applied {
		t.Fatalf("Normal: expected Applied")
	}
	if got := result.State.Limits["rpm"].TokensMilli; got != 99*bucketmath.MilliPerToken {
		t.Fatalf("TokensMilli = %d, want %d", got, 99*bucketmath.MilliPerToken)
	}

	// Duplicate Create must fail as already-exists.
	_, err = s.WriteBucket(ctx, store.WriteRequest{Key: key, Path: store.Create, Seed: seed, Now: 0})
	if err == nil {
		t.Fatalf("expected duplicate Create to fail")
	}
}

func TestNormalConditionFailureThenRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	key := store.BucketKey{Namespace: "default", EntityID: "u1", Resource: "api", Shard: "0"}
	seed := map[string]schema.LimitState{"rpm": bucketmath.SeedLimit(10, 10, 10, 60)}
	if _, err := s.WriteBucket(ctx, store.WriteRequest{Key: key, Path: store.Create, Seed: seed, Now: 0}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// First Normal write advances rf from 0.
	if _, err := s.WriteBucket(ctx, store.WriteRequest{
		Key: key, Path: store.Normal, ConsumeTokens: map[string]int64{"rpm": 1}, ExpectedRF: 0, Now: 70,
	}); err != nil {
		t.Fatalf("first Normal: %v", err)
	}

	// A second writer who read rf=0 sees a condition failure since rf is now 60.
	result, err := s.WriteBucket(ctx, store.WriteRequest{
		Key: key, Path: store.Normal, ConsumeTokens: map[string]int64{"rpm": 1}, ExpectedRF: 0, Now: 70,
	})
	if err != nil {
		t.Fatalf("second Normal: %v", err)
	}
	if result.Applied {
		t.Fatalf("expected second Normal to fail its rf condition")
	}

	// Retry path: consumption-only, no rf touch.
	retryResult, err := s.WriteBucket(ctx, store.WriteRequest{
		Key: key, Path: store.Retry, ConsumeTokens: map[string]int64{"rpm": 1}, Now: 70,
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if !retryResult.Applied {
		t.Fatalf("expected Retry to succeed")
	}
	if got := retryResult.State.Limits["rpm"].TotalConsumedMilli; got != 2*bucketmath.MilliPerToken {
		t.Fatalf("TotalConsumedMilli = %d, want %d", got, 2*bucketmath.MilliPerToken)
	}
}

func TestAdjustReconciliation(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	key := store.BucketKey{Namespace: "default", EntityID: "u1", Resource: "api", Shard: "0"}
	seed := map[string]schema.LimitState{"tpm": bucketmath.SeedLimit(2000, 2000, 2000, 60)}
	if _, err := s.WriteBucket(ctx, store.WriteRequest{Key: key, Path: store.Create, Seed: seed, Now: 0}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.WriteBucket(ctx, store.WriteRequest{
		Key: key, Path: store.Normal, ConsumeTokens: map[string]int64{"tpm": 500}, ExpectedRF: 0, Now: 0,
	}); err != nil {
		t.Fatalf("Normal: %v", err)
	}

	// Reconcile: 750 more tokens (750000 millitokens) than estimated were actually used.
	result, err := s.WriteBucket(ctx, store.WriteRequest{
		Key: key, Path: store.Adjust, AdjustMilli: map[string]int64{"tpm": -750000}, Now: 0,
	})
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	want := int64(2000-500)*bucketmath.MilliPerToken - 750000
	if got := result.State.Limits["tpm"].TokensMilli; got != want {
		t.Fatalf("TokensMilli = %d, want %d", got, want)
	}
}

func TestTransactWriteCascadeAtomicity(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	childKey := store.BucketKey{Namespace: "default", EntityID: "child", Resource: "api", Shard: "0"}
	parentKey := store.BucketKey{Namespace: "default", EntityID: "parent", Resource: "api", Shard: "0"}

	childSeed := map[string]schema.LimitState{"rpm": bucketmath.SeedLimit(10, 10, 10, 60)}
	parentSeed := map[string]schema.LimitState{"rpm": bucketmath.SeedLimit(100, 100, 100, 60)}
	if _, err := s.WriteBucket(ctx, store.WriteRequest{Key: childKey, Path: store.Create, Seed: childSeed, Now: 0}); err != nil {
		t.Fatalf("seed child: %v", err)
	}
	if _, err := s.WriteBucket(ctx, store.WriteRequest{Key: parentKey, Path: store.Create, Seed: parentSeed, Now: 0}); err != nil {
		t.Fatalf("seed parent: %v", err)
	}

	err := s.TransactWrite(ctx, []store.TransactItem{
		{Key: childKey, Write: store.WriteRequest{Key: childKey, Path: store.Normal, ConsumeTokens: map[string]int64{"rpm": 1}, ExpectedRF: 0, Now: 0}},
		{Key: parentKey, Write: store.WriteRequest{Key: parentKey, Path: store.Normal, ConsumeTokens: map[string]int64{"rpm": 1}, ExpectedRF: 0, Now: 0}},
	})
	if err != nil {
		t.Fatalf("TransactWrite: %v", err)
	}

	child, _, _, _, err := s.ReadBucket(ctx, childKey, nil)
	if err != nil {
		t.Fatalf("ReadBucket child: %v", err)
	}
	parent, _, _, _, err := s.ReadBucket(ctx, parentKey, nil)
	if err != nil {
		t.Fatalf("ReadBucket parent: %v", err)
	}
	if got := child.Limits["rpm"].TokensMilli; got != 9*bucketmath.MilliPerToken {
		t.Fatalf("child TokensMilli = %d, want %d", got, 9*bucketmath.MilliPerToken)
	}
	if got := parent.Limits["rpm"].TokensMilli; got != 99*bucketmath.MilliPerToken {
		t.Fatalf("parent TokensMilli = %d, want %d", got, 99*bucketmath.MilliPerToken)
	}
}

func TestTransactWriteRollsBackOnConditionFailure(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	childKey := store.BucketKey{Namespace: "default", EntityID: "child", Resource: "api", Shard: "0"}
	parentKey := store.BucketKey{Namespace: "default", EntityID: "parent", Resource: "api", Shard: "0"}

	childSeed := map[string]schema.LimitState{"rpm": bucketmath.SeedLimit(10, 10, 10, 60)}
	parentSeed := map[string]schema.LimitState{"rpm": bucketmath.SeedLimit(100, 100, 100, 60)}
	s.WriteBucket(ctx, store.WriteRequest{Key: childKey, Path: store.Create, Seed: childSeed, Now: 0})
	s.WriteBucket(ctx, store.WriteRequest{Key: parentKey, Path: store.Create, Seed: parentSeed, Now: 0})

	// Stale rf on the parent leg forces the whole transaction to cancel.
	err := s.TransactWrite(ctx, []store.TransactItem{
		{Key: childKey, Write: store.WriteRequest{Key: childKey, Path: store.Normal, ConsumeTokens: map[string]int64{"rpm": 1}, ExpectedRF: 0, Now: 0}},
		{Key: parentKey, Write: store.WriteRequest{Key: parentKey, Path: store.Normal, ConsumeTokens: map[string]int64{"rpm": 1}, ExpectedRF: 999, Now: 0}},
	})
	if err == nil {
		t.Fatalf("expected transaction to fail on stale parent rf")
	}

	child, _, _, _, _ := s.ReadBucket(ctx, childKey, nil)
	if got := child.Limits["rpm"].TokensMilli; got != 10*bucketmath.MilliPerToken {
		t.Fatalf("child TokensMilli = %d, want unmodified %d (rollback)", got, 10*bucketmath.MilliPerToken)
	}
}

func TestEntityCreateGetDeleteCascade(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	if err := s.CreateEntity(ctx, "default", store.Entity{EntityID: "parent", Cascade: false}); err != nil {
		t.Fatalf("CreateEntity(parent): %v", err)
	}
	if err := s.CreateEntity(ctx, "default", store.Entity{EntityID: "child", ParentID: "parent", Cascade: true}); err != nil {
		t.Fatalf("CreateEntity(child): %v", err)
	}
	if err := s.CreateEntity(ctx, "default", store.Entity{EntityID: "parent", Cascade: false}); err == nil {
		t.Fatalf("expected duplicate CreateEntity to fail")
	}

	children, err := s.GetChildren(ctx, "default", "parent")
	if err != nil || len(children) != 1 || children[0].EntityID != "child" {
		t.Fatalf("GetChildren() = %+v, %v", children, err)
	}

	key := store.BucketKey{Namespace: "default", EntityID: "child", Resource: "api", Shard: "0"}
	seed := map[string]schema.LimitState{"rpm": bucketmath.SeedLimit(1, 1, 1, 60)}
	s.WriteBucket(ctx, store.WriteRequest{Key: key, Path: store.Create, Seed: seed, Now: 0})

	if err := s.DeleteEntity(ctx, "default", "child"); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}
	if _, err := s.GetEntity(ctx, "default", "child"); err == nil {
		t.Fatalf("expected child entity gone")
	}
	if _, exists, _, _, _ := s.ReadBucket(ctx, key, nil); exists {
		t.Fatalf("expected child bucket gone after cascade delete")
	}
}

func TestResolveLimitsHierarchyLevels(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	s.PutConfig("default", store.SourceSystem, "", "", store.ResolvedConfig{
		Limits: map[string]schema.LimitState{"rpm": {CapacityTokens: 10, BurstTokens: 10, RefillAmountTokens: 10, RefillPeriodSeconds: 60}},
	})

	cfg, err := s.ResolveLimits(ctx, store.SourceEntitySpecific, "default", "u1", "api")
	if err != nil || cfg.Source != store.SourceEntitySpecific || cfg.Limits != nil {
		t.Fatalf("expected entity-specific miss, got %+v, %v", cfg, err)
	}

	cfg, err = s.ResolveLimits(ctx, store.SourceSystem, "default", "u1", "api")
	if err != nil || cfg.Limits["rpm"].CapacityTokens != 10 {
		t.Fatalf("expected system config hit, got %+v, %v", cfg, err)
	}
}
