package memstore

import (
	"context"

	"github.com/zeroae/limiter/bucketmath"
	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
)

func bucketPK(key store.BucketKey) string {
	return schema.PKBucket(key.Namespace, key.EntityID, key.Resource, key.Shard)
}

func (s *Store) ReadBucket(ctx context.Context, key store.BucketKey, parentKey *store.BucketKey) (child schema.BucketState, childExists bool, parent schema.BucketState, parentExists bool, err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.get(bucketPK(key), schema.SKState); ok {
		child, childExists = schema.DecodeBucketState(item)
	}
	if parentKey != nil {
		if item, ok := s.get(bucketPK(*parentKey), schema.SKState); ok {
			parent, parentExists = schema.DecodeBucketState(item)
		}
	}
	return
}

// WriteBucket dispatches to the write path selected by req.Path, applying
// the §4.3 protocol against the single in-memory record for this bucket.
func (s *Store) WriteBucket(ctx context.Context, req store.WriteRequest) (store.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return store.WriteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeBucketLocked(req)
}

func (s *Store) writeBucketLocked(req store.WriteRequest) (store.WriteResult, error) {
	pk := bucketPK(req.Key)

	switch req.Path {
	case store.Create:
		if _, exists := s.get(pk, schema.SKState); exists {
			return store.WriteResult{}, store.NewAlreadyExistsError(pk)
		}
		state := schema.BucketState{RefillBaseline: req.Now, TTL: req.TTL, Limits: req.Seed}
		s.put(pk, schema.SKState, schema.EncodeBucketState(state))
		return store.WriteResult{Applied: true, State: state}, nil

	case store.Normal:
		item, exists := s.get(pk, schema.SKState)
		if !exists {
			return store.WriteResult{}, store.NewNotFoundError(pk)
		}
		state, _ := schema.DecodeBucketState(item)
		if state.RefillBaseline != req.ExpectedRF {
			return store.WriteResult{Applied: false, State: state}, nil
		}

		newLimits := make(map[string]schema.LimitState, len(state.Limits))
		for name, limit := range state.Limits {
			limit = bucketmath.ApplyRefill(limit, bucketmath.WholeWindows(state.RefillBaseline, req.Now, limit.RefillPeriodSeconds))
			if amount, ok := req.ConsumeTokens[name]; ok {
				limit = bucketmath.Consume(limit, amount*bucketmath.MilliPerToken)
			}
			newLimits[name] = limit
		}
		state.RefillBaseline = bucketmath.NextRefillBaseline(state.RefillBaseline, req.Now, refillPeriodOf(state))
		state.Limits = newLimits

		s.put(pk, schema.SKState, schema.EncodeBucketState(state))
		return store.WriteResult{Applied: true, State: state}, nil

	case store.Retry:
		item, exists := s.get(pk, schema.SKState)
		if !exists {
			return store.WriteResult{}, store.NewNotFoundError(pk)
		}
		state, _ := schema.DecodeBucketState(item)

		for name, amount := range req.ConsumeTokens {
			limit, known := state.Limits[name]
			if !known || limit.TokensMilli < amount*bucketmath.MilliPerToken {
				return store.WriteResult{Applied: false, State: state}, nil
			}
		}
		newLimits := make(map[string]schema.LimitState, len(state.Limits))
		for name, limit := range state.Limits {
			if amount, ok := req.ConsumeTokens[name]; ok {
				limit = bucketmath.Consume(limit, amount*bucketmath.MilliPerToken)
			}
			newLimits[name] = limit
		}
		state.Limits = newLimits
		s.put(pk, schema.SKState, schema.EncodeBucketState(state))
		return store.WriteResult{Applied: true, State: state}, nil

	case store.Adjust:
		item, exists := s.get(pk, schema.SKState)
		if !exists {
			return store.WriteResult{}, store.NewNotFoundError(pk)
		}
		state, _ := schema.DecodeBucketState(item)
		newLimits := make(map[string]schema.LimitState, len(state.Limits))
		for name, limit := range state.Limits {
			if delta, ok := req.AdjustMilli[name]; ok {
				limit = bucketmath.Adjust(limit, delta)
			}
			newLimits[name] = limit
		}
		state.Limits = newLimits
		s.put(pk, schema.SKState, schema.EncodeBucketState(state))
		return store.WriteResult{Applied: true, State: state}, nil

	default:
		return store.WriteResult{}, store.NewNotFoundError(pk)
	}
}

// refillPeriodOf picks a representative refill period for advancing rf:
// every limit in a bucket item shares the same clock, but each limit may
// declare its own rp, so advance rf by the smallest configured period to
// never under-claim any limit's refill window.
func refillPeriodOf(state schema.BucketState) int64 {
	var rp int64
	for _, limit := range state.Limits {
		if rp == 0 || (limit.RefillPeriodSeconds > 0 && limit.RefillPeriodSeconds < rp) {
			rp = limit.RefillPeriodSeconds
		}
	}
	return rp
}

// TransactWrite applies every item atomically. Since memstore serializes
// all writes behind one mutex, atomicity is free: either every leg
// succeeds or the whole call returns an error and no leg is persisted.
func (s *Store) TransactWrite(ctx context.Context, items []store.TransactItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Snapshot affected records so a mid-transaction failure can roll back
	// without leaving partial writes visible.
	type snapshot struct {
		pk, sk string
		item   schema.Item
		existed bool
	}
	var snapshots []snapshot
	for _, it := range items {
		pk := bucketPK(it.Key)
		item, existed := s.get(pk, schema.SKState)
		snapshots = append(snapshots, snapshot{pk: pk, sk: schema.SKState, item: item, existed: existed})
	}

	rollback := func() {
		for _, snap := range snapshots {
			if snap.existed {
				s.put(snap.pk, snap.sk, snap.item)
			} else {
				s.delete(snap.pk, snap.sk)
			}
		}
	}

	for _, it := range items {
		result, err := s.writeBucketLocked(it.Write)
		if err != nil {
			rollback()
			return err
		}
		if !result.Applied {
			rollback()
			return store.NewConditionFailedError(bucketPK(it.Key))
		}
	}
	return nil
}
