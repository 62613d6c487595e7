package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
	"github.com/zeroae/limiter/store/redisstore/scripts"
)

func bucketKey(key store.BucketKey) string {
	return redisKey(schema.PKBucket(key.Namespace, key.EntityID, key.Resource, key.Shard), schema.SKState)
}

type seedConfig struct {
	CP int64 `json:"cp"`
	BX int64 `json:"bx"`
	RA int64 `json:"ra"`
	RP int64 `json:"rp"`
}

type writeScriptResult struct {
	Applied       bool   `json:"applied"`
	AlreadyExists bool   `json:"already_exists"`
	NotFound      bool   `json:"not_found"`
	RFMismatch    bool   `json:"rf_mismatch"`
	Insufficient  string `json:"insufficient"`
	FailedIndex   int    `json:"failed_index"`
}

func (s *Store) ReadBucket(ctx context.Context, key store.BucketKey, parentKey *store.BucketKey) (child schema.BucketState, childExists bool, parent schema.BucketState, parentExists bool, err error) {
	item, ok, err := s.getHash(ctx, bucketKey(key))
	if err != nil {
		return
	}
	if ok {
		child, childExists = schema.DecodeBucketState(item)
	}
	if parentKey != nil {
		pItem, pOk, perr := s.getHash(ctx, bucketKey(*parentKey))
		if perr != nil {
			err = perr
			return
		}
		if pOk {
			parent, parentExists = schema.DecodeBucketState(pItem)
		}
	}
	return
}

func (s *Store) getHash(ctx context.Context, key string) (schema.Item, bool, error) {
	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, s.maybeConnError("redisstore:getHash", err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	item := make(schema.Item, len(raw))
	for k, v := range raw {
		item[k] = v
	}
	return item, true, nil
}

func (s *Store) WriteBucket(ctx context.Context, req store.WriteRequest) (store.WriteResult, error) {
	key := bucketKey(req.Key)

	var script, payload string
	var err error
	switch req.Path {
	case store.Create:
		script = scripts.Create
		payload, err = createPayload(req)
	case store.Normal:
		script = scripts.Normal
		payload, err = normalPayload(req)
	case store.Retry:
		script = scripts.Retry
		payload, err = retryPayload(req)
	case store.Adjust:
		script = scripts.Adjust
		payload, err = adjustPayload(req)
	default:
		return store.WriteResult{}, store.NewNotFoundError(key)
	}
	if err != nil {
		return store.WriteResult{}, err
	}

	raw, err := s.client.Eval(ctx, script, []string{key}, payload).Result()
	if err != nil {
		return store.WriteResult{}, s.maybeConnError("redisstore:WriteBucket", err)
	}

	var result writeScriptResult
	if err := json.Unmarshal([]byte(raw.(string)), &result); err != nil {
		return store.WriteResult{}, fmt.Errorf("redisstore: malformed script result: %w", err)
	}
	if result.NotFound {
		return store.WriteResult{}, store.NewNotFoundError(key)
	}
	if result.AlreadyExists {
		return store.WriteResult{}, store.NewAlreadyExistsError(key)
	}
	if !result.Applied {
		item, ok, gerr := s.getHash(ctx, key)
		if gerr != nil {
			return store.WriteResult{}, gerr
		}
		var state schema.BucketState
		if ok {
			state, _ = schema.DecodeBucketState(item)
		}
		return store.WriteResult{Applied: false, State: state}, nil
	}

	item, ok, err := s.getHash(ctx, key)
	if err != nil {
		return store.WriteResult{}, err
	}
	if !ok {
		return store.WriteResult{}, store.NewNotFoundError(key)
	}
	state, _ := schema.DecodeBucketState(item)
	return store.WriteResult{Applied: true, State: state}, nil
}

func createPayload(req store.WriteRequest) (string, error) {
	seed := make(map[string]seedConfig, len(req.Seed))
	for name, limit := range req.Seed {
		seed[name] = seedConfig{CP: limit.CapacityTokens, BX: limit.BurstTokens, RA: limit.RefillAmountTokens, RP: limit.RefillPeriodSeconds}
	}
	raw, err := json.Marshal(map[string]any{
		"now":  req.Now,
		"ttl":  req.TTL,
		"seed": seed,
	})
	return string(raw), err
}

func normalPayload(req store.WriteRequest) (string, error) {
	raw, err := json.Marshal(map[string]any{
		"expected_rf": req.ExpectedRF,
		"now":         req.Now,
		"ttl":         req.TTL,
		"consume":     req.ConsumeTokens,
	})
	return string(raw), err
}

func retryPayload(req store.WriteRequest) (string, error) {
	raw, err := json.Marshal(map[string]any{"consume": req.ConsumeTokens})
	return string(raw), err
}

func adjustPayload(req store.WriteRequest) (string, error) {
	raw, err := json.Marshal(map[string]any{"adjust": req.AdjustMilli})
	return string(raw), err
}

// transactItemPayload is the per-item shape transact.lua expects, indexed
// against the KEYS array built by TransactWrite.
type transactItemPayload struct {
	KeyIndex   int                   `json:"key_index"`
	Path       string                `json:"path"`
	ExpectedRF float64               `json:"expected_rf"`
	Now        float64               `json:"now"`
	TTL        int64                 `json:"ttl,omitempty"`
	Consume    map[string]int64      `json:"consume,omitempty"`
	Adjust     map[string]int64      `json:"adjust,omitempty"`
	Seed       map[string]seedConfig `json:"seed,omitempty"`
}

func (s *Store) TransactWrite(ctx context.Context, items []store.TransactItem) error {
	keys := make([]string, len(items))
	payload := make([]transactItemPayload, len(items))
	for i, it := range items {
		keys[i] = bucketKey(it.Key)
		p := transactItemPayload{
			KeyIndex:   i + 1,
			Path:       it.Write.Path.String(),
			ExpectedRF: it.Write.ExpectedRF,
			Now:        it.Write.Now,
			TTL:        it.Write.TTL,
			Consume:    it.Write.ConsumeTokens,
			Adjust:     it.Write.AdjustMilli,
		}
		if len(it.Write.Seed) > 0 {
			p.Seed = make(map[string]seedConfig, len(it.Write.Seed))
			for name, limit := range it.Write.Seed {
				p.Seed[name] = seedConfig{CP: limit.CapacityTokens, BX: limit.BurstTokens, RA: limit.RefillAmountTokens, RP: limit.RefillPeriodSeconds}
			}
		}
		payload[i] = p
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	result, err := s.client.Eval(ctx, scripts.Transact, keys, string(raw)).Result()
	if err != nil {
		return s.maybeConnError("redisstore:TransactWrite", err)
	}

	var res writeScriptResult
	if err := json.Unmarshal([]byte(result.(string)), &res); err != nil {
		return fmt.Errorf("redisstore: malformed transact result: %w", err)
	}
	if !res.Applied {
		idx := res.FailedIndex - 1
		if idx < 0 || idx >= len(items) {
			idx = 0
		}
		return store.NewConditionFailedError(bucketKey(items[idx].Key))
	}
	return nil
}
