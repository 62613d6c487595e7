package schema

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	state := BucketState{
		RefillBaseline: 1700000000,
		TTL:            1700003600,
		Limits: map[string]LimitState{
			"rpm": {
				TokensMilli:        45000,
				CapacityTokens:     100,
				BurstTokens:        100,
				RefillAmountTokens: 100,
				RefillPeriodSeconds: 60,
				TotalConsumedMilli: 55000,
			},
			"tpm": {
				TokensMilli:        1250000,
				CapacityTokens:     2000,
				BurstTokens:        2000,
				RefillAmountTokens: 2000,
				RefillPeriodSeconds: 60,
				TotalConsumedMilli: 750000,
			},
		},
	}

	item := EncodeBucketState(state)
	got, ok := DecodeBucketState(item)
	if !ok {
		t.Fatalf("DecodeBucketState() ok = false")
	}

	if got.RefillBaseline != state.RefillBaseline {
		t.Fatalf("RefillBaseline = %v, want %v", got.RefillBaseline, state.RefillBaseline)
	}
	if got.TTL != state.TTL {
		t.Fatalf("TTL = %v, want %v", got.TTL, state.TTL)
	}
	if len(got.Limits) != len(state.Limits) {
		t.Fatalf("Limits len = %d, want %d", len(got.Limits), len(state.Limits))
	}
	for name, want := range state.Limits {
		if got.Limits[name] != want {
			t.Fatalf("Limits[%q] = %+v, want %+v", name, got.Limits[name], want)
		}
	}
}

func TestDecodeBucketStateNoTTL(t *testing.T) {
	state := BucketState{
		RefillBaseline: 5,
		Limits: map[string]LimitState{
			"rpm": {TokensMilli: 1000, CapacityTokens: 1, BurstTokens: 1, RefillAmountTokens: 1, RefillPeriodSeconds: 1, TotalConsumedMilli: 0},
		},
	}
	item := EncodeBucketState(state)
	if _, present := item["ttl"]; present {
		t.Fatalf("expected ttl attribute to be absent when TTL == 0")
	}

	got, ok := DecodeBucketState(item)
	if !ok || got.TTL != 0 {
		t.Fatalf("DecodeBucketState() TTL = %v, ok = %v, want 0, true", got.TTL, ok)
	}
}

func TestDecodeBucketStateIgnoresUnknownAttrs(t *testing.T) {
	item := EncodeBucketState(BucketState{
		RefillBaseline: 1,
		Limits: map[string]LimitState{
			"rpm": {TokensMilli: 1000, CapacityTokens: 1, BurstTokens: 1, RefillAmountTokens: 1, RefillPeriodSeconds: 1},
		},
	})
	item["schema_version"] = "v3"
	item["b_rpm_future_field"] = 42

	got, ok := DecodeBucketState(item)
	if !ok {
		t.Fatalf("DecodeBucketState() ok = false")
	}
	if len(got.Limits) != 1 {
		t.Fatalf("Limits len = %d, want 1", len(got.Limits))
	}
}
