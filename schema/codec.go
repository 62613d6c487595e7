package schema

import (
	"strconv"
	"strings"
)

// Item is the backend-neutral representation of one flat store record:
// a DynamoDB item, a JSONB document, or a Redis hash all marshal to and
// from this shape. Attribute values are always numbers or strings, never
// nested maps (§3 "All records are flat").
type Item map[string]any

// LimitState is the in-process representation of one named limit inside a
// composite bucket item.
type LimitState struct {
	TokensMilli         int64 // b_{name}_tk
	CapacityTokens       int64 // b_{name}_cp
	BurstTokens          int64 // b_{name}_bx
	RefillAmountTokens   int64 // b_{name}_ra
	RefillPeriodSeconds  int64 // b_{name}_rp
	TotalConsumedMilli   int64 // b_{name}_tc
}

// BucketState is the ephemeral in-process representation of one
// composite bucket's #STATE item (§3 "Bucket (composite)").
type BucketState struct {
	RefillBaseline float64 // rf: unix seconds, shared refill anchor + optimistic lock
	TTL            int64   // unix seconds; 0 means absent (no TTL / operator-owned)
	Limits         map[string]LimitState
}

const attrRefillBaseline = "rf"
const attrTTL = "ttl"

// limitAttrSuffixes enumerates the six short field codes persisted per
// limit name (§4.1).
var limitAttrSuffixes = [...]string{"tk", "cp", "bx", "ra", "rp", "tc"}

func limitAttrName(limitName, suffix string) string {
	var b strings.Builder
	b.Grow(2 + len(limitName) + 1 + len(suffix))
	b.WriteString("b_")
	b.WriteString(limitName)
	b.WriteByte('_')
	b.WriteString(suffix)
	return b.String()
}

// EncodeBucketState writes a BucketState into a flat Item using the
// prefix/short-name scheme from §4.1.
func EncodeBucketState(state BucketState) Item {
	item := make(Item, 2+len(state.Limits)*len(limitAttrSuffixes))
	item[attrRefillBaseline] = state.RefillBaseline
	if state.TTL != 0 {
		item[attrTTL] = state.TTL
	}

	for name, limit := range state.Limits {
		item[limitAttrName(name, "tk")] = limit.TokensMilli
		item[limitAttrName(name, "cp")] = limit.CapacityTokens
		item[limitAttrName(name, "bx")] = limit.BurstTokens
		item[limitAttrName(name, "ra")] = limit.RefillAmountTokens
		item[limitAttrName(name, "rp")] = limit.RefillPeriodSeconds
		item[limitAttrName(name, "tc")] = limit.TotalConsumedMilli
	}

	return item
}

// DecodeBucketState reconstructs a BucketState from a flat Item,
// enumerating b_*_* attributes. Unknown attributes are ignored for
// forward compatibility (§4.1).
func DecodeBucketState(item Item) (BucketState, bool) {
	state := BucketState{
		Limits: make(map[string]LimitState),
	}

	rf, ok := asInt64(item[attrRefillBaseline])
	if !ok {
		rfFloat, okFloat := asFloat64(item[attrRefillBaseline])
		if !okFloat {
			return BucketState{}, false
		}
		state.RefillBaseline = rfFloat
	} else {
		state.RefillBaseline = float64(rf)
	}

	if ttl, ok := asInt64(item[attrTTL]); ok {
		state.TTL = ttl
	}

	limits := make(map[string]*LimitState)
	for key, raw := range item {
		name, suffix, ok := splitLimitAttr(key)
		if !ok {
			continue
		}
		value, ok := asInt64(raw)
		if !ok {
			continue
		}

		limit, exists := limits[name]
		if !exists {
			limit = &LimitState{}
			limits[name] = limit
		}

		switch suffix {
		case "tk":
			limit.TokensMilli = value
		case "cp":
			limit.CapacityTokens = value
		case "bx":
			limit.BurstTokens = value
		case "ra":
			limit.RefillAmountTokens = value
		case "rp":
			limit.RefillPeriodSeconds = value
		case "tc":
			limit.TotalConsumedMilli = value
		}
	}

	for name, limit := range limits {
		state.Limits[name] = *limit
	}

	return state, true
}

// splitLimitAttr parses "b_{name}_{suffix}" where suffix is one of the
// known short field codes. Limit names themselves may not contain
// underscores followed by a valid suffix ambiguously; names are validated
// elsewhere (entity.ValidateName) to the narrower
// ^[a-zA-Z][a-zA-Z0-9_.\-]{0,63}$ grammar, so we resolve ambiguity by
// matching the longest known suffix from the end.
func splitLimitAttr(key string) (name, suffix string, ok bool) {
	if !strings.HasPrefix(key, "b_") {
		return "", "", false
	}
	rest := key[2:]
	for _, s := range limitAttrSuffixes {
		tail := "_" + s
		if strings.HasSuffix(rest, tail) && len(rest) > len(tail) {
			return rest[:len(rest)-len(tail)], s, true
		}
	}
	return "", "", false
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
