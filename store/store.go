// Package store defines the repository capability set that the engine,
// resolver, and entity packages depend on (§9 "Polymorphism over storage"):
// resolve/read/write/transact against a single shared table, plus optional
// audit and lifecycle capabilities. Concrete backends (memstore, dynamostore,
// pgstore, redisstore) implement Repository the same way a Backend
// implementation in the teacher repo plugs into a strategy.
package store

import (
	"context"

	"github.com/zeroae/limiter/schema"
)

// WritePath selects one of the four bucket write protocols from §4.3.
type WritePath int

const (
	// Create seeds a brand-new bucket item, conditioned on absence. It
	// applies no consumption; the engine follows it with a Normal write.
	Create WritePath = iota
	// Normal is the hot path: refill-then-consume, conditioned on the
	// stored rf matching the value the caller read (optimistic lock).
	Normal
	// Retry is the consumption-only path attempted after a Normal
	// conflict: no rf change, conditioned per-limit on available tokens.
	Retry
	// Adjust is the unconditional lease reconciliation/rollback path; the
	// only path that may drive tk negative.
	Adjust
)

func (p WritePath) String() string {
	switch p {
	case Create:
		return "create"
	case Normal:
		return "normal"
	case Retry:
		return "retry"
	case Adjust:
		return "adjust"
	default:
		return "unknown"
	}
}

// BucketKey addresses one composite bucket item.
type BucketKey struct {
	Namespace string
	EntityID  string
	Resource  string
	Shard     string
}

// Entity is the in-process view of a `#META` record (§3).
type Entity struct {
	EntityID string
	Name     string
	ParentID string
	Cascade  bool
	Metadata map[string]any
}

// ConfigSource identifies which hierarchy level a resolved config came
// from (§4.5), surfaced for observability and tests.
type ConfigSource int

const (
	SourceNone ConfigSource = iota
	SourceEntitySpecific
	SourceEntityDefault
	SourceResource
	SourceSystem
)

func (s ConfigSource) String() string {
	switch s {
	case SourceEntitySpecific:
		return "entity_specific"
	case SourceEntityDefault:
		return "entity_default"
	case SourceResource:
		return "resource"
	case SourceSystem:
		return "system"
	default:
		return "none"
	}
}

// ResolvedConfig is the result of one hierarchy level lookup. Limits may be
// nil when the level has no record at all (a negative-cacheable result);
// Source still names the level that was read.
type ResolvedConfig struct {
	Limits        map[string]schema.LimitState
	OnUnavailable string
	Source        ConfigSource
	TTL           int64
}

// WriteRequest carries everything a backend needs to perform one bucket
// write: the target key, the selected path, the consumption/adjust deltas
// per limit (in whole tokens for Normal/Retry, signed millitokens for
// Adjust), and the optimistic-lock value read before the call.
type WriteRequest struct {
	Key           BucketKey
	Path          WritePath
	ConsumeTokens map[string]int64 // Normal/Retry: tokens requested per limit
	AdjustMilli   map[string]int64 // Adjust: signed millitoken delta per limit
	Seed          map[string]schema.LimitState // Create: static per-limit fields
	ExpectedRF    float64                      // Normal: optimistic-lock condition value
	Now           float64
	TTL           int64
}

// WriteResult reports the outcome of a bucket write.
type WriteResult struct {
	Applied bool // false only for Retry/Normal condition failures, never an error
	State   schema.BucketState
}

// TransactItem is one leg of a multi-item transaction (cascade child+parent,
// or entity+bucket initialization), capped by the store's own 100-item
// transaction limit (§4.4).
type TransactItem struct {
	Key     BucketKey
	Write   WriteRequest
	Created bool // whether this leg is a Create (conditioned on absence)
}

// Repository is the full capability set a backend must implement (§9).
// Alternative backends are interchangeable; the engine only ever talks to
// this interface.
type Repository interface {
	// ResolveLimits reads exactly one hierarchy level's config record
	// (entity-specific, entity-default, resource, or system), called by
	// the resolver cache on a miss. level selects which record to read.
	ResolveLimits(ctx context.Context, level ConfigSource, namespace, entityID, resource string) (ResolvedConfig, error)

	GetEntity(ctx context.Context, namespace, entityID string) (Entity, error)
	CreateEntity(ctx context.Context, namespace string, entity Entity) error
	DeleteEntity(ctx context.Context, namespace, entityID string) error
	GetChildren(ctx context.Context, namespace, parentID string) ([]Entity, error)

	// ReadBucket reads the named bucket plus, when parentKey is non-nil,
	// the parent bucket. memstore reads both under one lock; dynamostore,
	// pgstore and redisstore issue one read per bucket, so a read with a
	// parent takes two sequential round trips.
	ReadBucket(ctx context.Context, key BucketKey, parentKey *BucketKey) (child schema.BucketState, childExists bool, parent schema.BucketState, parentExists bool, err error)

	WriteBucket(ctx context.Context, req WriteRequest) (WriteResult, error)

	// TransactWrite applies every item atomically (all-or-nothing),
	// capped at 100 items by the store's own transaction limit.
	TransactWrite(ctx context.Context, items []TransactItem) error

	Ping(ctx context.Context) error
	Close() error
}

// AuditCapability is an optional capability: backends that can durably
// record audit events implement it. The core never queries audit history
// (out of scope); it only appends.
type AuditCapability interface {
	AppendAudit(ctx context.Context, namespace, subject string, event AuditEvent) error
}

// AuditEvent is one append-only record under an AUDIT partition (§3).
type AuditEvent struct {
	SortKey   string
	Action    string
	EntityID  string
	Resource  string
	Timestamp int64
	Detail    map[string]any
}

// VersionCapability is an optional capability for the startup compatibility
// check against the `#VERSION` record (§3).
type VersionCapability interface {
	GetVersion(ctx context.Context, namespace string) (VersionRecord, bool, error)
}

// VersionRecord mirrors the `#VERSION` item.
type VersionRecord struct {
	SchemaVersion   string
	MinClientVersion string
	UpdatedBy       string
	UpdatedAt       int64
}
