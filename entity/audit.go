package entity

import (
	"github.com/oklog/ulid/v2"
)

// NewAuditSortKey mints a ULID-based sort key for an audit event: ULIDs
// are lexicographically sortable by creation time, matching §3's
// `SK=#AUDIT#{ulid_or_iso_timestamp}` grammar without needing a monotonic
// counter alongside the timestamp.
func NewAuditSortKey(entropy ulid.MonotonicReader) string {
	id := ulid.MustNew(ulid.Now(), entropy)
	return id.String()
}
