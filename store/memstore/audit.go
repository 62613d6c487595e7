package memstore

import (
	"context"

	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
)

// AppendAudit implements store.AuditCapability: one append-only record per
// call under the subject's AUDIT partition (§3). memstore never expires
// these (no TTL sweep in the in-memory test double), and no backend in this
// module writes a TTL attribute on audit records.
func (s *Store) AppendAudit(ctx context.Context, namespace, subject string, event store.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pk := schema.PKAudit(namespace, subject)
	sk := schema.SKAudit(event.SortKey)
	item := schema.Item{
		"action":    event.Action,
		"entity_id": event.EntityID,
		"resource":  event.Resource,
		"timestamp": event.Timestamp,
	}
	for k, v := range event.Detail {
		item[k] = v
	}
	s.put(pk, sk, item)
	return nil
}
