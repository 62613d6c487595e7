package pgstore

import (
	"context"

	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
)

// AppendAudit implements store.AuditCapability: one append-only row per
// call under the subject's AUDIT partition, mirroring memstore's
// AppendAudit against the same pk/sk grammar.
func (s *Store) AppendAudit(ctx context.Context, namespace, subject string, event store.AuditEvent) error {
	item := schema.Item{
		"action":    event.Action,
		"entity_id": event.EntityID,
		"resource":  event.Resource,
		"timestamp": event.Timestamp,
	}
	for k, v := range event.Detail {
		item[k] = v
	}
	raw, err := marshalItem(item)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ratelimit_records (pk, sk, attrs) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (pk, sk) DO UPDATE SET attrs = EXCLUDED.attrs
	`, schema.PKAudit(namespace, subject), schema.SKAudit(event.SortKey), raw)
	if err != nil {
		return s.maybeConnError("pgstore:AppendAudit", err)
	}
	return nil
}
