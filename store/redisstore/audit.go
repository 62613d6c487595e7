package redisstore

import (
	"context"

	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
)

// AppendAudit implements store.AuditCapability: one Hash row per call
// under the subject's AUDIT partition, mirroring memstore's AppendAudit
// against the same pk/sk grammar.
func (s *Store) AppendAudit(ctx context.Context, namespace, subject string, event store.AuditEvent) error {
	fields := map[string]any{
		"action":    event.Action,
		"entity_id": event.EntityID,
		"resource":  event.Resource,
		"timestamp": event.Timestamp,
	}
	for k, v := range event.Detail {
		fields[k] = v
	}
	key := redisKey(schema.PKAudit(namespace, subject), schema.SKAudit(event.SortKey))
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return s.maybeConnError("redisstore:AppendAudit", err)
	}
	return nil
}
