package redisstore

import (
	"context"

	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
)

// GetVersion implements store.VersionCapability, reading the `#VERSION`
// row under the system partition.
func (s *Store) GetVersion(ctx context.Context, namespace string) (store.VersionRecord, bool, error) {
	item, found, err := s.getHash(ctx, redisKey(schema.PKSystem(namespace), schema.SKVersion))
	if err != nil {
		return store.VersionRecord{}, false, err
	}
	if !found {
		return store.VersionRecord{}, false, nil
	}

	record := store.VersionRecord{}
	if v, ok := item["schema_version"].(string); ok {
		record.SchemaVersion = v
	}
	if v, ok := item["min_client_version"].(string); ok {
		record.MinClientVersion = v
	}
	if v, ok := item["updated_by"].(string); ok {
		record.UpdatedBy = v
	}
	if v, ok := toInt64(item["updated_at"]); ok {
		record.UpdatedAt = v
	}
	return record, true, nil
}

// PutVersion is a test/admin helper mirroring memstore's, seeding the
// `#VERSION` row.
func (s *Store) PutVersion(ctx context.Context, namespace string, record store.VersionRecord) error {
	fields := map[string]any{
		"schema_version":     record.SchemaVersion,
		"min_client_version": record.MinClientVersion,
		"updated_by":         record.UpdatedBy,
		"updated_at":         record.UpdatedAt,
	}
	if err := s.client.HSet(ctx, redisKey(schema.PKSystem(namespace), schema.SKVersion), fields).Err(); err != nil {
		return s.maybeConnError("redisstore:PutVersion", err)
	}
	return nil
}
