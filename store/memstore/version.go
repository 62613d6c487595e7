package memstore

import (
	"context"

	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
)

// GetVersion implements store.VersionCapability, reading the `#VERSION`
// record under the system partition (§3).
func (s *Store) GetVersion(ctx context.Context, namespace string) (store.VersionRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.VersionRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.get(schema.PKSystem(namespace), schema.SKVersion)
	if !ok {
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

// PutVersion is a test/admin helper to seed the `#VERSION` record.
func (s *Store) PutVersion(namespace string, record store.VersionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(schema.PKSystem(namespace), schema.SKVersion, schema.Item{
		"schema_version":     record.SchemaVersion,
		"min_client_version": record.MinClientVersion,
		"updated_by":         record.UpdatedBy,
		"updated_at":         record.UpdatedAt,
	})
}
