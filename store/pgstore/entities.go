package pgstore

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
)

func entityToItem(e store.Entity) schema.Item {
	item := schema.Item{
		"entity_id": e.EntityID,
		"cascade":   e.Cascade,
	}
	if e.Name != "" {
		item["name"] = e.Name
	}
	if e.ParentID != "" {
		item["parent_id"] = e.ParentID
	}
	if e.Metadata != nil {
		item["metadata"] = e.Metadata
	}
	return item
}

func entityFromItem(item schema.Item) store.Entity {
	e := store.Entity{}
	if v, ok := item["entity_id"].(string); ok {
		e.EntityID = v
	}
	if v, ok := item["name"].(string); ok {
		e.Name = v
	}
	if v, ok := item["parent_id"].(string); ok {
		e.ParentID = v
	}
	if v, ok := item["cascade"].(bool); ok {
		e.Cascade = v
	}
	if v, ok := item["metadata"].(map[string]any); ok {
		e.Metadata = v
	}
	return e
}

func (s *Store) GetEntity(ctx context.Context, namespace, entityID string) (store.Entity, error) {
	item, ok, err := s.getAttrs(ctx, schema.PKEntity(namespace, entityID), schema.SKMeta)
	if err != nil {
		return store.Entity{}, err
	}
	if !ok {
		return store.Entity{}, store.NewNotFoundError(entityID)
	}
	return entityFromItem(item), nil
}

func (s *Store) CreateEntity(ctx context.Context, namespace string, entity store.Entity) error {
	raw, err := json.Marshal(entityToItem(entity))
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO ratelimit_records (pk, sk, attrs) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (pk, sk) DO NOTHING
	`, schema.PKEntity(namespace, entity.EntityID), schema.SKMeta, raw)
	if err != nil {
		return s.maybeConnError("pgstore:CreateEntity", err)
	}
	if tag.RowsAffected() == 0 {
		return store.NewAlreadyExistsError(entity.EntityID)
	}
	return nil
}

func (s *Store) DeleteEntity(ctx context.Context, namespace, entityID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return s.maybeConnError("pgstore:DeleteEntity:Begin", err)
	}
	defer tx.Rollback(ctx)

	entityPK := schema.PKEntity(namespace, entityID)
	tag, err := tx.Exec(ctx, `DELETE FROM ratelimit_records WHERE pk = $1 AND sk = $2`, entityPK, schema.SKMeta)
	if err != nil {
		return s.maybeConnError("pgstore:DeleteEntity", err)
	}
	if tag.RowsAffected() == 0 {
		return store.NewNotFoundError(entityID)
	}

	// PKBucket with an empty resource and shard yields "{ns}/BUCKET#{id}##0";
	// trimming the "#0" shard leaves the prefix shared by every resource and
	// shard of this entity.
	bucketPrefix := strings.TrimSuffix(schema.PKBucket(namespace, entityID, "", ""), "#"+schema.DefaultShard)
	if _, err := tx.Exec(ctx, `
		DELETE FROM ratelimit_records
		WHERE sk = $1 AND pk LIKE $2
	`, schema.SKState, bucketPrefix+"%"); err != nil {
		return s.maybeConnError("pgstore:DeleteEntity:buckets", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return s.maybeConnError("pgstore:DeleteEntity:Commit", err)
	}
	return nil
}

// GetChildren returns the entities whose parent_id equals parentID, ordered
// by pk for deterministic cascade walks.
func (s *Store) GetChildren(ctx context.Context, namespace, parentID string) ([]store.Entity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT attrs FROM ratelimit_records
		WHERE sk = $1 AND attrs->>'parent_id' = $2
		ORDER BY pk ASC
	`, schema.SKMeta, parentID)
	if err != nil {
		return nil, s.maybeConnError("pgstore:GetChildren", err)
	}
	defer rows.Close()

	var out []store.Entity
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		item, err := unmarshalItem(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, entityFromItem(item))
	}
	if err := rows.Err(); err != nil {
		return nil, s.maybeConnError("pgstore:GetChildren:rows", err)
	}
	return out, nil
}
