package redisstore

import (
	"context"

	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
)

func entityKey(namespace, entityID string) string {
	return redisKey(schema.PKEntity(namespace, entityID), schema.SKMeta)
}

// parentIndexKey names the Set tracking every entity whose parent_id is
// parentID, standing in for the query DynamoDB/Postgres answer with a
// parent_id index scan/filter.
func parentIndexKey(namespace, parentID string) string {
	return "idx:parent:" + schema.PKEntity(namespace, parentID)
}

func entityToFields(e store.Entity) map[string]any {
	fields := map[string]any{
		"entity_id": e.EntityID,
		"cascade":   e.Cascade,
	}
	if e.Name != "" {
		fields["name"] = e.Name
	}
	if e.ParentID != "" {
		fields["parent_id"] = e.ParentID
	}
	return fields
}

func entityFromHash(item schema.Item) store.Entity {
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
	if v, ok := item["cascade"].(string); ok {
		e.Cascade = v == "1" || v == "true"
	}
	return e
}

func (s *Store) GetEntity(ctx context.Context, namespace, entityID string) (store.Entity, error) {
	item, ok, err := s.getHash(ctx, entityKey(namespace, entityID))
	if err != nil {
		return store.Entity{}, err
	}
	if !ok {
		return store.Entity{}, store.NewNotFoundError(entityID)
	}
	return entityFromHash(item), nil
}

func (s *Store) CreateEntity(ctx context.Context, namespace string, entity store.Entity) error {
	key := entityKey(namespace, entity.EntityID)

	created, err := s.client.HSetNX(ctx, key, "entity_id", entity.EntityID).Result()
	if err != nil {
		return s.maybeConnError("redisstore:CreateEntity", err)
	}
	if !created {
		return store.NewAlreadyExistsError(entity.EntityID)
	}

	if err := s.client.HSet(ctx, key, entityToFields(entity)).Err(); err != nil {
		return s.maybeConnError("redisstore:CreateEntity:fields", err)
	}
	if entity.ParentID != "" {
		if err := s.client.SAdd(ctx, parentIndexKey(namespace, entity.ParentID), key).Err(); err != nil {
			return s.maybeConnError("redisstore:CreateEntity:index", err)
		}
	}
	return nil
}

func (s *Store) DeleteEntity(ctx context.Context, namespace, entityID string) error {
	key := entityKey(namespace, entityID)
	item, ok, err := s.getHash(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return store.NewNotFoundError(entityID)
	}
	entity := entityFromHash(item)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if entity.ParentID != "" {
		pipe.SRem(ctx, parentIndexKey(namespace, entity.ParentID), key)
	}
	pipe.Del(ctx, parentIndexKey(namespace, entityID))

	// PKBucket is plain string concatenation, so passing literal "*" for
	// resource/shard yields a valid glob matching every bucket item this
	// entity owns, regardless of resource or shard.
	bucketPattern := schema.PKBucket(namespace, entityID, "*", "*") + "|" + schema.SKState
	bucketKeys, err := s.client.Keys(ctx, bucketPattern).Result()
	if err != nil {
		return s.maybeConnError("redisstore:DeleteEntity:scan", err)
	}
	if len(bucketKeys) > 0 {
		pipe.Del(ctx, bucketKeys...)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return s.maybeConnError("redisstore:DeleteEntity", err)
	}
	return nil
}

// GetChildren returns the entities whose parent_id equals parentID, via
// the parentIndexKey Set maintained by CreateEntity/DeleteEntity.
func (s *Store) GetChildren(ctx context.Context, namespace, parentID string) ([]store.Entity, error) {
	keys, err := s.client.SMembers(ctx, parentIndexKey(namespace, parentID)).Result()
	if err != nil {
		return nil, s.maybeConnError("redisstore:GetChildren", err)
	}

	out := make([]store.Entity, 0, len(keys))
	for _, key := range keys {
		raw, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, s.maybeConnError("redisstore:GetChildren:hgetall", err)
		}
		if len(raw) == 0 {
			continue // stale index entry left by a delete that raced the scan
		}
		item := make(schema.Item, len(raw))
		for k, v := range raw {
			item[k] = v
		}
		out = append(out, entityFromHash(item))
	}
	return out, nil
}
