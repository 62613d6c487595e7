package dynamostore

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
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
	item, ok, err := s.getItem(ctx, keyAV(schema.PKEntity(namespace, entityID), schema.SKMeta))
	if err != nil {
		return store.Entity{}, err
	}
	if !ok {
		return store.Entity{}, store.NewNotFoundError(entityID)
	}
	return entityFromItem(item), nil
}

// CreateEntity conditions on attribute_not_exists(pk), the Dynamo analog of
// pgstore's ON CONFLICT DO NOTHING / RowsAffected==0 check.
func (s *Store) CreateEntity(ctx context.Context, namespace string, entity store.Entity) error {
	av, err := attributevalue.MarshalMap(entityToItem(entity))
	if err != nil {
		return err
	}
	for k, v := range keyAV(schema.PKEntity(namespace, entity.EntityID), schema.SKMeta) {
		av[k] = v
	}

	cond := expression.AttributeNotExists(expression.Name("pk"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.table),
		Item:                      av,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if store.Classify(classifyErr(err)) == store.ClassConditionFailed {
			return store.NewAlreadyExistsError(entity.EntityID)
		}
		return classifyErr(err)
	}
	return nil
}

// DeleteEntity removes the entity's #META item and every bucket item under
// its partition. The base table's partition key is pk (not a sort key
// within a shared partition), so unlike pgstore's "DELETE ... WHERE pk
// LIKE" this can't be a single request: it's a FilterExpression Scan for
// every item whose pk carries this entity's bucket prefix, batched into
// BatchWriteItem deletes, the same lazy-enumeration trade DynamoDB single-table
// designs accept in exchange for not needing a second index to support it.
func (s *Store) DeleteEntity(ctx context.Context, namespace, entityID string) error {
	cond := expression.AttributeExists(expression.Name("pk"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return err
	}

	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.table),
		Key:                       keyAV(schema.PKEntity(namespace, entityID), schema.SKMeta),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if store.Classify(classifyErr(err)) == store.ClassConditionFailed {
			return store.NewNotFoundError(entityID)
		}
		return classifyErr(err)
	}

	return s.deleteBucketItems(ctx, namespace, entityID)
}

// deleteBucketItems scans for every #STATE item whose pk begins with the
// entity's bucket prefix (entityID embedded, resource/shard unknown) and
// deletes them in BatchWriteItem batches of 25, DynamoDB's per-call limit.
func (s *Store) deleteBucketItems(ctx context.Context, namespace, entityID string) error {
	// PKBucket with an empty resource and shard yields "{ns}/BUCKET#{id}##0";
	// trimming the "#0" shard leaves "{ns}/BUCKET#{id}#", the prefix shared
	// by every resource and shard of this entity.
	prefix := strings.TrimSuffix(schema.PKBucket(namespace, entityID, "", ""), "#"+schema.DefaultShard)
	cond := expression.BeginsWith(expression.Name("pk"), prefix).And(
		expression.Name("sk").Equal(expression.Value(schema.SKState)),
	)
	expr, err := expression.NewBuilder().WithFilter(cond).Build()
	if err != nil {
		return err
	}

	var keys []map[string]types.AttributeValue
	var lastKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.table),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         lastKey,
		})
		if err != nil {
			return classifyErr(err)
		}
		for _, rawItem := range out.Items {
			keys = append(keys, map[string]types.AttributeValue{
				"pk": rawItem["pk"],
				"sk": rawItem["sk"],
			})
		}
		lastKey = out.LastEvaluatedKey
		if len(lastKey) == 0 {
			break
		}
	}

	for i := 0; i < len(keys); i += 25 {
		end := i + 25
		if end > len(keys) {
			end = len(keys)
		}
		batch := make([]types.WriteRequest, 0, end-i)
		for _, k := range keys[i:end] {
			batch = append(batch, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
		}
		if _, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: batch},
		}); err != nil {
			return classifyErr(err)
		}
	}
	return nil
}

// GetChildren queries the parent-index GSI (parent_id as partition key,
// projecting the full entity attribute set) rather than scanning — the
// single-table-design answer to "find children of X" when the base table's
// partition key doesn't group by parent.
func (s *Store) GetChildren(ctx context.Context, namespace, parentID string) ([]store.Entity, error) {
	keyCond := expression.Key("parent_id").Equal(expression.Value(parentID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, err
	}

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(s.parentIndexName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, classifyErr(err)
	}

	children := make([]store.Entity, 0, len(out.Items))
	for _, rawItem := range out.Items {
		var item schema.Item
		if err := attributevalue.UnmarshalMap(rawItem, &item); err != nil {
			return nil, err
		}
		entity := entityFromItem(item)
		// The GSI item only belongs to this namespace's entities if its
		// pk carries that namespace's ENTITY# prefix; skip anything else
		// a shared-table GSI happens to surface.
		if pk, ok := item["pk"].(string); ok && pk != schema.PKEntity(namespace, entity.EntityID) {
			continue
		}
		children = append(children, entity)
	}
	return children, nil
}
