package dynamostore

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
)

// GetVersion implements store.VersionCapability, reading the `#VERSION`
// item under the namespace's system partition.
func (s *Store) GetVersion(ctx context.Context, namespace string) (store.VersionRecord, bool, error) {
	item, found, err := s.getItem(ctx, keyAV(schema.PKSystem(namespace), schema.SKVersion))
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
// `#VERSION` item.
func (s *Store) PutVersion(ctx context.Context, namespace string, record store.VersionRecord) error {
	item := schema.Item{
		"schema_version":     record.SchemaVersion,
		"min_client_version": record.MinClientVersion,
		"updated_by":         record.UpdatedBy,
		"updated_at":         record.UpdatedAt,
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return err
	}
	for k, v := range keyAV(schema.PKSystem(namespace), schema.SKVersion) {
		av[k] = v
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return classifyErr(err)
	}
	return nil
}
