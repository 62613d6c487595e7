package dynamostore

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
)

// AppendAudit implements store.AuditCapability: one item per call under the
// subject's AUDIT partition, mirroring memstore's AppendAudit against the
// same pk/sk grammar.
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

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return err
	}
	for k, v := range keyAV(schema.PKAudit(namespace, subject), schema.SKAudit(event.SortKey)) {
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
