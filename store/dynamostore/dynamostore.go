// Package dynamostore implements store.Repository on top of Amazon
// DynamoDB: the single shared table the spec describes maps directly onto
// one DynamoDB table keyed by (pk, sk), with every record's flat attribute
// map as top-level item attributes. Not present in the teacher (no
// DynamoDB dependency there); grounded on the aws-sdk-go-v2 module family
// used elsewhere in the retrieval pack and on the patterns documented in
// the Single-Table-Design reference package (conditional PutItem/UpdateItem
// for optimistic locking, TransactWriteItems for multi-item atomicity,
// ConditionalCheckFailedException as the condition-failure signal).
package dynamostore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/zeroae/limiter/store"
)

// Config configures a dynamostore.Store.
type Config struct {
	TableName string
	Region    string
	// Client lets a caller supply an already-configured client (custom
	// HTTP transport, endpoint override for local testing, etc). When
	// nil, New builds one from the default AWS config chain.
	Client *dynamodb.Client
	// ParentIndexName is the GSI used by GetChildren to look up entities
	// by parent_id. Defaults to "parent-index".
	ParentIndexName string
}

// Store is a DynamoDB-backed Repository.
type Store struct {
	client          *dynamodb.Client
	table           string
	parentIndexName string
}

// New builds a client from the default AWS config chain (unless one was
// supplied in Config) and verifies the table is reachable.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.TableName == "" {
		return nil, fmt.Errorf("dynamostore: table name cannot be empty")
	}
	client := cfg.Client
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("dynamostore: failed to load aws config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}
	parentIndex := cfg.ParentIndexName
	if parentIndex == "" {
		parentIndex = "parent-index"
	}
	s := &Store{client: client, table: cfg.TableName, parentIndexName: parentIndex}

	if _, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(cfg.TableName)}); err != nil {
		return nil, fmt.Errorf("dynamostore: table %q not reachable: %w", cfg.TableName, classifyErr(err))
	}
	return s, nil
}

// NewWithClient wraps an already-connected client, skipping the
// reachability check.
func NewWithClient(client *dynamodb.Client, tableName string) *Store {
	return &Store{client: client, table: tableName, parentIndexName: "parent-index"}
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

func (s *Store) Close() error { return nil }

// classifyErr maps DynamoDB's typed exceptions onto the store error
// classes, following the conditional-write/throttling distinction the
// Single-Table-Design reference package documents: ConditionalCheckFailed
// and TransactionCanceled are expected-under-contention outcomes (§7
// ClassConditionFailed), while throughput/limit/internal errors are
// worth retrying (ClassTransient).
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var conditionFailed *types.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		return store.NewConditionFailedError("condition")
	}
	var txCancelled *types.TransactionCanceledException
	if errors.As(err, &txCancelled) {
		return fmt.Errorf("%w: %w", store.ErrTransactCancelled, err)
	}
	var throughput *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return store.NewUnavailableError(err)
	}
	var limitExceeded *types.RequestLimitExceeded
	if errors.As(err, &limitExceeded) {
		return store.NewUnavailableError(err)
	}
	var internalErr *types.InternalServerError
	if errors.As(err, &internalErr) {
		return store.NewUnavailableError(err)
	}
	return err
}
