package dynamostore

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
)

// ResolveLimits reads one level of the config hierarchy, mirroring
// memstore's ResolveLimits/configFromItem against the same flat
// l_{name}_{suffix} attribute scheme, held as native DynamoDB item
// attributes instead of an in-process map.
func (s *Store) ResolveLimits(ctx context.Context, level store.ConfigSource, namespace, entityID, resource string) (store.ResolvedConfig, error) {
	pk, sk, ok := configKey(level, namespace, entityID, resource)
	if !ok {
		return store.ResolvedConfig{Source: store.SourceNone}, nil
	}

	item, found, err := s.getItem(ctx, keyAV(pk, sk))
	if err != nil {
		return store.ResolvedConfig{}, err
	}
	if !found {
		return store.ResolvedConfig{Source: level}, nil
	}
	return configFromItem(item, level), nil
}

// PutConfig is a test/admin helper mirroring memstore's: the spec's config
// mutation path is an external collaborator, but tests need a way to seed
// rows.
func (s *Store) PutConfig(ctx context.Context, namespace string, level store.ConfigSource, entityID, resource string, cfg store.ResolvedConfig) error {
	pk, sk, ok := configKey(level, namespace, entityID, resource)
	if !ok {
		return nil
	}
	fields := configToItem(cfg)
	if len(fields) == 0 {
		return nil
	}
	av, err := attributevalue.MarshalMap(fields)
	if err != nil {
		return err
	}
	for k, v := range keyAV(pk, sk) {
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

func keyAV(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func configKey(level store.ConfigSource, namespace, entityID, resource string) (pk, sk string, ok bool) {
	switch level {
	case store.SourceEntitySpecific:
		return schema.PKEntity(namespace, entityID), schema.SKEntityConfig(resource), true
	case store.SourceEntityDefault:
		return schema.PKEntity(namespace, entityID), schema.SKEntityConfig(schema.ConfigDefaultResource), true
	case store.SourceResource:
		return schema.PKResource(namespace, resource), schema.SKConfig, true
	case store.SourceSystem:
		return schema.PKSystem(namespace), schema.SKConfig, true
	default:
		return "", "", false
	}
}

func configToItem(cfg store.ResolvedConfig) schema.Item {
	item := schema.Item{}
	for name, limit := range cfg.Limits {
		item[fmt.Sprintf("l_%s_cp", name)] = limit.CapacityTokens
		item[fmt.Sprintf("l_%s_bx", name)] = limit.BurstTokens
		item[fmt.Sprintf("l_%s_ra", name)] = limit.RefillAmountTokens
		item[fmt.Sprintf("l_%s_rp", name)] = limit.RefillPeriodSeconds
	}
	if cfg.OnUnavailable != "" {
		item["on_unavailable"] = cfg.OnUnavailable
	}
	if cfg.TTL != 0 {
		item["ttl"] = cfg.TTL
	}
	return item
}

func configFromItem(item schema.Item, level store.ConfigSource) store.ResolvedConfig {
	limits := make(map[string]schema.LimitState)
	for key, v := range item {
		if !strings.HasPrefix(key, "l_") {
			continue
		}
		rest := key[2:]
		idx := strings.LastIndex(rest, "_")
		if idx < 0 {
			continue
		}
		name, suffix := rest[:idx], rest[idx+1:]
		limit := limits[name]
		n, _ := toInt64(v)
		switch suffix {
		case "cp":
			limit.CapacityTokens = n
		case "bx":
			limit.BurstTokens = n
		case "ra":
			limit.RefillAmountTokens = n
		case "rp":
			limit.RefillPeriodSeconds = n
		default:
			continue
		}
		limits[name] = limit
	}

	cfg := store.ResolvedConfig{Source: level}
	if len(limits) > 0 {
		cfg.Limits = limits
	}
	if v, ok := item["on_unavailable"].(string); ok {
		cfg.OnUnavailable = v
	}
	if v, ok := item["ttl"]; ok {
		cfg.TTL, _ = toInt64(v)
	}
	return cfg
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
