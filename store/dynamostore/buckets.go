package dynamostore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/zeroae/limiter/bucketmath"
	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
)

func bucketKeyAV(key store.BucketKey) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: schema.PKBucket(key.Namespace, key.EntityID, key.Resource, key.Shard)},
		"sk": &types.AttributeValueMemberS{Value: schema.SKState},
	}
}

func (s *Store) getItem(ctx context.Context, keyAV map[string]types.AttributeValue) (schema.Item, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyAV,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, classifyErr(err)
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}
	var item schema.Item
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, false, fmt.Errorf("dynamostore: unmarshal item: %w", err)
	}
	return item, true, nil
}

func (s *Store) ReadBucket(ctx context.Context, key store.BucketKey, parentKey *store.BucketKey) (child schema.BucketState, childExists bool, parent schema.BucketState, parentExists bool, err error) {
	item, ok, err := s.getItem(ctx, bucketKeyAV(key))
	if err != nil {
		return
	}
	if ok {
		child, childExists = schema.DecodeBucketState(item)
	}
	if parentKey != nil {
		pItem, pOk, perr := s.getItem(ctx, bucketKeyAV(*parentKey))
		if perr != nil {
			err = perr
			return
		}
		if pOk {
			parent, parentExists = schema.DecodeBucketState(pItem)
		}
	}
	return
}

func (s *Store) WriteBucket(ctx context.Context, req store.WriteRequest) (store.WriteResult, error) {
	switch req.Path {
	case store.Create:
		return s.writeCreate(ctx, req)
	case store.Normal:
		return s.writeNormal(ctx, req)
	case store.Retry:
		return s.writeRetry(ctx, req)
	case store.Adjust:
		return s.writeAdjust(ctx, req)
	default:
		return store.WriteResult{}, store.NewNotFoundError(bucketPK(req.Key))
	}
}

func bucketPK(key store.BucketKey) string {
	return schema.PKBucket(key.Namespace, key.EntityID, key.Resource, key.Shard)
}

// writeCreate seeds a brand-new bucket item, conditioned on absence via
// attribute_not_exists(pk) — the DynamoDB equivalent of memstore's "does
// the key already exist" check.
func (s *Store) writeCreate(ctx context.Context, req store.WriteRequest) (store.WriteResult, error) {
	state := schema.BucketState{RefillBaseline: req.Now, TTL: req.TTL, Limits: req.Seed}
	item := schema.EncodeBucketState(state)

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return store.WriteResult{}, err
	}
	for k, v := range bucketKeyAV(req.Key) {
		av[k] = v
	}

	cond := expression.AttributeNotExists(expression.Name("pk"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return store.WriteResult{}, err
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
			return store.WriteResult{}, store.NewAlreadyExistsError(bucketPK(req.Key))
		}
		return store.WriteResult{}, classifyErr(err)
	}
	return store.WriteResult{Applied: true, State: state}, nil
}

// writeNormal reads the current item (refill depends on the stored rf and
// per-limit config, so the windows computation can't be done blind),
// computes the refilled+consumed state the way bucketmath/memstore does,
// then writes it back with a ConditionExpression re-checking rf at write
// time — the same optimistic lock memstore enforces with its mutex and
// pgstore enforces with SELECT ... FOR UPDATE.
func (s *Store) writeNormal(ctx context.Context, req store.WriteRequest) (store.WriteResult, error) {
	keyAV := bucketKeyAV(req.Key)
	item, ok, err := s.getItem(ctx, keyAV)
	if err != nil {
		return store.WriteResult{}, err
	}
	if !ok {
		return store.WriteResult{}, store.NewNotFoundError(bucketPK(req.Key))
	}
	state, _ := schema.DecodeBucketState(item)
	if state.RefillBaseline != req.ExpectedRF {
		return store.WriteResult{Applied: false, State: state}, nil
	}

	newLimits := make(map[string]schema.LimitState, len(state.Limits))
	for name, limit := range state.Limits {
		limit = bucketmath.ApplyRefill(limit, bucketmath.WholeWindows(state.RefillBaseline, req.Now, limit.RefillPeriodSeconds))
		if amount, ok := req.ConsumeTokens[name]; ok {
			limit = bucketmath.Consume(limit, amount*bucketmath.MilliPerToken)
		}
		newLimits[name] = limit
	}
	newRF := bucketmath.NextRefillBaseline(state.RefillBaseline, req.Now, refillPeriodOf(state))

	update := expression.Set(expression.Name("rf"), expression.Value(newRF))
	for name, limit := range newLimits {
		update = update.Set(expression.Name(fmt.Sprintf("b_%s_tk", name)), expression.Value(limit.TokensMilli))
		update = update.Set(expression.Name(fmt.Sprintf("b_%s_tc", name)), expression.Value(limit.TotalConsumedMilli))
	}
	cond := expression.Name("rf").Equal(expression.Value(state.RefillBaseline))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return store.WriteResult{}, err
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       keyAV,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if store.Classify(classifyErr(err)) == store.ClassConditionFailed {
			return store.WriteResult{Applied: false, State: state}, nil
		}
		return store.WriteResult{}, classifyErr(err)
	}

	state.RefillBaseline = newRF
	state.Limits = newLimits
	return store.WriteResult{Applied: true, State: state}, nil
}

// writeRetry never reads the item first: the sufficiency check and the
// consumption both ride in one conditional UpdateItem (ConditionExpression
// b_name_tk >= :required, UpdateExpression ADD b_name_tk/-required), the
// fully atomic form the Normal path can't use because its refill math is
// data-dependent.
func (s *Store) writeRetry(ctx context.Context, req store.WriteRequest) (store.WriteResult, error) {
	keyAV := bucketKeyAV(req.Key)

	if len(req.ConsumeTokens) == 0 {
		item, ok, err := s.getItem(ctx, keyAV)
		if err != nil {
			return store.WriteResult{}, err
		}
		if !ok {
			return store.WriteResult{}, store.NewNotFoundError(bucketPK(req.Key))
		}
		state, _ := schema.DecodeBucketState(item)
		return store.WriteResult{Applied: true, State: state}, nil
	}

	var cond expression.ConditionBuilder
	update := expression.UpdateBuilder{}
	first := true
	for name, amount := range req.ConsumeTokens {
		requiredMilli := amount * bucketmath.MilliPerToken
		limitCond := expression.GreaterThanEqual(expression.Name(fmt.Sprintf("b_%s_tk", name)), expression.Value(requiredMilli))
		if first {
			cond = limitCond
			first = false
		} else {
			cond = cond.And(limitCond)
		}
		update = update.Add(expression.Name(fmt.Sprintf("b_%s_tk", name)), expression.Value(-requiredMilli))
		update = update.Add(expression.Name(fmt.Sprintf("b_%s_tc", name)), expression.Value(requiredMilli))
	}
	cond = cond.And(expression.AttributeExists(expression.Name("pk")))

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return store.WriteResult{}, err
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       keyAV,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if store.Classify(classifyErr(err)) == store.ClassConditionFailed {
			item, iok, ierr := s.getItem(ctx, keyAV)
			if ierr != nil {
				return store.WriteResult{}, ierr
			}
			var state schema.BucketState
			if iok {
				state, _ = schema.DecodeBucketState(item)
			}
			return store.WriteResult{Applied: false, State: state}, nil
		}
		return store.WriteResult{}, classifyErr(err)
	}

	var item schema.Item
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return store.WriteResult{}, fmt.Errorf("dynamostore: unmarshal updated item: %w", err)
	}
	state, _ := schema.DecodeBucketState(item)
	return store.WriteResult{Applied: true, State: state}, nil
}

// writeAdjust is the unconditional reconciliation path: a blind atomic ADD
// per limit, the only path allowed to drive tk negative.
func (s *Store) writeAdjust(ctx context.Context, req store.WriteRequest) (store.WriteResult, error) {
	keyAV := bucketKeyAV(req.Key)

	if len(req.AdjustMilli) == 0 {
		item, ok, err := s.getItem(ctx, keyAV)
		if err != nil {
			return store.WriteResult{}, err
		}
		if !ok {
			return store.WriteResult{}, store.NewNotFoundError(bucketPK(req.Key))
		}
		state, _ := schema.DecodeBucketState(item)
		return store.WriteResult{Applied: true, State: state}, nil
	}

	update := expression.UpdateBuilder{}
	for name, delta := range req.AdjustMilli {
		update = update.Add(expression.Name(fmt.Sprintf("b_%s_tk", name)), expression.Value(delta))
		update = update.Add(expression.Name(fmt.Sprintf("b_%s_tc", name)), expression.Value(-delta))
	}
	cond := expression.AttributeExists(expression.Name("pk"))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return store.WriteResult{}, err
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       keyAV,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if store.Classify(classifyErr(err)) == store.ClassConditionFailed {
			return store.WriteResult{}, store.NewNotFoundError(bucketPK(req.Key))
		}
		return store.WriteResult{}, classifyErr(err)
	}

	var item schema.Item
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return store.WriteResult{}, fmt.Errorf("dynamostore: unmarshal updated item: %w", err)
	}
	state, _ := schema.DecodeBucketState(item)
	return store.WriteResult{Applied: true, State: state}, nil
}

func refillPeriodOf(state schema.BucketState) int64 {
	var rp int64
	for _, limit := range state.Limits {
		if rp == 0 || (limit.RefillPeriodSeconds > 0 && limit.RefillPeriodSeconds < rp) {
			rp = limit.RefillPeriodSeconds
		}
	}
	return rp
}

// TransactWrite applies every item via TransactWriteItems: DynamoDB
// guarantees all-or-nothing across the up-to-100-item batch the same way
// pgstore's single transaction does, without the engine needing to know
// which backend is underneath.
func (s *Store) TransactWrite(ctx context.Context, items []store.TransactItem) error {
	transactItems := make([]types.TransactWriteItem, 0, len(items))

	for _, it := range items {
		keyAV := bucketKeyAV(it.Key)
		req := it.Write

		switch req.Path {
		case store.Create:
			state := schema.BucketState{RefillBaseline: req.Now, TTL: req.TTL, Limits: req.Seed}
			av, err := attributevalue.MarshalMap(schema.EncodeBucketState(state))
			if err != nil {
				return err
			}
			for k, v := range keyAV {
				av[k] = v
			}
			cond := expression.AttributeNotExists(expression.Name("pk"))
			expr, err := expression.NewBuilder().WithCondition(cond).Build()
			if err != nil {
				return err
			}
			transactItems = append(transactItems, types.TransactWriteItem{
				Put: &types.Put{
					TableName:                 aws.String(s.table),
					Item:                      av,
					ConditionExpression:       expr.Condition(),
					ExpressionAttributeNames:  expr.Names(),
					ExpressionAttributeValues: expr.Values(),
				},
			})

		case store.Adjust:
			update := expression.UpdateBuilder{}
			for name, delta := range req.AdjustMilli {
				update = update.Add(expression.Name(fmt.Sprintf("b_%s_tk", name)), expression.Value(delta))
				update = update.Add(expression.Name(fmt.Sprintf("b_%s_tc", name)), expression.Value(-delta))
			}
			cond := expression.AttributeExists(expression.Name("pk"))
			expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
			if err != nil {
				return err
			}
			transactItems = append(transactItems, types.TransactWriteItem{
				Update: &types.Update{
					TableName:                 aws.String(s.table),
					Key:                       keyAV,
					UpdateExpression:          expr.Update(),
					ConditionExpression:       expr.Condition(),
					ExpressionAttributeNames:  expr.Names(),
					ExpressionAttributeValues: expr.Values(),
				},
			})

		case store.Normal:
			// The refill math is data-dependent (it needs the item's
			// current rf and each limit's rp), so unlike Adjust/Retry
			// this leg needs a read before the transaction is built,
			// exactly like the solo writeNormal path.
			item, ok, err := s.getItem(ctx, keyAV)
			if err != nil {
				return err
			}
			if !ok {
				return store.NewNotFoundError(bucketPK(it.Key))
			}
			state, _ := schema.DecodeBucketState(item)
			if state.RefillBaseline != req.ExpectedRF {
				return store.NewConditionFailedError(bucketPK(it.Key))
			}

			update := expression.Set(expression.Name("rf"), expression.Value(
				bucketmath.NextRefillBaseline(state.RefillBaseline, req.Now, refillPeriodOf(state)),
			))
			for name, limit := range state.Limits {
				limit = bucketmath.ApplyRefill(limit, bucketmath.WholeWindows(state.RefillBaseline, req.Now, limit.RefillPeriodSeconds))
				if amount, ok := req.ConsumeTokens[name]; ok {
					limit = bucketmath.Consume(limit, amount*bucketmath.MilliPerToken)
				}
				update = update.Set(expression.Name(fmt.Sprintf("b_%s_tk", name)), expression.Value(limit.TokensMilli))
				update = update.Set(expression.Name(fmt.Sprintf("b_%s_tc", name)), expression.Value(limit.TotalConsumedMilli))
			}
			cond := expression.Name("rf").Equal(expression.Value(state.RefillBaseline))
			expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
			if err != nil {
				return err
			}
			transactItems = append(transactItems, types.TransactWriteItem{
				Update: &types.Update{
					TableName:                 aws.String(s.table),
					Key:                       keyAV,
					UpdateExpression:          expr.Update(),
					ConditionExpression:       expr.Condition(),
					ExpressionAttributeNames:  expr.Names(),
					ExpressionAttributeValues: expr.Values(),
				},
			})

		default: // Retry leg of a cascade: sufficiency-conditioned atomic ADD, same as the solo path
			cond := expression.AttributeExists(expression.Name("pk"))
			update := expression.UpdateBuilder{}
			for name, amount := range req.ConsumeTokens {
				requiredMilli := amount * bucketmath.MilliPerToken
				limitCond := expression.GreaterThanEqual(expression.Name(fmt.Sprintf("b_%s_tk", name)), expression.Value(requiredMilli))
				cond = cond.And(limitCond)
				update = update.Add(expression.Name(fmt.Sprintf("b_%s_tk", name)), expression.Value(-requiredMilli))
				update = update.Add(expression.Name(fmt.Sprintf("b_%s_tc", name)), expression.Value(requiredMilli))
			}
			expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
			if err != nil {
				return err
			}
			transactItems = append(transactItems, types.TransactWriteItem{
				Update: &types.Update{
					TableName:                 aws.String(s.table),
					Key:                       keyAV,
					UpdateExpression:          expr.Update(),
					ConditionExpression:       expr.Condition(),
					ExpressionAttributeNames:  expr.Names(),
					ExpressionAttributeValues: expr.Values(),
				},
			})
		}
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: transactItems})
	if err != nil {
		classified := classifyErr(err)
		if store.Classify(classified) == store.ClassConditionFailed {
			return store.NewConditionFailedError(bucketPK(items[0].Key))
		}
		return classified
	}
	return nil
}
