package dynamodb

import (
	"context"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"qualia-backend/application/ports"
	"qualia-backend/domain/core/entities"
	pkgerrors "qualia-backend/pkg/errors"
)

// AuditRepository stores proposal audit records. Records land before
// their batch is applied and are amended afterwards, so writes here are
// cheap single-item updates.
type AuditRepository struct {
	client    *dynamodb.Client
	tableName string
	logger    *zap.Logger

	// entityByAudit remembers the partition of audits this process
	// wrote, sparing the amendment path a table scan.
	entityByAudit sync.Map
}

func NewAuditRepository(client *dynamodb.Client, tableName string, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{client: client, tableName: tableName, logger: logger}
}

var _ ports.AuditRepository = (*AuditRepository)(nil)

func (r *AuditRepository) Record(ctx context.Context, record *entities.AuditRecord) error {
	r.entityByAudit.Store(record.ID, record.EntityID)
	item, err := attributevalue.MarshalMap(newAuditItem(record))
	if err != nil {
		return pkgerrors.Wrap(err, "marshaling audit record")
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	if err != nil {
		return pkgerrors.NewDatabaseError("PutItem", err)
	}
	return nil
}

func (r *AuditRepository) RecordFailure(ctx context.Context, auditID, errorText string) error {
	return r.updateByID(ctx, auditID, "SET ErrorText = :v", errorText)
}

func (r *AuditRepository) StampFinalVersion(ctx context.Context, auditIDs []string, finalVersionID string) error {
	for _, auditID := range auditIDs {
		if err := r.updateByID(ctx, auditID, "SET FinalVersionID = :v", finalVersionID); err != nil {
			return err
		}
	}
	return nil
}

func (r *AuditRepository) ListByEntity(ctx context.Context, entityID string, limit int) ([]*entities.AuditRecord, error) {
	keyEx := expression.Key("PK").Equal(expression.Value(entityPK(entityID))).
		And(expression.Key("SK").BeginsWith(skAuditPrefix))
	expr, err := expression.NewBuilder().WithKeyCondition(keyEx).Build()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "building query expression")
	}

	var records []*entities.AuditRecord
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	for {
		result, err := r.client.Query(ctx, input)
		if err != nil {
			return nil, pkgerrors.NewDatabaseError("Query", err)
		}
		for _, raw := range result.Items {
			var item auditItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				r.logger.Warn("Failed to unmarshal audit item", zap.Error(err))
				continue
			}
			record := item.AuditRecord
			records = append(records, &record)
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	// audit ids are random, so order by creation time client-side
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// updateByID amends one audit field. Audits are partitioned by entity;
// the partition is remembered from Record, with a table scan as the
// fallback for audits written by another process.
func (r *AuditRepository) updateByID(ctx context.Context, auditID, updateExpr, value string) error {
	entityID, ok := r.entityByAudit.Load(auditID)
	if !ok {
		record, err := r.findByID(ctx, auditID)
		if err != nil {
			return err
		}
		entityID = record.EntityID
	}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: entityPK(entityID.(string))},
			"SK": &types.AttributeValueMemberS{Value: auditSK(auditID)},
		},
		UpdateExpression: aws.String(updateExpr),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: value},
		},
	})
	if err != nil {
		return pkgerrors.NewDatabaseError("UpdateItem", err)
	}
	return nil
}

func (r *AuditRepository) findByID(ctx context.Context, auditID string) (*entities.AuditRecord, error) {
	filterEx := expression.Name("AuditID").Equal(expression.Value(auditID))
	expr, err := expression.NewBuilder().WithFilter(filterEx).Build()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "building scan expression")
	}

	input := &dynamodb.ScanInput{
		TableName:                 aws.String(r.tableName),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	for {
		result, err := r.client.Scan(ctx, input)
		if err != nil {
			return nil, pkgerrors.NewDatabaseError("Scan", err)
		}
		if len(result.Items) > 0 {
			var item auditItem
			if err := attributevalue.UnmarshalMap(result.Items[0], &item); err != nil {
				return nil, pkgerrors.Wrap(err, "unmarshaling audit item")
			}
			record := item.AuditRecord
			return &record, nil
		}
		if result.LastEvaluatedKey == nil {
			return nil, pkgerrors.NewNotFoundError("audit " + auditID)
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
}
