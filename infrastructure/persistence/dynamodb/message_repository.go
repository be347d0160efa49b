package dynamodb

import (
	"context"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"qualia-backend/application/ports"
	"qualia-backend/domain/core/entities"
	pkgerrors "qualia-backend/pkg/errors"
)

// MessageRepository stores the append-only pending-message log.
// Undelivered messages also live on GSI1 keyed by delivery time, which
// is what the delivery poller scans.
type MessageRepository struct {
	client       *dynamodb.Client
	tableName    string
	logger       *zap.Logger
	pollInterval time.Duration
}

func NewMessageRepository(client *dynamodb.Client, tableName string, logger *zap.Logger) *MessageRepository {
	return &MessageRepository{
		client:       client,
		tableName:    tableName,
		logger:       logger,
		pollInterval: 5 * time.Second,
	}
}

var _ ports.MessageRepository = (*MessageRepository)(nil)

func (r *MessageRepository) Append(ctx context.Context, message *entities.PendingMessage) error {
	item, err := attributevalue.MarshalMap(newMessageItem(message))
	if err != nil {
		return pkgerrors.Wrap(err, "marshaling message")
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return pkgerrors.NewDatabaseError("PutItem", err)
	}
	return nil
}

func (r *MessageRepository) ListUnacknowledged(ctx context.Context, entityID string) ([]*entities.PendingMessage, error) {
	keyEx := expression.Key("PK").Equal(expression.Value(entityPK(entityID))).
		And(expression.Key("SK").BeginsWith(skMessagePrefix))
	filterEx := expression.Name("Acknowledged").Equal(expression.Value(false)).
		And(expression.Name("DeliverAtUnix").LessThanEqual(expression.Value(time.Now().UnixNano())))

	expr, err := expression.NewBuilder().
		WithKeyCondition(keyEx).
		WithFilter(filterEx).
		Build()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "building query expression")
	}

	var messages []*entities.PendingMessage
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	}
	for {
		result, err := r.client.Query(ctx, input)
		if err != nil {
			return nil, pkgerrors.NewDatabaseError("Query", err)
		}
		for _, raw := range result.Items {
			var item messageItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				r.logger.Warn("Failed to unmarshal message item", zap.Error(err))
				continue
			}
			msg := item.PendingMessage
			messages = append(messages, &msg)
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].DeliverAt.Before(messages[j].DeliverAt)
	})
	return messages, nil
}

// WatchDeliveries polls GSI1 for messages whose delivery time has
// passed. Messages are re-emitted until acknowledged; consumers must
// treat notifications as at-least-once.
func (r *MessageRepository) WatchDeliveries(ctx context.Context) (<-chan entities.PendingMessage, func(), error) {
	deliveries := make(chan entities.PendingMessage, 64)
	watchCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(deliveries)
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
			}
			r.pollDue(watchCtx, deliveries)
		}
	}()

	return deliveries, cancel, nil
}

func (r *MessageRepository) pollDue(ctx context.Context, deliveries chan<- entities.PendingMessage) {
	horizon := deliverySortKey(time.Now(), "￿")
	keyEx := expression.Key("GSI1PK").Equal(expression.Value(gsi1PendingKey)).
		And(expression.Key("GSI1SK").LessThanEqual(expression.Value(horizon)))

	expr, err := expression.NewBuilder().WithKeyCondition(keyEx).Build()
	if err != nil {
		r.logger.Error("Failed to build delivery query", zap.Error(err))
		return
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		IndexName:                 aws.String(gsi1Name),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	for {
		result, err := r.client.Query(ctx, input)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("Delivery poll failed", zap.Error(err))
			}
			return
		}
		for _, raw := range result.Items {
			var item messageItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				r.logger.Warn("Failed to unmarshal message item", zap.Error(err))
				continue
			}
			select {
			case deliveries <- item.PendingMessage:
			case <-ctx.Done():
				return
			}
		}
		if result.LastEvaluatedKey == nil {
			return
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
}
