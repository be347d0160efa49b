package dynamodb

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"qualia-backend/application/ports"
	"qualia-backend/domain/core/entities"
	pkgerrors "qualia-backend/pkg/errors"
)

// EntityRepository stores the per-entity METADATA documents. Writes go
// through an optimistic revision check so concurrent mutators retry
// instead of clobbering each other.
type EntityRepository struct {
	client       *dynamodb.Client
	tableName    string
	logger       *zap.Logger
	pollInterval time.Duration
}

func NewEntityRepository(client *dynamodb.Client, tableName string, logger *zap.Logger) *EntityRepository {
	return &EntityRepository{
		client:       client,
		tableName:    tableName,
		logger:       logger,
		pollInterval: time.Second,
	}
}

var _ ports.EntityRepository = (*EntityRepository)(nil)

func (r *EntityRepository) GetOrCreate(ctx context.Context, entityID string) (*entities.EntityRecord, error) {
	rec, _, err := r.load(ctx, entityID)
	if err == nil {
		return rec, nil
	}
	if !pkgerrors.IsNotFound(err) {
		return nil, err
	}

	fresh := &entities.EntityRecord{ID: entityID, CreatedAt: time.Now()}
	item, err := attributevalue.MarshalMap(newEntityItem(fresh, 1))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "marshaling entity record")
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			// lost the creation race; the winner's record is live
			rec, _, err = r.load(ctx, entityID)
			return rec, err
		}
		return nil, pkgerrors.NewDatabaseError("PutItem", err)
	}
	return fresh, nil
}

func (r *EntityRepository) Get(ctx context.Context, entityID string) (*entities.EntityRecord, error) {
	rec, _, err := r.load(ctx, entityID)
	return rec, err
}

// Update runs the mutate callback against a fresh copy and writes it
// back conditioned on the revision it read. Contention retries with
// exponential backoff until the context expires.
func (r *EntityRepository) Update(ctx context.Context, entityID string, mutate func(*entities.EntityRecord) (bool, error)) (bool, error) {
	var committed bool

	attempt := func() error {
		rec, revision, err := r.load(ctx, entityID)
		if err != nil {
			return backoff.Permanent(err)
		}

		proceed, err := mutate(rec)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !proceed {
			committed = false
			return nil
		}

		item, err := attributevalue.MarshalMap(newEntityItem(rec, revision+1))
		if err != nil {
			return backoff.Permanent(pkgerrors.Wrap(err, "marshaling entity record"))
		}

		_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(r.tableName),
			Item:                item,
			ConditionExpression: aws.String("Revision = :rev"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":rev": &types.AttributeValueMemberN{Value: formatInt(revision)},
			},
		})
		if err != nil {
			var conditionFailed *types.ConditionalCheckFailedException
			if errors.As(err, &conditionFailed) {
				r.logger.Debug("Entity write contention, retrying",
					zap.String("entity_id", entityID))
				return err // transient, retry
			}
			return backoff.Permanent(pkgerrors.NewDatabaseError("PutItem", err))
		}
		committed = true
		return nil
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(20*time.Millisecond),
		backoff.WithMaxElapsedTime(10*time.Second),
	), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return false, err
	}
	return committed, nil
}

// Watch polls the record and emits whenever its revision advances.
// DynamoDB has no push notification for item writes short of streams,
// so watchers poll at the repository's interval.
func (r *EntityRepository) Watch(ctx context.Context, entityID string) (<-chan entities.EntityRecord, func(), error) {
	updates := make(chan entities.EntityRecord, 16)
	watchCtx, cancel := context.WithCancel(ctx)

	_, lastRevision, err := r.load(ctx, entityID)
	if err != nil && !pkgerrors.IsNotFound(err) {
		cancel()
		return nil, nil, err
	}

	go func() {
		defer close(updates)
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
			}

			rec, revision, err := r.load(watchCtx, entityID)
			if err != nil {
				if watchCtx.Err() != nil {
					return
				}
				continue
			}
			if revision == lastRevision {
				continue
			}
			lastRevision = revision
			select {
			case updates <- *rec:
			case <-watchCtx.Done():
				return
			}
		}
	}()

	return updates, cancel, nil
}

func (r *EntityRepository) load(ctx context.Context, entityID string) (*entities.EntityRecord, int64, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: entityPK(entityID)},
			"SK": &types.AttributeValueMemberS{Value: skMetadata},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, 0, pkgerrors.NewDatabaseError("GetItem", err)
	}
	if result.Item == nil {
		return nil, 0, pkgerrors.NewNotFoundError("entity " + entityID)
	}

	var item entityItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, 0, pkgerrors.Wrap(err, "unmarshaling entity record")
	}
	rec := item.EntityRecord
	return &rec, item.Revision, nil
}
