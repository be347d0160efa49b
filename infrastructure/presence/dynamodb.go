package presence

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"qualia-backend/application/ports"
	pkgerrors "qualia-backend/pkg/errors"
)

const (
	heartbeatInterval = 10 * time.Second

	// staleAfter is how long a missed heartbeat keeps counting as live.
	// Three intervals tolerates transient network trouble without
	// letting a dead holder linger.
	staleAfter = 3 * heartbeatInterval
)

type presenceRecord struct {
	PK          string    `dynamodbav:"PK"`
	SK          string    `dynamodbav:"SK"`
	EntityID    string    `dynamodbav:"EntityID"`
	OwnerID     string    `dynamodbav:"OwnerID"`
	HeartbeatAt time.Time `dynamodbav:"HeartbeatAt"`
	TTL         int64     `dynamodbav:"TTL"`
}

// DynamoStore implements liveness on DynamoDB with heartbeats. There is
// no server-side session to auto-delete a key, so a session goroutine
// refreshes the heartbeat and liveness is judged by its freshness; the
// item's TTL is only garbage collection for crashed writers.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
	logger    *zap.Logger
}

func NewDynamoStore(client *dynamodb.Client, tableName string, logger *zap.Logger) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName, logger: logger}
}

func (s *DynamoStore) Announce(ctx context.Context, entityID, ownerID string) (ports.PresenceSession, error) {
	if err := s.writeHeartbeat(ctx, entityID, ownerID); err != nil {
		return nil, err
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	session := &dynamoSession{
		store:    s,
		entityID: entityID,
		ownerID:  ownerID,
		cancel:   cancel,
	}

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sessionCtx.Done():
				return
			case <-ticker.C:
				if err := s.writeHeartbeat(sessionCtx, entityID, ownerID); err != nil && sessionCtx.Err() == nil {
					s.logger.Warn("Presence heartbeat failed",
						zap.String("entity_id", entityID),
						zap.String("owner_id", ownerID),
						zap.Error(err))
				}
			}
		}
	}()

	return session, nil
}

func (s *DynamoStore) IsLive(ctx context.Context, entityID, ownerID string) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "PRESENCE#" + entityID},
			"SK": &types.AttributeValueMemberS{Value: "OWNER#" + ownerID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, pkgerrors.NewDatabaseError("GetItem", err)
	}
	if result.Item == nil {
		return false, nil
	}

	var record presenceRecord
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return false, pkgerrors.Wrap(err, "unmarshaling presence record")
	}
	return time.Since(record.HeartbeatAt) < staleAfter, nil
}

func (s *DynamoStore) writeHeartbeat(ctx context.Context, entityID, ownerID string) error {
	now := time.Now()
	item, err := attributevalue.MarshalMap(presenceRecord{
		PK:          "PRESENCE#" + entityID,
		SK:          "OWNER#" + ownerID,
		EntityID:    entityID,
		OwnerID:     ownerID,
		HeartbeatAt: now,
		TTL:         now.Add(24 * time.Hour).Unix(),
	})
	if err != nil {
		return pkgerrors.Wrap(err, "marshaling presence record")
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return pkgerrors.NewDatabaseError("PutItem", err)
	}
	return nil
}

type dynamoSession struct {
	store    *DynamoStore
	entityID string
	ownerID  string
	cancel   context.CancelFunc
	once     sync.Once
}

func (s *dynamoSession) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.cancel()
		_, err = s.store.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.store.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: "PRESENCE#" + s.entityID},
				"SK": &types.AttributeValueMemberS{Value: "OWNER#" + s.ownerID},
			},
		})
		if err != nil {
			err = pkgerrors.NewDatabaseError("DeleteItem", err)
		}
	})
	return err
}
