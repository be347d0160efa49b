package dynamodb

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"qualia-backend/application/ports"
	pkgerrors "qualia-backend/pkg/errors"
)

// IntegrationStore commits one integration cycle as a single
// TransactWriteItems call: the new version lands, the entity's pointer
// and balance move, the integrated messages flip to acknowledged and
// the audit record gets its result stamp, all or nothing. The entity
// update carries the lock-owner and prior-version conditions, so a
// stolen lock or a moved pointer cancels the whole transaction.
type IntegrationStore struct {
	client    *dynamodb.Client
	tableName string
	logger    *zap.Logger
}

func NewIntegrationStore(client *dynamodb.Client, tableName string, logger *zap.Logger) *IntegrationStore {
	return &IntegrationStore{client: client, tableName: tableName, logger: logger}
}

var _ ports.IntegrationStore = (*IntegrationStore)(nil)

func (s *IntegrationStore) CommitIntegration(ctx context.Context, commit ports.IntegrationCommit) error {
	versionItem, err := attributevalue.MarshalMap(newVersionItem(commit.NewVersion))
	if err != nil {
		return pkgerrors.Wrap(err, "marshaling graph version")
	}

	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                versionItem,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		},
		{
			Update: &types.Update{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: entityPK(commit.EntityID)},
					"SK": &types.AttributeValueMemberS{Value: skMetadata},
				},
				UpdateExpression:    aws.String("SET CurrentVersionID = :version, Balance = Balance + :delta, Revision = Revision + :one"),
				ConditionExpression: aws.String("LockOwner = :owner AND CurrentVersionID = :prior"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":version": &types.AttributeValueMemberS{Value: commit.NewVersion.ID},
					":delta":   &types.AttributeValueMemberN{Value: formatInt(commit.BalanceDelta)},
					":one":     &types.AttributeValueMemberN{Value: "1"},
					":owner":   &types.AttributeValueMemberS{Value: commit.OwnerID},
					":prior":   &types.AttributeValueMemberS{Value: commit.PriorVersionID},
				},
			},
		},
	}

	for _, messageID := range commit.AckMessageIDs {
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: entityPK(commit.EntityID)},
					"SK": &types.AttributeValueMemberS{Value: messageSK(messageID)},
				},
				UpdateExpression: aws.String("SET Acknowledged = :ack REMOVE GSI1PK, GSI1SK"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":ack": &types.AttributeValueMemberBOOL{Value: true},
				},
			},
		})
	}

	if commit.AuditID != "" {
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: entityPK(commit.EntityID)},
					"SK": &types.AttributeValueMemberS{Value: auditSK(commit.AuditID)},
				},
				UpdateExpression: aws.String("SET ResultVersionID = :version"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":version": &types.AttributeValueMemberS{Value: commit.NewVersion.ID},
				},
			},
		})
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return s.mapCommitError(commit, err)
	}

	s.logger.Debug("Integration committed",
		zap.String("entity_id", commit.EntityID),
		zap.String("version_id", commit.NewVersion.ID),
		zap.Int("acked_messages", len(commit.AckMessageIDs)))
	return nil
}

// mapCommitError distinguishes a failed guard condition from plain
// store trouble. Index 1 is the entity update that carries the lock and
// pointer conditions.
func (s *IntegrationStore) mapCommitError(commit ports.IntegrationCommit, err error) error {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return pkgerrors.NewDatabaseError("TransactWriteItems", err)
	}

	for i, reason := range canceled.CancellationReasons {
		if reason.Code == nil || *reason.Code != "ConditionalCheckFailed" {
			continue
		}
		if i == 1 {
			return pkgerrors.NewLockVerificationError(commit.EntityID, commit.OwnerID)
		}
		return pkgerrors.NewConflictError("integration commit lost a write race on item " + formatInt(int64(i)))
	}
	return pkgerrors.NewDatabaseError("TransactWriteItems", err)
}
