package dynamodb

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"qualia-backend/application/ports"
	"qualia-backend/domain/core/aggregates"
	pkgerrors "qualia-backend/pkg/errors"
)

// VersionRepository stores the immutable graph-version documents.
type VersionRepository struct {
	client    *dynamodb.Client
	tableName string
}

func NewVersionRepository(client *dynamodb.Client, tableName string) *VersionRepository {
	return &VersionRepository{client: client, tableName: tableName}
}

var _ ports.VersionRepository = (*VersionRepository)(nil)

func (r *VersionRepository) Save(ctx context.Context, version *aggregates.GraphVersion) error {
	item, err := attributevalue.MarshalMap(newVersionItem(version))
	if err != nil {
		return pkgerrors.Wrap(err, "marshaling graph version")
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return pkgerrors.NewConflictError("version " + version.ID + " already exists")
		}
		return pkgerrors.NewDatabaseError("PutItem", err)
	}
	return nil
}

func (r *VersionRepository) Load(ctx context.Context, entityID, versionID string) (*aggregates.GraphVersion, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: entityPK(entityID)},
			"SK": &types.AttributeValueMemberS{Value: versionSK(versionID)},
		},
	})
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("GetItem", err)
	}
	if result.Item == nil {
		return nil, pkgerrors.NewNotFoundError("version " + versionID)
	}

	var item versionItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, pkgerrors.Wrap(err, "unmarshaling graph version")
	}
	version := item.GraphVersion
	return &version, nil
}

// SetNextVersion stamps the forward chain pointer. The stamp only lands
// on an unlinked version so a lost in-flight retry cannot rewrite an
// established chain.
func (r *VersionRepository) SetNextVersion(ctx context.Context, entityID, versionID, nextVersionID string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: entityPK(entityID)},
			"SK": &types.AttributeValueMemberS{Value: versionSK(versionID)},
		},
		UpdateExpression:    aws.String("SET NextVersionID = :next"),
		ConditionExpression: aws.String("attribute_exists(PK) AND (attribute_not_exists(NextVersionID) OR NextVersionID = :empty OR NextVersionID = :next)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":next":  &types.AttributeValueMemberS{Value: nextVersionID},
			":empty": &types.AttributeValueMemberS{Value: ""},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return pkgerrors.NewConflictError("version " + versionID + " already has a successor")
		}
		return pkgerrors.NewDatabaseError("UpdateItem", err)
	}
	return nil
}
