package credential

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
)

type itemGetter interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoStore reads credentials from a table keyed by tenant_id and device_id.
type DynamoStore struct {
	Client    itemGetter
	TableName string
}

// NewDynamoStore loads the default AWS configuration and creates a store for table.
func NewDynamoStore(ctx context.Context, table string) (*DynamoStore, error) {
	if table == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "DynamoStore", "New", "table name")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.WrapFatal(err, "DynamoStore", "New", "load aws config")
	}
	return &DynamoStore{Client: dynamodb.NewFromConfig(cfg), TableName: table}, nil
}

// Lookup implements Store.
func (s *DynamoStore) Lookup(ctx context.Context, tenantID, deviceID string) (Record, error) {
	out, err := s.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.TableName),
		Key: map[string]types.AttributeValue{
			"tenant_id": &types.AttributeValueMemberS{Value: tenantID},
			"device_id": &types.AttributeValueMemberS{Value: deviceID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Record{}, errors.WrapTransient(err, "DynamoStore", "Lookup", "get item")
	}
	if len(out.Item) == 0 {
		return Record{}, ErrNotFound
	}

	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return Record{}, errors.WrapInvalid(err, "DynamoStore", "Lookup", "decode item")
	}
	rec.Status = ParseStatus(string(rec.Status))
	return rec, nil
}
