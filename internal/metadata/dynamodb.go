package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bleepstore/bleepupload/internal/config"
)

// DynamoDBAPI is the subset of the DynamoDB client the store uses.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBStore keeps one item per session keyed by "upload_id". The offset
// lives in its own numeric attribute so updates can be conditional on it.
type DynamoDBStore struct {
	client    DynamoDBAPI
	tableName string
}

func NewDynamoDBStore(ctx context.Context, cfg config.DynamoDBConfig) (*DynamoDBStore, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	return NewDynamoDBStoreWithClient(dynamodb.NewFromConfig(awsCfg), cfg.Table), nil
}

// NewDynamoDBStoreWithClient creates a store with a pre-configured client.
func NewDynamoDBStoreWithClient(client DynamoDBAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: table}
}

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

func (s *DynamoDBStore) Close() error {
	return nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func sessionToItem(rec *SessionRecord) (map[string]types.AttributeValue, error) {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	return map[string]types.AttributeValue{
		"upload_id":     &types.AttributeValueMemberS{Value: rec.UploadID},
		"object_key":    &types.AttributeValueMemberS{Value: rec.ObjectKey},
		"metadata":      &types.AttributeValueMemberS{Value: string(meta)},
		"length":        &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.Length, 10)},
		"upload_offset": &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.Offset, 10)},
		"state":         &types.AttributeValueMemberS{Value: string(rec.State)},
		"failure":       &types.AttributeValueMemberS{Value: rec.Failure},
		"created_at":    &types.AttributeValueMemberS{Value: formatTime(rec.CreatedAt)},
		"updated_at":    &types.AttributeValueMemberS{Value: formatTime(rec.UpdatedAt)},
		"expires_at":    &types.AttributeValueMemberS{Value: formatTime(rec.ExpiresAt)},
	}, nil
}

func itemToSession(item map[string]types.AttributeValue) *SessionRecord {
	rec := &SessionRecord{
		UploadID:  getString(item, "upload_id"),
		ObjectKey: getString(item, "object_key"),
		Length:    getNInt(item, "length"),
		Offset:    getNInt(item, "upload_offset"),
		State:     SessionState(getString(item, "state")),
		Failure:   getString(item, "failure"),
		CreatedAt: parseTime(getString(item, "created_at")),
		UpdatedAt: parseTime(getString(item, "updated_at")),
		ExpiresAt: parseTime(getString(item, "expires_at")),
	}
	if meta := getString(item, "metadata"); meta != "" && meta != "null" {
		json.Unmarshal([]byte(meta), &rec.Metadata)
	}
	return rec
}

func (s *DynamoDBStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	item, err := sessionToItem(rec)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(upload_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("creating session %s: %w", rec.UploadID, ErrSessionExists)
		}
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetSession(ctx context.Context, uploadID string) (*SessionRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"upload_id": &types.AttributeValueMemberS{Value: uploadID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	return itemToSession(resp.Item), nil
}

func (s *DynamoDBStore) UpdateSession(ctx context.Context, rec *SessionRecord, expectedOffset int64) error {
	item, err := sessionToItem(rec)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(upload_id) AND upload_offset = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedOffset, 10)},
		},
	})
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return fmt.Errorf("updating session: %w", err)
	}

	cur, getErr := s.GetSession(ctx, rec.UploadID)
	if getErr != nil {
		return getErr
	}
	if cur == nil {
		return fmt.Errorf("updating session %s: %w", rec.UploadID, ErrSessionNotFound)
	}
	return fmt.Errorf("updating session %s: expected offset %d: %w", rec.UploadID, expectedOffset, ErrOffsetMismatch)
}

func (s *DynamoDBStore) DeleteSession(ctx context.Context, uploadID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"upload_id": &types.AttributeValueMemberS{Value: uploadID},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) ListSessions(ctx context.Context, opts ListSessionsOptions) ([]SessionRecord, error) {
	var out []SessionRecord

	var exclusiveStartKey map[string]types.AttributeValue
	for {
		input := &dynamodb.ScanInput{
			TableName:      aws.String(s.tableName),
			ConsistentRead: aws.Bool(true),
		}
		if opts.State != "" {
			input.FilterExpression = aws.String("#st = :state")
			input.ExpressionAttributeNames = map[string]string{"#st": "state"}
			input.ExpressionAttributeValues = map[string]types.AttributeValue{
				":state": &types.AttributeValueMemberS{Value: string(opts.State)},
			}
		}
		if exclusiveStartKey != nil {
			input.ExclusiveStartKey = exclusiveStartKey
		}

		resp, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("listing sessions: %w", err)
		}
		for _, item := range resp.Items {
			rec := itemToSession(item)
			if opts.match(rec) {
				out = append(out, *rec)
			}
		}

		if resp.LastEvaluatedKey == nil {
			break
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}

	return opts.finish(out), nil
}

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key]; ok {
		if sv, ok := v.(*types.AttributeValueMemberS); ok {
			return sv.Value
		}
	}
	return ""
}

func getNInt(item map[string]types.AttributeValue, key string) int64 {
	if v, ok := item[key]; ok {
		if nv, ok := v.(*types.AttributeValueMemberN); ok {
			n, _ := strconv.ParseInt(nv.Value, 10, 64)
			return n
		}
	}
	return 0
}

var _ SessionStore = (*DynamoDBStore)(nil)
