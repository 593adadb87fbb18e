package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/parvec/checkpoint"
)

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// ErrStaleCommit is returned when a newer checkpoint pointer already exists.
var ErrStaleCommit = errors.New("s3 checkpoint store: newer checkpoint already committed")

// LatestStore tracks the newest checkpoint of a run in DynamoDB.
//
// S3 has no compare-and-swap, so a plain "LATEST" object can be torn by a
// crashed or concurrent run. DynamoDB conditional writes give the pointer
// update atomicity: a commit only succeeds if its step is newer than what is
// already recorded.
//
// Table schema:
//   - Partition key: run (string) - the logical run identifier
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name parvec-checkpoints \
//	  --attribute-definitions AttributeName=run,AttributeType=S \
//	  --key-schema AttributeName=run,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
type LatestStore struct {
	client    DDBClient
	tableName string
}

// NewLatestStore creates a DynamoDB-backed latest-checkpoint pointer store.
func NewLatestStore(client DDBClient, tableName string) *LatestStore {
	return &LatestStore{
		client:    client,
		tableName: tableName,
	}
}

// Commit records name as the newest checkpoint of the run, written at the
// given step. Commits with a step not newer than the recorded one fail with
// ErrStaleCommit.
func (s *LatestStore) Commit(ctx context.Context, run, name string, step int) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]ddbtypes.AttributeValue{
			"run":  &ddbtypes.AttributeValueMemberS{Value: run},
			"name": &ddbtypes.AttributeValueMemberS{Value: name},
			"step": &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(step)},
		},
		ConditionExpression: aws.String("attribute_not_exists(run) OR step < :step"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":step": &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(step)},
		},
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%w: step %d", ErrStaleCommit, step)
		}
		return err
	}
	return nil
}

// Latest returns the name and step of the newest committed checkpoint of the
// run. Returns checkpoint.ErrNotFound when the run has no commits.
func (s *LatestStore) Latest(ctx context.Context, run string) (string, int, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]ddbtypes.AttributeValue{
			"run": &ddbtypes.AttributeValueMemberS{Value: run},
		},
	})
	if err != nil {
		return "", 0, err
	}
	if out.Item == nil {
		return "", 0, checkpoint.ErrNotFound
	}

	name, err := stringAttr(out.Item, "name")
	if err != nil {
		return "", 0, err
	}
	stepStr, err := numberAttr(out.Item, "step")
	if err != nil {
		return "", 0, err
	}
	step, err := strconv.Atoi(stepStr)
	if err != nil {
		return "", 0, fmt.Errorf("s3 checkpoint store: malformed step %q: %w", stepStr, err)
	}
	return name, step, nil
}

// Forget removes the pointer of a run.
func (s *LatestStore) Forget(ctx context.Context, run string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]ddbtypes.AttributeValue{
			"run": &ddbtypes.AttributeValueMemberS{Value: run},
		},
	})
	return err
}

func stringAttr(item map[string]ddbtypes.AttributeValue, key string) (string, error) {
	av, ok := item[key].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("s3 checkpoint store: attribute %q missing or not a string", key)
	}
	return av.Value, nil
}

func numberAttr(item map[string]ddbtypes.AttributeValue, key string) (string, error) {
	av, ok := item[key].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return "", fmt.Errorf("s3 checkpoint store: attribute %q missing or not a number", key)
	}
	return av.Value, nil
}
