package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var (
	// ErrNotFound is returned when a requested item does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicateClientMessage is returned by Append when the room already
	// holds a message with the same client message id.
	ErrDuplicateClientMessage = errors.New("repository: duplicate client message id")
	// ErrTimestampTaken is returned by Append when the room already holds a
	// message with the same created_at.
	ErrTimestampTaken = errors.New("repository: message timestamp taken")
)

// dynamodbAPI is the minimal DynamoDB interface required by the stores.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

func validate(api dynamodbAPI, tables ...string) error {
	if api == nil {
		return errors.New("repository: api must not be nil")
	}
	for _, t := range tables {
		if strings.TrimSpace(t) == "" {
			return errors.New("repository: table name must not be empty")
		}
	}
	return nil
}

// isConditionFailed reports whether err is a failed condition expression on a
// single-item write.
func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
