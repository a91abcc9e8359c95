package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-relay/internal/domain"
)

type roomItem struct {
	ID        string `dynamodbav:"id"`
	Name      string `dynamodbav:"name"`
	CreatedAt int64  `dynamodbav:"created_at"` // epoch millis
}

// RoomStore reads the rooms reference table.
type RoomStore struct {
	api   dynamodbAPI
	table string
}

// NewRoomStore creates a RoomStore over the rooms table.
func NewRoomStore(api dynamodbAPI, table string) (*RoomStore, error) {
	if err := validate(api, table); err != nil {
		return nil, err
	}
	return &RoomStore{api: api, table: table}, nil
}

// Get returns a room or ErrNotFound.
func (s *RoomStore) Get(ctx context.Context, roomID string) (domain.Room, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: roomID},
		},
	})
	if err != nil {
		return domain.Room{}, fmt.Errorf("repository: Get room: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Room{}, ErrNotFound
	}
	var it roomItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return domain.Room{}, fmt.Errorf("repository: Get room unmarshal: %w", err)
	}
	room := domain.Room{ID: it.ID, Name: it.Name}
	if it.CreatedAt > 0 {
		room.CreatedAt = time.UnixMilli(it.CreatedAt).UTC()
	}
	return room, nil
}

// Exists reports whether a room has been provisioned.
func (s *RoomStore) Exists(ctx context.Context, roomID string) (bool, error) {
	_, err := s.Get(ctx, roomID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Seed provisions a room if it does not exist yet. An existing room is left
// untouched.
func (s *RoomStore) Seed(ctx context.Context, room domain.Room) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	name := room.Name
	if name == "" {
		name = room.ID
	}
	item, err := attributevalue.MarshalMap(roomItem{ID: room.ID, Name: name, CreatedAt: room.CreatedAt.UnixMilli()})
	if err != nil {
		return fmt.Errorf("repository: Seed room: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("repository: Seed room: %w", err)
	}
	return nil
}
