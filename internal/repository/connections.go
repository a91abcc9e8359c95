package repository

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-relay/internal/domain"
)

// DefaultRoomIndex is the GSI on (room_id, connected_at) used for fanout lookups.
const DefaultRoomIndex = "room-index"

type connectionItem struct {
	ConnectionID string `dynamodbav:"connection_id"`
	RoomID       string `dynamodbav:"room_id"`
	UserID       string `dynamodbav:"user_id"`
	Username     string `dynamodbav:"username"`
	Domain       string `dynamodbav:"domain,omitempty"`
	Stage        string `dynamodbav:"stage,omitempty"`
	ConnectedAt  int64  `dynamodbav:"connected_at"` // epoch millis
	TTL          int64  `dynamodbav:"ttl"`          // epoch seconds
}

func (it connectionItem) toDomain() domain.Connection {
	c := domain.Connection{
		ConnectionID: it.ConnectionID,
		RoomID:       it.RoomID,
		UserID:       it.UserID,
		Username:     it.Username,
		Domain:       it.Domain,
		Stage:        it.Stage,
		ConnectedAt:  time.UnixMilli(it.ConnectedAt).UTC(),
	}
	if it.TTL > 0 {
		c.ExpiresAt = time.Unix(it.TTL, 0).UTC()
	}
	return c
}

// ConnectionRegistry tracks live connections and which room each belongs to.
type ConnectionRegistry struct {
	api   dynamodbAPI
	table string
	index string
	now   func() time.Time
}

// NewConnectionRegistry creates a ConnectionRegistry over the connections table.
func NewConnectionRegistry(api dynamodbAPI, table, roomIndex string) (*ConnectionRegistry, error) {
	if roomIndex == "" {
		roomIndex = DefaultRoomIndex
	}
	if err := validate(api, table); err != nil {
		return nil, err
	}
	return &ConnectionRegistry{api: api, table: table, index: roomIndex, now: time.Now}, nil
}

// Put upserts conn. Writing the same connection twice leaves one row.
func (r *ConnectionRegistry) Put(ctx context.Context, conn domain.Connection) error {
	it := connectionItem{
		ConnectionID: conn.ConnectionID,
		RoomID:       conn.RoomID,
		UserID:       conn.UserID,
		Username:     conn.Username,
		Domain:       conn.Domain,
		Stage:        conn.Stage,
		ConnectedAt:  conn.ConnectedAt.UnixMilli(),
	}
	if !conn.ExpiresAt.IsZero() {
		it.TTL = conn.ExpiresAt.Unix()
	}
	item, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("repository: Put marshal: %w", err)
	}
	if _, err := r.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("repository: Put: %w", err)
	}
	return nil
}

// Get returns a single connection. Expired rows are reported as missing.
func (r *ConnectionRegistry) Get(ctx context.Context, connectionID string) (domain.Connection, error) {
	out, err := r.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.table),
		Key: map[string]types.AttributeValue{
			"connection_id": &types.AttributeValueMemberS{Value: connectionID},
		},
	})
	if err != nil {
		return domain.Connection{}, fmt.Errorf("repository: Get: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Connection{}, ErrNotFound
	}
	var it connectionItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return domain.Connection{}, fmt.Errorf("repository: Get unmarshal: %w", err)
	}
	conn := it.toDomain()
	if conn.Expired(r.now()) {
		return domain.Connection{}, ErrNotFound
	}
	return conn, nil
}

// Delete removes a connection. Deleting an absent connection is not an error.
func (r *ConnectionRegistry) Delete(ctx context.Context, connectionID string) error {
	if _, err := r.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.table),
		Key: map[string]types.AttributeValue{
			"connection_id": &types.AttributeValueMemberS{Value: connectionID},
		},
	}); err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

// GetByRoom streams the live connections of a room page by page from the room
// index. Rows past their TTL are filtered out. The sequence stops after the
// first error it yields.
func (r *ConnectionRegistry) GetByRoom(ctx context.Context, roomID string) iter.Seq2[domain.Connection, error] {
	return func(yield func(domain.Connection, error) bool) {
		now := r.now()
		p := dynamodb.NewQueryPaginator(r.api, &dynamodb.QueryInput{
			TableName:              aws.String(r.table),
			IndexName:              aws.String(r.index),
			KeyConditionExpression: aws.String("room_id = :room"),
			FilterExpression:       aws.String("#ttl > :now"),
			ExpressionAttributeNames: map[string]string{
				"#ttl": "ttl",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":room": &types.AttributeValueMemberS{Value: roomID},
				":now":  &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			},
		})
		for p.HasMorePages() {
			out, err := p.NextPage(ctx)
			if err != nil {
				yield(domain.Connection{}, fmt.Errorf("repository: GetByRoom query: %w", err))
				return
			}
			for _, item := range out.Items {
				var it connectionItem
				// A row that does not decode cannot be delivered to; TTL reaps it.
				if err := attributevalue.UnmarshalMap(item, &it); err != nil || it.ConnectionID == "" {
					continue
				}
				conn := it.toDomain()
				if conn.Expired(now) {
					continue
				}
				if !yield(conn, nil) {
					return
				}
			}
		}
	}
}
