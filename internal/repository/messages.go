package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"

	"chat-relay/internal/domain"
)

const unknownUserID = "unknown"

type messageItem struct {
	RoomID          string `dynamodbav:"room_id"`
	TS              int64  `dynamodbav:"ts"` // epoch millis, sort key
	ID              string `dynamodbav:"id"`
	UserID          string `dynamodbav:"user_id"`
	Username        string `dynamodbav:"username"`
	MessageText     string `dynamodbav:"message_text"`
	CreatedAtISO    string `dynamodbav:"created_at_iso"`
	ClientMessageID string `dynamodbav:"client_message_id,omitempty"`
}

// tokenItem maps (room_id, client_message_id) to the stored message. Tokens
// never expire: a retry must find its message for as long as the message exists.
type tokenItem struct {
	Token     string `dynamodbav:"token"`
	MessageID string `dynamodbav:"message_id"`
	RoomID    string `dynamodbav:"room_id"`
	TS        int64  `dynamodbav:"ts"`
}

// MessageStore is the append-only, room-partitioned message log. The table is
// keyed by (room_id, ts), so no two messages of a room share a timestamp and
// the sort key is the room order. Its stream is the change feed consumed by the
// fanout engine.
type MessageStore struct {
	api        dynamodbAPI
	table      string
	tokenTable string
}

// NewMessageStore creates a MessageStore over the messages table and the
// idempotency token table.
func NewMessageStore(api dynamodbAPI, messagesTable, tokenTable string) (*MessageStore, error) {
	if err := validate(api, messagesTable, tokenTable); err != nil {
		return nil, err
	}
	return &MessageStore{
		api:        api,
		table:      messagesTable,
		tokenTable: tokenTable,
	}, nil
}

func tokenKey(roomID, clientMessageID string) string {
	return roomID + "#" + clientMessageID
}

func messageKey(roomID string, ts int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"room_id": &types.AttributeValueMemberS{Value: roomID},
		"ts":      &types.AttributeValueMemberN{Value: strconv.FormatInt(ts, 10)},
	}
}

// Append writes msg. It returns ErrTimestampTaken when the room already holds
// a message at msg.CreatedAt. A message with a client message id is written
// together with its idempotency token in one transaction conditioned on the
// token being absent, so concurrent identical retries cannot both succeed.
func (s *MessageStore) Append(ctx context.Context, msg domain.ChatMessage) error {
	if msg.RoomID == "" || msg.ID == "" || msg.CreatedAt.IsZero() {
		return errors.New("repository: Append: room_id, id and created_at are required")
	}
	item, err := MessageItem(msg)
	if err != nil {
		return fmt.Errorf("repository: Append: %w", err)
	}
	keyAbsent := aws.String("attribute_not_exists(ts)")

	if msg.ClientMessageID == "" {
		_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.table),
			Item:                item,
			ConditionExpression: keyAbsent,
		})
		if isConditionFailed(err) {
			return ErrTimestampTaken
		}
		if err != nil {
			return fmt.Errorf("repository: Append: %w", err)
		}
		return nil
	}

	token, err := attributevalue.MarshalMap(tokenItem{
		Token:     tokenKey(msg.RoomID, msg.ClientMessageID),
		MessageID: msg.ID,
		RoomID:    msg.RoomID,
		TS:        msg.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("repository: Append: %w", err)
	}
	_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.tokenTable),
					Item:                token,
					ConditionExpression: aws.String("attribute_not_exists(#token)"),
					ExpressionAttributeNames: map[string]string{
						"#token": "token",
					},
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(s.table),
					Item:                item,
					ConditionExpression: keyAbsent,
				},
			},
		},
	})
	switch {
	case err == nil:
		return nil
	case cancelledOn(err, 0):
		return ErrDuplicateClientMessage
	case cancelledOn(err, 1):
		return ErrTimestampTaken
	default:
		return fmt.Errorf("repository: Append: %w", err)
	}
}

// cancelledOn reports whether a canceled transaction failed the condition of
// item i. The token put is item 0, the message put item 1.
func cancelledOn(err error, i int) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) || len(tce.CancellationReasons) <= i {
		return false
	}
	return aws.ToString(tce.CancellationReasons[i].Code) == "ConditionalCheckFailed"
}

// FindByClientMessageID returns the message stored under a client token.
func (s *MessageStore) FindByClientMessageID(ctx context.Context, roomID, clientMessageID string) (domain.ChatMessage, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tokenTable),
		Key: map[string]types.AttributeValue{
			"token": &types.AttributeValueMemberS{Value: tokenKey(roomID, clientMessageID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("repository: FindByClientMessageID get token: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ChatMessage{}, ErrNotFound
	}
	var token tokenItem
	if err := attributevalue.UnmarshalMap(out.Item, &token); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("repository: FindByClientMessageID decode token: %w", err)
	}
	if token.TS <= 0 {
		return domain.ChatMessage{}, errors.New("repository: FindByClientMessageID: token has no ts")
	}

	msgOut, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            messageKey(roomID, token.TS),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("repository: FindByClientMessageID get message: %w", err)
	}
	if msgOut == nil || len(msgOut.Item) == 0 {
		return domain.ChatMessage{}, ErrNotFound
	}
	msg, err := MessageFromItem(msgOut.Item)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("repository: FindByClientMessageID unmarshal: %w", err)
	}
	return msg, nil
}

// List returns up to limit messages of a room, oldest first. With an empty
// after it returns the most recent page; otherwise the messages strictly after
// the message with the given id.
func (s *MessageStore) List(ctx context.Context, roomID, after string, limit int) ([]domain.ChatMessage, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("room_id = :room"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":room": &types.AttributeValueMemberS{Value: roomID},
		},
		// Read newest first so LIMIT favors the most recent messages.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}
	if after != "" {
		// A message id carries its created_at, which is its sort key.
		id, err := ulid.Parse(after)
		if err != nil {
			return nil, fmt.Errorf("repository: List: parse after: %w", err)
		}
		in.KeyConditionExpression = aws.String("room_id = :room AND ts > :after")
		in.ExpressionAttributeValues[":after"] = &types.AttributeValueMemberN{Value: strconv.FormatUint(id.Time(), 10)}
		in.ScanIndexForward = aws.Bool(true)
	}

	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: List query: %w", err)
	}

	msgs := make([]domain.ChatMessage, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := MessageFromItem(item)
		if err != nil {
			return nil, fmt.Errorf("repository: List unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if after == "" {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// MessageItem converts a message to its DynamoDB item.
func MessageItem(msg domain.ChatMessage) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMap(messageItem{
		RoomID:          msg.RoomID,
		TS:              msg.CreatedAt.UnixMilli(),
		ID:              msg.ID,
		UserID:          msg.UserID,
		Username:        msg.Username,
		MessageText:     msg.MessageText,
		CreatedAtISO:    msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		ClientMessageID: msg.ClientMessageID,
	})
}

// MessageFromItem converts a DynamoDB item (a query result or a stream image)
// to a message.
func MessageFromItem(item map[string]types.AttributeValue) (domain.ChatMessage, error) {
	var it messageItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("repository: decode message: %w", err)
	}
	required := []struct {
		name    string
		missing bool
	}{
		{"room_id", it.RoomID == ""},
		{"id", it.ID == ""},
		{"ts", it.TS <= 0},
		{"username", it.Username == ""},
		{"message_text", it.MessageText == ""},
	}
	for _, r := range required {
		if r.missing {
			return domain.ChatMessage{}, fmt.Errorf("repository: missing attribute %q", r.name)
		}
	}
	if it.UserID == "" {
		it.UserID = unknownUserID
	}

	return domain.ChatMessage{
		ID:              it.ID,
		RoomID:          it.RoomID,
		UserID:          it.UserID,
		Username:        it.Username,
		MessageText:     it.MessageText,
		CreatedAt:       time.UnixMilli(it.TS).UTC(),
		ClientMessageID: it.ClientMessageID,
	}, nil
}
