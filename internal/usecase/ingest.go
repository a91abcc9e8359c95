package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"chat-relay/internal/domain"
	"chat-relay/internal/repository"
)

const (
	defaultMaxMessageLength = 500
	defaultHistoryLimit     = 25
	maxHistoryLimit         = 100
	anonymousUserID         = "anonymous"

	// maxAppendAttempts bounds retries when another writer already holds the
	// room's timestamp.
	maxAppendAttempts = 5
)

type PostInput struct {
	RoomID          string
	UserID          string
	Username        string
	MessageText     string
	ClientMessageID string
}

type HistoryInput struct {
	RoomID string
	After  string
	Limit  int
}

type postRequest struct {
	RoomID          string `validate:"required,max=64,excludesall=#/"`
	UserID          string `validate:"max=128"`
	Username        string `validate:"required,max=50"`
	MessageText     string `validate:"required"`
	ClientMessageID string `validate:"max=128"`
}

var postReasons = map[string]string{
	"RoomID.required":      "empty_room_id",
	"RoomID.max":           "room_id_too_long",
	"RoomID.excludesall":   "invalid_room_id",
	"UserID.max":           "user_id_too_long",
	"Username.required":    "empty_username",
	"Username.max":         "username_too_long",
	"MessageText.required": "empty_message",
	"ClientMessageID.max":  "client_message_id_too_long",
}

// IngestService accepts messages over the request/response channel and serves
// room history. It never talks to subscribers; fanout is driven by the store's
// change feed.
type IngestService struct {
	messages     MessageStore
	rooms        RoomLookup
	logger       *slog.Logger
	metrics      MetricsRecorder
	validate     *validator.Validate
	maxMsgLength int

	ids *idSource
	now func() time.Time
}

func NewIngestService(messages MessageStore, rooms RoomLookup, logger *slog.Logger, metrics MetricsRecorder, maxMessageLength int) (*IngestService, error) {
	if messages == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if rooms == nil {
		return nil, errors.New("usecase: room lookup must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if maxMessageLength <= 0 {
		maxMessageLength = defaultMaxMessageLength
	}
	return &IngestService{
		messages:     messages,
		rooms:        rooms,
		logger:       logger,
		metrics:      metrics,
		validate:     validator.New(),
		maxMsgLength: maxMessageLength,
		ids:          newIDSource(),
		now:          time.Now,
	}, nil
}

// Post validates and durably appends a message. Replaying a client message id
// already stored in the room returns the stored message without appending.
func (s *IngestService) Post(ctx context.Context, in PostInput) (domain.ChatMessage, error) {
	req := postRequest{
		RoomID:          strings.ToLower(strings.TrimSpace(in.RoomID)),
		UserID:          strings.TrimSpace(in.UserID),
		Username:        strings.TrimSpace(in.Username),
		MessageText:     strings.TrimSpace(in.MessageText),
		ClientMessageID: strings.TrimSpace(in.ClientMessageID),
	}
	if req.UserID == "" {
		req.UserID = anonymousUserID
	}
	if err := validateRequest(s.validate, req, postReasons); err != nil {
		return domain.ChatMessage{}, err
	}
	if utf8.RuneCountInString(req.MessageText) > s.maxMsgLength {
		return domain.ChatMessage{}, newError(ErrorInvalidRequest, "message_too_long", nil)
	}

	exists, err := s.rooms.Exists(ctx, req.RoomID)
	if err != nil {
		return domain.ChatMessage{}, newError(ErrorStoreUnavailable, "room_lookup_error", err)
	}
	if !exists {
		return domain.ChatMessage{}, newError(ErrorInvalidRequest, "unknown_room", nil)
	}

	msg := domain.ChatMessage{
		RoomID:          req.RoomID,
		UserID:          req.UserID,
		Username:        req.Username,
		MessageText:     req.MessageText,
		ClientMessageID: req.ClientMessageID,
	}
	for attempt := 1; ; attempt++ {
		msg.CreatedAt, msg.ID, err = s.ids.Next(s.now())
		if err != nil {
			return domain.ChatMessage{}, newError(ErrorInternal, "id_generation_error", err)
		}
		err = s.messages.Append(ctx, msg)
		if !errors.Is(err, repository.ErrTimestampTaken) {
			break
		}
		if attempt == maxAppendAttempts {
			return domain.ChatMessage{}, newError(ErrorStoreUnavailable, "timestamp_contention", err)
		}
		s.logger.Debug("room timestamp taken, retrying",
			slog.String("room_id", msg.RoomID),
			slog.Time("created_at", msg.CreatedAt),
			slog.Int("attempt", attempt),
		)
	}

	switch {
	case err == nil:
	case errors.Is(err, repository.ErrDuplicateClientMessage):
		stored, ferr := s.messages.FindByClientMessageID(ctx, req.RoomID, req.ClientMessageID)
		if ferr != nil {
			return domain.ChatMessage{}, newError(ErrorStoreUnavailable, "idempotency_lookup_error", ferr)
		}
		s.logger.Info("client message replayed",
			slog.String("room_id", req.RoomID),
			slog.String("client_message_id", req.ClientMessageID),
			slog.String("message_id", stored.ID),
		)
		return stored, nil
	default:
		return domain.ChatMessage{}, newError(ErrorStoreUnavailable, "store_write_error", err)
	}

	dims := map[string]string{"RoomId": msg.RoomID}
	s.metrics.Count("MessagesPosted", 1, dims)
	s.metrics.Gauge("MessageLength", float64(utf8.RuneCountInString(msg.MessageText)), dims)
	s.logger.Info("message stored",
		slog.String("room_id", msg.RoomID),
		slog.String("message_id", msg.ID),
		slog.String("user_id", msg.UserID),
	)
	return msg, nil
}

// History returns a page of a room's messages, oldest first.
func (s *IngestService) History(ctx context.Context, in HistoryInput) (domain.History, error) {
	roomID := strings.ToLower(strings.TrimSpace(in.RoomID))
	if roomID == "" {
		return domain.History{}, newError(ErrorInvalidRequest, "empty_room_id", nil)
	}
	after := strings.TrimSpace(in.After)
	if after != "" {
		if _, err := ulid.ParseStrict(after); err != nil {
			return domain.History{}, newError(ErrorInvalidRequest, "invalid_after", err)
		}
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	exists, err := s.rooms.Exists(ctx, roomID)
	if err != nil {
		return domain.History{}, newError(ErrorStoreUnavailable, "room_lookup_error", err)
	}
	if !exists {
		return domain.History{}, newError(ErrorNotFound, "unknown_room", nil)
	}

	msgs, err := s.messages.List(ctx, roomID, after, limit)
	if err != nil {
		return domain.History{}, newError(ErrorStoreUnavailable, "store_read_error", err)
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	return domain.History{RoomID: roomID, Messages: msgs}, nil
}

// validateRequest runs struct validation and maps the first failing field to a
// reason.
func validateRequest(v *validator.Validate, req any, reasons map[string]string) error {
	err := v.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		if reason, ok := reasons[fe.StructField()+"."+fe.Tag()]; ok {
			return newError(ErrorInvalidRequest, reason, nil)
		}
		return newError(ErrorInvalidRequest, "invalid_"+strings.ToLower(fe.StructField()), nil)
	}
	return newError(ErrorInternal, "validation_error", err)
}
