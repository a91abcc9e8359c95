package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"chat-relay/internal/domain"
	"chat-relay/internal/repository"
)

const (
	defaultConnectionTTL = 24 * time.Hour
	defaultRoomID        = "general"
	defaultUsername      = "anon"
)

type ConnectInput struct {
	ConnectionID string
	RoomID       string
	UserID       string
	Username     string
	Domain       string
	Stage        string
}

type connectRequest struct {
	ConnectionID string `validate:"required"`
	RoomID       string `validate:"max=64,excludesall=#/"`
	UserID       string `validate:"max=128"`
	Username     string `validate:"max=50"`
}

var connectReasons = map[string]string{
	"ConnectionID.required": "missing_connection_id",
	"RoomID.max":            "room_id_too_long",
	"RoomID.excludesall":    "invalid_room_id",
	"UserID.max":            "user_id_too_long",
	"Username.max":          "username_too_long",
}

// ConnectionService drives one connection through
// CONNECTING -> CONNECTED -> DISCONNECTED. It is the only writer of the
// registry besides the fanout engine's pruning.
type ConnectionService struct {
	conns    ConnectionStore
	rooms    RoomLookup
	logger   *slog.Logger
	metrics  MetricsRecorder
	validate *validator.Validate
	ttl      time.Duration

	now func() time.Time
}

func NewConnectionService(conns ConnectionStore, rooms RoomLookup, logger *slog.Logger, metrics MetricsRecorder, ttl time.Duration) (*ConnectionService, error) {
	if conns == nil {
		return nil, errors.New("usecase: connection store must not be nil")
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
	if ttl <= 0 {
		ttl = defaultConnectionTTL
	}
	return &ConnectionService{
		conns:    conns,
		rooms:    rooms,
		logger:   logger,
		metrics:  metrics,
		validate: validator.New(),
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Connect registers a new connection in its room. An error means the
// connection must be refused.
func (s *ConnectionService) Connect(ctx context.Context, in ConnectInput) (domain.Connection, error) {
	req := connectRequest{
		ConnectionID: strings.TrimSpace(in.ConnectionID),
		RoomID:       strings.ToLower(strings.TrimSpace(in.RoomID)),
		UserID:       strings.TrimSpace(in.UserID),
		Username:     strings.TrimSpace(in.Username),
	}
	if req.RoomID == "" {
		req.RoomID = defaultRoomID
	}
	if req.UserID == "" {
		req.UserID = anonymousUserID
	}
	if req.Username == "" {
		req.Username = defaultUsername
	}
	if err := validateRequest(s.validate, req, connectReasons); err != nil {
		s.metrics.Count("ConnectionErrors", 1, map[string]string{"ErrorType": "validation"})
		return domain.Connection{}, err
	}

	log := s.logger.With(
		slog.String("connection_id", req.ConnectionID),
		slog.String("room_id", req.RoomID),
	)
	log.Debug("connection state", slog.String("state", string(domain.StateConnecting)))

	exists, err := s.rooms.Exists(ctx, req.RoomID)
	if err != nil {
		s.metrics.Count("ConnectionErrors", 1, map[string]string{"ErrorType": "room_lookup"})
		return domain.Connection{}, newError(ErrorStoreUnavailable, "room_lookup_error", err)
	}
	if !exists {
		return domain.Connection{}, newError(ErrorNotFound, "unknown_room", nil)
	}

	now := s.now().UTC()
	conn := domain.Connection{
		ConnectionID: req.ConnectionID,
		RoomID:       req.RoomID,
		UserID:       req.UserID,
		Username:     req.Username,
		Domain:       strings.TrimSpace(in.Domain),
		Stage:        strings.TrimSpace(in.Stage),
		ConnectedAt:  now,
		ExpiresAt:    now.Add(s.ttl),
	}
	if err := s.conns.Put(ctx, conn); err != nil {
		s.metrics.Count("ConnectionErrors", 1, map[string]string{"ErrorType": "store_write"})
		return domain.Connection{}, newError(ErrorStoreUnavailable, "store_write_error", err)
	}

	s.metrics.Count("ConnectionEvents", 1, map[string]string{"EventType": "connect", "RoomId": conn.RoomID})
	log.Info("connection state",
		slog.String("state", string(domain.StateConnected)),
		slog.String("user_id", conn.UserID),
	)
	return conn, nil
}

// Disconnect removes a connection from the registry. Failures are logged and
// never surfaced: the client is already gone and the row's TTL reaps it.
func (s *ConnectionService) Disconnect(ctx context.Context, connectionID string) {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		s.logger.Warn("disconnect without connection id")
		return
	}

	roomID := "unknown"
	conn, err := s.conns.Get(ctx, connectionID)
	switch {
	case err == nil:
		roomID = conn.RoomID
	case errors.Is(err, repository.ErrNotFound):
	default:
		s.logger.Warn("connection lookup failed on disconnect",
			slog.String("connection_id", connectionID),
			slog.Any("err", err),
		)
	}

	if err := s.conns.Delete(ctx, connectionID); err != nil {
		s.metrics.Count("DisconnectionErrors", 1, map[string]string{"RoomId": roomID})
		s.logger.Error("failed to remove connection",
			slog.String("connection_id", connectionID),
			slog.String("room_id", roomID),
			slog.Any("err", err),
		)
		return
	}

	s.metrics.Count("ConnectionEvents", 1, map[string]string{"EventType": "disconnect", "RoomId": roomID})
	s.logger.Info("connection state",
		slog.String("connection_id", connectionID),
		slog.String("room_id", roomID),
		slog.String("state", string(domain.StateDisconnected)),
	)
}

// Unsupported answers any frame a client sends on the persistent channel.
// Posting happens over REST only, so the payload is never acted on.
func (s *ConnectionService) Unsupported(_ context.Context, connectionID string, body string) error {
	s.logger.Info("unsupported websocket frame",
		slog.String("connection_id", connectionID),
		slog.Int("bytes", len(body)),
	)
	return newError(ErrorUnsupported, "post_over_rest", nil)
}
