package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"chat-relay/internal/domain"
	"chat-relay/internal/usecase"
)

const (
	routeConnect    = "$connect"
	routeDisconnect = "$disconnect"
)

type ConnectionUseCase interface {
	Connect(ctx context.Context, in usecase.ConnectInput) (domain.Connection, error)
	Disconnect(ctx context.Context, connectionID string)
	Unsupported(ctx context.Context, connectionID string, body string) error
}

// WebSocketHandler serves the $connect, $disconnect and $default routes of an
// API Gateway WebSocket API.
type WebSocketHandler struct {
	uc     ConnectionUseCase
	logger *slog.Logger
}

func NewWebSocketHandler(uc ConnectionUseCase, logger *slog.Logger) (*WebSocketHandler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{uc: uc, logger: logger}, nil
}

func (h *WebSocketHandler) Handle(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	rc := req.RequestContext
	switch rc.RouteKey {
	case routeConnect:
		q := req.QueryStringParameters
		userID := q["user_id"]
		if userID == "" {
			userID = q["userId"]
		}
		_, err := h.uc.Connect(ctx, usecase.ConnectInput{
			ConnectionID: rc.ConnectionID,
			RoomID:       q["room_id"],
			UserID:       userID,
			Username:     q["username"],
			Domain:       rc.DomainName,
			Stage:        rc.Stage,
		})
		if err != nil {
			status, body := errorBody(err)
			h.logger.Warn("connection refused",
				slog.String("connection_id", rc.ConnectionID),
				slog.Int("status", status),
				slog.Any("err", err),
			)
			return jsonResponse(status, "", body), nil
		}
		return events.APIGatewayProxyResponse{StatusCode: http.StatusOK, Body: "Connected"}, nil

	case routeDisconnect:
		h.uc.Disconnect(ctx, rc.ConnectionID)
		return events.APIGatewayProxyResponse{StatusCode: http.StatusOK, Body: "Disconnected"}, nil

	default:
		err := h.uc.Unsupported(ctx, rc.ConnectionID, req.Body)
		status, body := errorBody(err)
		return jsonResponse(status, "", body), nil
	}
}
