package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"chat-relay/internal/domain"
	"chat-relay/internal/usecase"
)

const (
	healthPath   = "/health"
	messagesPath = "/chat/messages"
)

type ChatUseCase interface {
	Post(ctx context.Context, in usecase.PostInput) (domain.ChatMessage, error)
	History(ctx context.Context, in usecase.HistoryInput) (domain.History, error)
}

type postRequest struct {
	RoomID          string `json:"room_id"`
	UserID          string `json:"user_id"`
	UserIDCamel     string `json:"userId"`
	Username        string `json:"username"`
	MessageText     string `json:"message_text"`
	ClientMessageID string `json:"client_message_id"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// Handler serves the REST API behind an API Gateway proxy integration.
type Handler struct {
	uc      ChatUseCase
	logger  *slog.Logger
	version string
	now     func() time.Time
}

func NewHandler(uc ChatUseCase, logger *slog.Logger, version string) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{uc: uc, logger: logger, version: version, now: time.Now}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()
	corrID := correlationID(req.Headers, req.MultiValueHeaders)
	path := stripStage(req.Path, req.RequestContext.Stage)

	resp := h.route(ctx, req, path, corrID)

	h.logger.Info("request",
		slog.String("method", req.HTTPMethod),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.String("correlation_id", corrID),
		slog.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

func (h *Handler) route(ctx context.Context, req events.APIGatewayProxyRequest, path, corrID string) events.APIGatewayProxyResponse {
	switch {
	case path == healthPath && req.HTTPMethod == http.MethodGet:
		return jsonResponse(http.StatusOK, corrID, healthResponse{
			Status:    "Healthy",
			Version:   h.version,
			Timestamp: h.now().UTC().Format(time.RFC3339),
		})
	case path == messagesPath && req.HTTPMethod == http.MethodPost:
		return h.post(ctx, req, corrID)
	case strings.HasPrefix(path, messagesPath+"/") && req.HTTPMethod == http.MethodGet:
		roomID := strings.TrimPrefix(path, messagesPath+"/")
		if roomID == "" || strings.Contains(roomID, "/") {
			break
		}
		return h.history(ctx, req, roomID, corrID)
	}
	return jsonResponse(http.StatusNotFound, corrID, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "unknown_route"})
}

func (h *Handler) post(ctx context.Context, req events.APIGatewayProxyRequest, corrID string) events.APIGatewayProxyResponse {
	raw := req.Body
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidRequest), Reason: "invalid_body"})
		}
		raw = string(decoded)
	}

	var body postRequest
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidRequest), Reason: "invalid_json"})
	}
	userID := body.UserID
	if userID == "" {
		userID = body.UserIDCamel
	}

	msg, err := h.uc.Post(ctx, usecase.PostInput{
		RoomID:          body.RoomID,
		UserID:          userID,
		Username:        body.Username,
		MessageText:     body.MessageText,
		ClientMessageID: body.ClientMessageID,
	})
	if err != nil {
		return h.fail(corrID, err)
	}
	return jsonResponse(http.StatusCreated, corrID, msg)
}

func (h *Handler) history(ctx context.Context, req events.APIGatewayProxyRequest, roomID, corrID string) events.APIGatewayProxyResponse {
	in := usecase.HistoryInput{RoomID: roomID, After: req.QueryStringParameters["after"]}
	if raw := req.QueryStringParameters["limit"]; raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidRequest), Reason: "invalid_limit"})
		}
		in.Limit = limit
	}

	history, err := h.uc.History(ctx, in)
	if err != nil {
		return h.fail(corrID, err)
	}
	return jsonResponse(http.StatusOK, corrID, history)
}

func (h *Handler) fail(corrID string, err error) events.APIGatewayProxyResponse {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.String("correlation_id", corrID), slog.Any("err", err))
	}
	return jsonResponse(status, corrID, body)
}

// stripStage removes a leading "/{stage}" that API Gateway leaves on the path
// for custom domains without base path mapping. A path that already names a
// route is kept, so a stage named like a route segment cannot shadow it.
func stripStage(path, stage string) string {
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	if path == "" {
		return "/"
	}
	if stage == "" || stage == "$default" || knownRoute(path) {
		return path
	}
	prefix := "/" + stage
	if path == prefix {
		return "/"
	}
	if strings.HasPrefix(path, prefix+"/") {
		return strings.TrimPrefix(path, prefix)
	}
	return path
}

func knownRoute(path string) bool {
	return path == healthPath || path == messagesPath || strings.HasPrefix(path, messagesPath+"/")
}
