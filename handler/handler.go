package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chat-relay/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// statusFor maps a usecase error to its HTTP status.
func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidRequest, usecase.ErrorUnsupported:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// errorBody renders err for a client. Reasons are only exposed for client
// errors; server-side failures carry just their code.
func errorBody(err error) (int, errorResponse) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	status := statusFor(ue.Code)
	body := errorResponse{Error: string(ue.Code)}
	if status < http.StatusInternalServerError {
		body.Reason = ue.Reason
	}
	return status, body
}

func jsonResponse(status int, correlationID string, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if correlationID != "" {
		headers[correlationHeader] = correlationID
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    headers,
		Body:       string(body),
	}
}

// correlationID returns the caller's correlation id, matched
// case-insensitively, or a new one.
func correlationID(headers map[string]string, multi map[string][]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	for k, vs := range multi {
		if strings.EqualFold(k, correlationHeader) && len(vs) > 0 && strings.TrimSpace(vs[0]) != "" {
			return strings.TrimSpace(vs[0])
		}
	}
	return newUUID()
}

var newUUID = func() string {
	return uuid.NewString()
}
