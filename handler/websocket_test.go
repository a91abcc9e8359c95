package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
	"chat-relay/internal/usecase"
)

type stubConnections struct {
	connectErr   error
	connectIn    usecase.ConnectInput
	connects     int
	disconnected []string
	unsupported  []string
}

func (s *stubConnections) Connect(_ context.Context, in usecase.ConnectInput) (domain.Connection, error) {
	s.connectIn = in
	s.connects++
	if s.connectErr != nil {
		return domain.Connection{}, s.connectErr
	}
	return domain.Connection{ConnectionID: in.ConnectionID, RoomID: in.RoomID}, nil
}

func (s *stubConnections) Disconnect(_ context.Context, connectionID string) {
	s.disconnected = append(s.disconnected, connectionID)
}

func (s *stubConnections) Unsupported(_ context.Context, connectionID string, _ string) error {
	s.unsupported = append(s.unsupported, connectionID)
	return &usecase.Error{Code: usecase.ErrorUnsupported, Reason: "post_over_rest"}
}

func wsEvent(route, connID string, query map[string]string) events.APIGatewayWebsocketProxyRequest {
	return events.APIGatewayWebsocketProxyRequest{
		QueryStringParameters: query,
		RequestContext: events.APIGatewayWebsocketProxyRequestContext{
			RouteKey:     route,
			ConnectionID: connID,
			DomainName:   "abc.execute-api.eu-west-1.amazonaws.com",
			Stage:        "prod",
		},
	}
}

func TestNewWebSocketHandler_ValidatesDependency(t *testing.T) {
	_, err := NewWebSocketHandler(nil, nil)
	require.Error(t, err)
}

func TestWebSocket_Connect(t *testing.T) {
	uc := &stubConnections{}
	h, err := NewWebSocketHandler(uc, nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), wsEvent("$connect", "c1", map[string]string{
		"room_id":  "general",
		"userId":   "u1",
		"username": "alice",
	}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.ConnectInput{
		ConnectionID: "c1",
		RoomID:       "general",
		UserID:       "u1",
		Username:     "alice",
		Domain:       "abc.execute-api.eu-west-1.amazonaws.com",
		Stage:        "prod",
	}, uc.connectIn)
}

func TestWebSocket_ConnectWithoutQuery(t *testing.T) {
	uc := &stubConnections{}
	h, err := NewWebSocketHandler(uc, nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), wsEvent("$connect", "c1", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, uc.connectIn.RoomID)
	require.Equal(t, 1, uc.connects)
}

func TestWebSocket_ConnectRefused(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		want   errorResponse
	}{
		{
			name:   "unknown room",
			err:    &usecase.Error{Code: usecase.ErrorNotFound, Reason: "unknown_room"},
			status: http.StatusNotFound,
			want:   errorResponse{Error: string(usecase.ErrorNotFound), Reason: "unknown_room"},
		},
		{
			name:   "store down",
			err:    &usecase.Error{Code: usecase.ErrorStoreUnavailable, Reason: "connection_write_error"},
			status: http.StatusInternalServerError,
			want:   errorResponse{Error: string(usecase.ErrorStoreUnavailable)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := NewWebSocketHandler(&stubConnections{connectErr: tc.err}, nil)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), wsEvent("$connect", "c1", map[string]string{"room_id": "nope"}))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
			require.Equal(t, tc.want, parseBody[errorResponse](t, resp.Body))
		})
	}
}

func TestWebSocket_DisconnectAlwaysAcknowledges(t *testing.T) {
	uc := &stubConnections{}
	h, err := NewWebSocketHandler(uc, nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), wsEvent("$disconnect", "c9", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"c9"}, uc.disconnected)
}

func TestWebSocket_DefaultRouteRejected(t *testing.T) {
	uc := &stubConnections{}
	h, err := NewWebSocketHandler(uc, nil)
	require.NoError(t, err)

	event := wsEvent("$default", "c1", nil)
	event.Body = `{"message_text":"hi"}`
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, errorResponse{Error: string(usecase.ErrorUnsupported), Reason: "post_over_rest"}, parseBody[errorResponse](t, resp.Body))
	require.Equal(t, []string{"c1"}, uc.unsupported)
	require.Zero(t, uc.connects)
}
