package apigw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"chat-relay/internal/domain"
)

// managementAPI is the minimal API Gateway Management API interface required
// by Pusher. *apigatewaymanagementapi.Client satisfies it.
type managementAPI interface {
	PostToConnection(ctx context.Context, in *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// Pusher posts frames to WebSocket connections through the API Gateway
// Management API.
type Pusher struct {
	api managementAPI
}

func New(api managementAPI) (*Pusher, error) {
	if api == nil {
		return nil, errors.New("apigw: api must not be nil")
	}
	return &Pusher{api: api}, nil
}

// Endpoint builds the Management API endpoint of a WebSocket API stage.
func Endpoint(apiID, region, stage string) (string, error) {
	apiID, region, stage = strings.TrimSpace(apiID), strings.TrimSpace(region), strings.Trim(strings.TrimSpace(stage), "/")
	if apiID == "" || region == "" || stage == "" {
		return "", errors.New("apigw: api id, region and stage are required")
	}
	return fmt.Sprintf("https://%s.execute-api.%s.amazonaws.com/%s", apiID, region, stage), nil
}

// NewClient creates a Management API client bound to endpoint.
func NewClient(cfg aws.Config, endpoint string) *apigatewaymanagementapi.Client {
	return apigatewaymanagementapi.NewFromConfig(cfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
}

// Push sends payload to one connection. A connection API Gateway no longer
// knows is reported as domain.ErrConnectionGone.
func (p *Pusher) Push(ctx context.Context, connectionID string, payload []byte) error {
	_, err := p.api.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         payload,
	})
	if err == nil {
		return nil
	}
	if isGone(err) {
		return fmt.Errorf("apigw: post to %s: %w", connectionID, domain.ErrConnectionGone)
	}
	return fmt.Errorf("apigw: post to %s: %w", connectionID, err)
}

func isGone(err error) bool {
	var gone *types.GoneException
	if errors.As(err, &gone) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "GoneException" {
		return true
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusGone
}
