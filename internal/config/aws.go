package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"chat-relay/internal/integrations/apigw"
	"chat-relay/internal/integrations/paramstore"
)

// Load reads the environment, loads the AWS SDK configuration and applies
// Parameter Store overrides when PARAM_PREFIX is set.
func Load(ctx context.Context, environ []string) (Config, aws.Config, error) {
	cfg, err := parse(environ, nil)
	if err != nil {
		return Config{}, aws.Config{}, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return Config{}, aws.Config{}, fmt.Errorf("config: load AWS config: %w", err)
	}

	if cfg.ParamPrefix != "" {
		params, err := paramstore.New(ssm.NewFromConfig(awsCfg))
		if err != nil {
			return Config{}, aws.Config{}, err
		}
		cfg, err = cfg.WithParams(ctx, params, environ)
		if err != nil {
			return Config{}, aws.Config{}, err
		}
	}
	return cfg, awsCfg, nil
}

// DynamoDB creates a DynamoDB client, pointed at DYNAMODB_ENDPOINT when set
// (DynamoDB Local).
func (c Config) DynamoDB(awsCfg aws.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if c.DynamoDBEndpoint != "" {
			o.BaseEndpoint = aws.String(c.DynamoDBEndpoint)
		}
	})
}

// ManagementAPI creates the API Gateway Management API client used to push
// frames to WebSocket connections.
func (c Config) ManagementAPI(awsCfg aws.Config) (*apigatewaymanagementapi.Client, error) {
	endpoint := c.WSEndpoint
	if endpoint == "" {
		region := c.Region
		if region == "" {
			region = awsCfg.Region
		}
		var err error
		endpoint, err = apigw.Endpoint(c.WSAPIID, region, c.WSStage)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return apigw.NewClient(awsCfg, endpoint), nil
}
