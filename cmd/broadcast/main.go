package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"chat-relay/handler"
	"chat-relay/internal/config"
	"chat-relay/internal/fanout"
	"chat-relay/internal/integrations/apigw"
	"chat-relay/internal/metrics"
	"chat-relay/internal/repository"
)

func main() {
	ctx := context.Background()

	cfg, awsCfg, err := config.Load(ctx, os.Environ())
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := cfg.Logger(os.Stdout, false)
	if err := cfg.Validate(config.Broadcast); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	conns, err := repository.NewConnectionRegistry(cfg.DynamoDB(awsCfg), cfg.ConnectionsTable, cfg.RoomIndex)
	if err != nil {
		logger.Error("failed to create connection registry", "err", err)
		os.Exit(1)
	}
	mgmt, err := cfg.ManagementAPI(awsCfg)
	if err != nil {
		logger.Error("failed to create management API client", "err", err)
		os.Exit(1)
	}
	pusher, err := apigw.New(mgmt)
	if err != nil {
		logger.Error("failed to create pusher", "err", err)
		os.Exit(1)
	}
	recorder := metrics.New(os.Stdout, "ChatRelay", cfg.Stage, logger)

	engine, err := fanout.New(conns, pusher, logger, recorder, cfg.Fanout())
	if err != nil {
		logger.Error("failed to create fanout engine", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewStreamHandler(engine, logger)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
