package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"chat-relay/handler"
	"chat-relay/internal/config"
	"chat-relay/internal/metrics"
	"chat-relay/internal/repository"
	"chat-relay/internal/usecase"
)

func main() {
	ctx := context.Background()

	cfg, awsCfg, err := config.Load(ctx, os.Environ())
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := cfg.Logger(os.Stdout, false)
	if err := cfg.Validate(config.WebSocket); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	dynamoClient := cfg.DynamoDB(awsCfg)
	conns, err := repository.NewConnectionRegistry(dynamoClient, cfg.ConnectionsTable, cfg.RoomIndex)
	if err != nil {
		logger.Error("failed to create connection registry", "err", err)
		os.Exit(1)
	}
	rooms, err := repository.NewRoomStore(dynamoClient, cfg.RoomsTable)
	if err != nil {
		logger.Error("failed to create room store", "err", err)
		os.Exit(1)
	}
	recorder := metrics.New(os.Stdout, "ChatRelay", cfg.Stage, logger)

	svc, err := usecase.NewConnectionService(conns, rooms, logger, recorder, cfg.ConnectionTTL)
	if err != nil {
		logger.Error("failed to create connection service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewWebSocketHandler(svc, logger)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
