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

	// ---- Configuration (read only here) ----
	cfg, awsCfg, err := config.Load(ctx, os.Environ())
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := cfg.Logger(os.Stdout, false)
	if err := cfg.Validate(config.REST); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	dynamoClient := cfg.DynamoDB(awsCfg)
	messages, err := repository.NewMessageStore(dynamoClient, cfg.MessagesTable, cfg.IdempotencyTable)
	if err != nil {
		logger.Error("failed to create message store", "err", err)
		os.Exit(1)
	}
	rooms, err := repository.NewRoomStore(dynamoClient, cfg.RoomsTable)
	if err != nil {
		logger.Error("failed to create room store", "err", err)
		os.Exit(1)
	}
	recorder := metrics.New(os.Stdout, "ChatRelay", cfg.Stage, logger)

	// ---- Handler ----
	ingest, err := usecase.NewIngestService(messages, rooms, logger, recorder, cfg.MaxMessageLength)
	if err != nil {
		logger.Error("failed to create ingest service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(ingest, logger, cfg.Version)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
