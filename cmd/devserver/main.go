package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"chat-relay/handler"
	"chat-relay/internal/config"
	"chat-relay/internal/devserver"
	"chat-relay/internal/domain"
	"chat-relay/internal/fanout"
	"chat-relay/internal/metrics"
	"chat-relay/internal/repository"
	"chat-relay/internal/usecase"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, awsCfg, err := config.Load(ctx, os.Environ())
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := cfg.Logger(os.Stderr, true)
	if err := cfg.Validate(config.DevServer); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	gin.SetMode(gin.ReleaseMode)

	// ---- Stores ----
	dynamoClient := cfg.DynamoDB(awsCfg)
	store, err := repository.NewMessageStore(dynamoClient, cfg.MessagesTable, cfg.IdempotencyTable)
	if err != nil {
		logger.Error("failed to create message store", "err", err)
		os.Exit(1)
	}
	rooms, err := repository.NewRoomStore(dynamoClient, cfg.RoomsTable)
	if err != nil {
		logger.Error("failed to create room store", "err", err)
		os.Exit(1)
	}
	conns, err := repository.NewConnectionRegistry(dynamoClient, cfg.ConnectionsTable, cfg.RoomIndex)
	if err != nil {
		logger.Error("failed to create connection registry", "err", err)
		os.Exit(1)
	}
	now := time.Now().UTC()
	for _, id := range cfg.Rooms() {
		if err := rooms.Seed(ctx, domain.Room{ID: id, Name: id, CreatedAt: now}); err != nil {
			logger.Error("failed to seed room", "room_id", id, "err", err)
			os.Exit(1)
		}
	}
	recorder := metrics.New(os.Stdout, "ChatRelay", cfg.Stage, logger)

	// ---- Ingestion ----
	feed, err := devserver.NewFeed(store, logger, 0)
	if err != nil {
		logger.Error("failed to create feed", "err", err)
		os.Exit(1)
	}
	ingest, err := usecase.NewIngestService(feed, rooms, logger, recorder, cfg.MaxMessageLength)
	if err != nil {
		logger.Error("failed to create ingest service", "err", err)
		os.Exit(1)
	}
	rest, err := handler.NewHandler(ingest, logger, cfg.Version)
	if err != nil {
		logger.Error("failed to create REST handler", "err", err)
		os.Exit(1)
	}

	// ---- Connections ----
	connSvc, err := usecase.NewConnectionService(conns, rooms, logger, recorder, cfg.ConnectionTTL)
	if err != nil {
		logger.Error("failed to create connection service", "err", err)
		os.Exit(1)
	}
	ws, err := handler.NewWebSocketHandler(connSvc, logger)
	if err != nil {
		logger.Error("failed to create WebSocket handler", "err", err)
		os.Exit(1)
	}
	gateway, err := devserver.NewGateway(ws, logger, "localhost"+cfg.DevAddr)
	if err != nil {
		logger.Error("failed to create gateway", "err", err)
		os.Exit(1)
	}

	// ---- Fanout ----
	engine, err := fanout.New(conns, gateway, logger, recorder, cfg.Fanout())
	if err != nil {
		logger.Error("failed to create fanout engine", "err", err)
		os.Exit(1)
	}
	go feed.Run(ctx, engine)

	srv := &http.Server{
		Addr:              cfg.DevAddr,
		Handler:           devserver.NewRouter(rest, gateway, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("dev server listening", "addr", cfg.DevAddr, "rooms", cfg.Rooms())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("dev server failed", "err", err)
		os.Exit(1)
	}
}
