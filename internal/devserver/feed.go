package devserver

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"chat-relay/internal/domain"
	"chat-relay/internal/fanout"
	"chat-relay/internal/usecase"
)

// BatchProcessor is the fanout engine as seen by the feed.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, records []fanout.Record) fanout.BatchResult
}

// Feed stands in for the messages table's stream. It wraps a message store,
// queues every appended message and replays them to the fanout engine in
// append order, retrying a failed record until it succeeds.
type Feed struct {
	usecase.MessageStore

	records    chan fanout.Record
	seq        atomic.Int64
	logger     *slog.Logger
	retryDelay time.Duration
}

func NewFeed(store usecase.MessageStore, logger *slog.Logger, buffer int) (*Feed, error) {
	if store == nil {
		return nil, errors.New("devserver: message store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &Feed{
		MessageStore: store,
		records:      make(chan fanout.Record, buffer),
		logger:       logger,
		retryDelay:   time.Second,
	}, nil
}

// Append stores msg and, once it is durable, queues it for fanout.
func (f *Feed) Append(ctx context.Context, msg domain.ChatMessage) error {
	if err := f.MessageStore.Append(ctx, msg); err != nil {
		return err
	}
	rec := fanout.Record{SequenceID: strconv.FormatInt(f.seq.Add(1), 10), Message: msg}
	select {
	case f.records <- rec:
		return nil
	case <-ctx.Done():
		f.logger.Warn("message stored but not queued for fanout",
			slog.String("message_id", msg.ID),
			slog.Any("err", ctx.Err()),
		)
		return nil
	}
}

// Run delivers queued records until ctx is cancelled.
func (f *Feed) Run(ctx context.Context, engine BatchProcessor) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-f.records:
			f.deliver(ctx, engine, rec)
		}
	}
}

func (f *Feed) deliver(ctx context.Context, engine BatchProcessor, rec fanout.Record) {
	for {
		res := engine.ProcessBatch(ctx, []fanout.Record{rec})
		if res.FailedSequenceID == "" {
			return
		}
		f.logger.Warn("fanout failed, retrying",
			slog.String("sequence_id", rec.SequenceID),
			slog.String("message_id", rec.Message.ID),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.retryDelay):
		}
	}
}
