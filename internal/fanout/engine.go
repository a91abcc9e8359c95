package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chat-relay/internal/domain"
)

// ErrLookupFailed wraps a registry failure while resolving a room's
// connections. It is the only fanout error that fails a batch.
var ErrLookupFailed = errors.New("fanout: connection lookup failed")

type Registry interface {
	GetByRoom(ctx context.Context, roomID string) iter.Seq2[domain.Connection, error]
	Delete(ctx context.Context, connectionID string) error
}

// Pusher delivers one encoded frame to one connection. It returns
// domain.ErrConnectionGone when the connection no longer exists.
type Pusher interface {
	Push(ctx context.Context, connectionID string, payload []byte) error
}

type MetricsRecorder interface {
	Count(name string, value float64, dims map[string]string)
}

// Record is one entry of the message change feed.
type Record struct {
	SequenceID string
	Message    domain.ChatMessage
}

// Report summarizes the fanout of one message.
type Report struct {
	MessageID string
	RoomID    string
	Attempted int
	Delivered int
	Pruned    int
	Dropped   int
}

// BatchResult is the outcome of a change-feed batch. FailedSequenceID is set
// when processing stopped early; the feed must redeliver from that record on.
type BatchResult struct {
	Processed        int
	FailedSequenceID string
	Reports          []Report
}

type stage string

const (
	stageReceived   stage = "RECEIVED"
	stageResolved   stage = "CONNECTIONS_RESOLVED"
	stageDelivering stage = "DELIVERING"
	stageDone       stage = "DONE"
)

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomePruned
	outcomeDropped
)

type Engine struct {
	registry Registry
	pusher   Pusher
	logger   *slog.Logger
	metrics  MetricsRecorder
	cfg      Config
	limiter  *rate.Limiter

	sleep func(ctx context.Context, d time.Duration) error
}

func New(registry Registry, pusher Pusher, logger *slog.Logger, metrics MetricsRecorder, cfg Config) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("fanout: registry must not be nil")
	}
	if pusher == nil {
		return nil, errors.New("fanout: pusher must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		registry: registry,
		pusher:   pusher,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		sleep:    sleepCtx,
	}
	if cfg.RatePerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return e, nil
}

// ProcessBatch fans out records in feed order. It stops at the first record
// whose connections cannot be resolved so later messages of the same room are
// never delivered ahead of it.
func (e *Engine) ProcessBatch(ctx context.Context, records []Record) BatchResult {
	var res BatchResult
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("batch interrupted",
				slog.String("sequence_id", rec.SequenceID),
				slog.Int("remaining", len(records)-res.Processed),
				slog.Any("err", err),
			)
			res.FailedSequenceID = rec.SequenceID
			return res
		}

		report, err := e.Fanout(ctx, rec.Message)
		if err != nil {
			e.logger.Error("fanout failed, batch stops for redelivery",
				slog.String("sequence_id", rec.SequenceID),
				slog.String("message_id", rec.Message.ID),
				slog.String("room_id", rec.Message.RoomID),
				slog.Any("err", err),
			)
			res.FailedSequenceID = rec.SequenceID
			return res
		}
		res.Processed++
		res.Reports = append(res.Reports, report)
	}
	return res
}

// Fanout delivers msg to every connection of its room. Per-connection
// failures are absorbed; only a failed lookup is returned.
func (e *Engine) Fanout(ctx context.Context, msg domain.ChatMessage) (Report, error) {
	report := Report{MessageID: msg.ID, RoomID: msg.RoomID}
	log := e.logger.With(
		slog.String("message_id", msg.ID),
		slog.String("room_id", msg.RoomID),
	)
	log.Debug("fanout", slog.String("stage", string(stageReceived)))

	conns, err := e.resolve(ctx, msg.RoomID)
	if err != nil {
		return report, fmt.Errorf("%w: room %s: %w", ErrLookupFailed, msg.RoomID, err)
	}
	log.Debug("fanout", slog.String("stage", string(stageResolved)), slog.Int("connections", len(conns)))
	if len(conns) == 0 {
		return report, nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return report, fmt.Errorf("fanout: encode message: %w", err)
	}

	var delivered, pruned, dropped atomic.Int64
	var g errgroup.Group
	g.SetLimit(min(len(conns), e.cfg.MaxConcurrency))
	log.Debug("fanout", slog.String("stage", string(stageDelivering)), slog.Int("connections", len(conns)))
	for _, conn := range conns {
		g.Go(func() error {
			switch e.deliver(ctx, conn, payload, log) {
			case outcomeDelivered:
				delivered.Add(1)
			case outcomePruned:
				pruned.Add(1)
			default:
				dropped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Attempted = len(conns)
	report.Delivered = int(delivered.Load())
	report.Pruned = int(pruned.Load())
	report.Dropped = int(dropped.Load())

	dims := map[string]string{"RoomId": msg.RoomID}
	e.metrics.Count("BroadcastAttempts", float64(report.Attempted), dims)
	e.metrics.Count("BroadcastSuccesses", float64(report.Delivered), dims)
	e.metrics.Count("BroadcastFailures", float64(report.Dropped), dims)
	if report.Pruned > 0 {
		e.metrics.Count("ConnectionsPruned", float64(report.Pruned), dims)
	}
	log.Info("fanout",
		slog.String("stage", string(stageDone)),
		slog.Int("attempted", report.Attempted),
		slog.Int("delivered", report.Delivered),
		slog.Int("pruned", report.Pruned),
		slog.Int("dropped", report.Dropped),
	)
	return report, nil
}

// resolve drains the room's connection sequence before any delivery starts.
func (e *Engine) resolve(ctx context.Context, roomID string) ([]domain.Connection, error) {
	lctx, cancel := context.WithTimeout(ctx, e.cfg.LookupTimeout)
	defer cancel()

	var conns []domain.Connection
	for conn, err := range e.registry.GetByRoom(lctx, roomID) {
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

func (e *Engine) deliver(ctx context.Context, conn domain.Connection, payload []byte, log *slog.Logger) outcome {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.DeliveryAttempts; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		actx, cancel := context.WithTimeout(ctx, e.cfg.DeliveryTimeout)
		err := e.pusher.Push(actx, conn.ConnectionID, payload)
		cancel()
		if err == nil {
			return outcomeDelivered
		}
		if errors.Is(err, domain.ErrConnectionGone) {
			e.prune(ctx, conn, log)
			return outcomePruned
		}

		lastErr = err
		if attempt == e.cfg.DeliveryAttempts {
			break
		}
		if err := e.sleep(ctx, e.cfg.backoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	log.Warn("delivery dropped",
		slog.String("connection_id", conn.ConnectionID),
		slog.Any("err", lastErr),
	)
	return outcomeDropped
}

// prune removes a connection the transport reported as gone. A failed delete
// is left to the row's TTL.
func (e *Engine) prune(ctx context.Context, conn domain.Connection, log *slog.Logger) {
	if err := e.registry.Delete(ctx, conn.ConnectionID); err != nil {
		log.Warn("failed to prune stale connection",
			slog.String("connection_id", conn.ConnectionID),
			slog.Any("err", err),
		)
		return
	}
	log.Info("pruned stale connection", slog.String("connection_id", conn.ConnectionID))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopMetrics struct{}

func (nopMetrics) Count(string, float64, map[string]string) {}
