package usecase

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chat-relay/internal/domain"
)

type MessageStore interface {
	Append(ctx context.Context, msg domain.ChatMessage) error
	FindByClientMessageID(ctx context.Context, roomID, clientMessageID string) (domain.ChatMessage, error)
	List(ctx context.Context, roomID, after string, limit int) ([]domain.ChatMessage, error)
}

type RoomLookup interface {
	Exists(ctx context.Context, roomID string) (bool, error)
}

type ConnectionStore interface {
	Put(ctx context.Context, conn domain.Connection) error
	Get(ctx context.Context, connectionID string) (domain.Connection, error)
	Delete(ctx context.Context, connectionID string) error
}

// MetricsRecorder receives business metrics.
type MetricsRecorder interface {
	Count(name string, value float64, dims map[string]string)
	Gauge(name string, value float64, dims map[string]string)
}

type nopMetrics struct{}

func (nopMetrics) Count(string, float64, map[string]string) {}
func (nopMetrics) Gauge(string, float64, map[string]string) {}

// idSource hands out strictly increasing millisecond timestamps and message
// ids minted from them, so ids sort in creation order and no two messages from
// one process share a created_at.
type idSource struct {
	mu      sync.Mutex
	last    time.Time
	entropy *ulid.MonotonicEntropy
}

func newIDSource() *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns max(now, last+1ms) truncated to the millisecond, and an id
// carrying that timestamp.
func (s *idSource) Next(now time.Time) (time.Time, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := now.UTC().Truncate(time.Millisecond)
	if !s.last.IsZero() && !ts.After(s.last) {
		ts = s.last.Add(time.Millisecond)
	}
	id, err := ulid.New(ulid.Timestamp(ts), s.entropy)
	if err != nil {
		return time.Time{}, "", err
	}
	s.last = ts
	return ts, id.String(), nil
}
