package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
)

type fakeRegistry struct {
	mu        sync.Mutex
	rooms     map[string][]domain.Connection
	lookupErr map[string]error
	deleteErr error
	deleted   []string
}

func (f *fakeRegistry) GetByRoom(_ context.Context, roomID string) iter.Seq2[domain.Connection, error] {
	return func(yield func(domain.Connection, error) bool) {
		f.mu.Lock()
		err := f.lookupErr[roomID]
		conns := append([]domain.Connection(nil), f.rooms[roomID]...)
		f.mu.Unlock()
		if err != nil {
			yield(domain.Connection{}, err)
			return
		}
		for _, c := range conns {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (f *fakeRegistry) Delete(_ context.Context, connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, connectionID)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for room, conns := range f.rooms {
		kept := conns[:0]
		for _, c := range conns {
			if c.ConnectionID != connectionID {
				kept = append(kept, c)
			}
		}
		f.rooms[room] = kept
	}
	return nil
}

func (f *fakeRegistry) add(room string, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rooms == nil {
		f.rooms = map[string][]domain.Connection{}
	}
	for _, id := range ids {
		f.rooms[room] = append(f.rooms[room], domain.Connection{ConnectionID: id, RoomID: room})
	}
}

type fakePusher struct {
	mu       sync.Mutex
	fail     map[string]func(attempt int) error
	calls    map[string]int
	received map[string][]domain.ChatMessage

	inflight    atomic.Int64
	maxInflight atomic.Int64
	hold        time.Duration
}

func (p *fakePusher) Push(_ context.Context, connectionID string, payload []byte) error {
	cur := p.inflight.Add(1)
	defer p.inflight.Add(-1)
	for {
		prev := p.maxInflight.Load()
		if cur <= prev || p.maxInflight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if p.hold > 0 {
		time.Sleep(p.hold)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = map[string]int{}
		p.received = map[string][]domain.ChatMessage{}
	}
	p.calls[connectionID]++
	if f, ok := p.fail[connectionID]; ok {
		if err := f(p.calls[connectionID]); err != nil {
			return err
		}
	}
	var msg domain.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	p.received[connectionID] = append(p.received[connectionID], msg)
	return nil
}

func (p *fakePusher) ids(connectionID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.received[connectionID] {
		out = append(out, m.ID)
	}
	return out
}

type captureMetrics struct {
	mu    sync.Mutex
	total map[string]float64
}

func (c *captureMetrics) Count(name string, value float64, _ map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total == nil {
		c.total = map[string]float64{}
	}
	c.total[name] += value
}

func always(err error) func(int) error { return func(int) error { return err } }

func newTestEngine(t *testing.T, reg *fakeRegistry, pusher *fakePusher, metrics *captureMetrics, cfg Config) (*Engine, *[]time.Duration) {
	t.Helper()
	var m MetricsRecorder
	if metrics != nil {
		m = metrics
	}
	e, err := New(reg, pusher, nil, m, cfg)
	require.NoError(t, err)
	var mu sync.Mutex
	slept := []time.Duration{}
	e.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func chatMessage(id, room string) domain.ChatMessage {
	return domain.ChatMessage{
		ID:          id,
		RoomID:      room,
		UserID:      "u-1",
		Username:    "alice",
		MessageText: "hello " + id,
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNew_ValidatesDependencies(t *testing.T) {
	_, err := New(nil, &fakePusher{}, nil, nil, Config{})
	require.Error(t, err)
	_, err = New(&fakeRegistry{}, nil, nil, nil, Config{})
	require.Error(t, err)
}

func TestFanout_DeliversToEveryConnectionOnce(t *testing.T) {
	reg := &fakeRegistry{}
	reg.add("general", "c1", "c2", "c3")
	reg.add("random", "c4")
	pusher := &fakePusher{}
	metrics := &captureMetrics{}
	e, _ := newTestEngine(t, reg, pusher, metrics, Config{})

	msg := chatMessage("m1", "general")
	report, err := e.Fanout(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, Report{MessageID: "m1", RoomID: "general", Attempted: 3, Delivered: 3}, report)

	for _, id := range []string{"c1", "c2", "c3"} {
		require.Equal(t, []domain.ChatMessage{msg}, pusher.received[id])
	}
	require.Empty(t, pusher.received["c4"])
	require.Equal(t, float64(3), metrics.total["BroadcastSuccesses"])
}

func TestFanout_EmptyRoom(t *testing.T) {
	pusher := &fakePusher{}
	e, _ := newTestEngine(t, &fakeRegistry{}, pusher, nil, Config{})

	report, err := e.Fanout(context.Background(), chatMessage("m1", "quiet"))
	require.NoError(t, err)
	require.Zero(t, report.Attempted)
	require.Empty(t, pusher.calls)
}

func TestFanout_GoneConnectionIsPrunedWithoutRetry(t *testing.T) {
	reg := &fakeRegistry{}
	reg.add("general", "c1", "c2")
	pusher := &fakePusher{fail: map[string]func(int) error{
		"c2": always(fmt.Errorf("post: %w", domain.ErrConnectionGone)),
	}}
	metrics := &captureMetrics{}
	e, slept := newTestEngine(t, reg, pusher, metrics, Config{})

	report, err := e.Fanout(context.Background(), chatMessage("m1", "general"))
	require.NoError(t, err)
	require.Equal(t, 1, report.Delivered)
	require.Equal(t, 1, report.Pruned)
	require.Zero(t, report.Dropped)
	require.Equal(t, 1, pusher.calls["c2"])
	require.Equal(t, []string{"c2"}, reg.deleted)
	require.Empty(t, *slept)
	require.Equal(t, float64(1), metrics.total["ConnectionsPruned"])
}

func TestFanout_PruneFailureIsAbsorbed(t *testing.T) {
	reg := &fakeRegistry{deleteErr: errors.New("throttled")}
	reg.add("general", "c1")
	pusher := &fakePusher{fail: map[string]func(int) error{"c1": always(domain.ErrConnectionGone)}}
	e, _ := newTestEngine(t, reg, pusher, nil, Config{})

	report, err := e.Fanout(context.Background(), chatMessage("m1", "general"))
	require.NoError(t, err)
	require.Equal(t, 1, report.Pruned)
}

func TestFanout_TransientFailureIsRetriedWithBackoff(t *testing.T) {
	reg := &fakeRegistry{}
	reg.add("general", "c1")
	pusher := &fakePusher{fail: map[string]func(int) error{
		"c1": func(attempt int) error {
			if attempt < 3 {
				return errors.New("throttled")
			}
			return nil
		},
	}}
	e, slept := newTestEngine(t, reg, pusher, nil, Config{})

	report, err := e.Fanout(context.Background(), chatMessage("m1", "general"))
	require.NoError(t, err)
	require.Equal(t, 1, report.Delivered)
	require.Equal(t, 3, pusher.calls["c1"])
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
	require.Empty(t, reg.deleted)
}

func TestFanout_PersistentFailureIsDroppedNotEscalated(t *testing.T) {
	reg := &fakeRegistry{}
	reg.add("general", "c1", "c2")
	pusher := &fakePusher{fail: map[string]func(int) error{"c1": always(errors.New("500"))}}
	metrics := &captureMetrics{}
	e, _ := newTestEngine(t, reg, pusher, metrics, Config{DeliveryAttempts: 3})

	report, err := e.Fanout(context.Background(), chatMessage("m1", "general"))
	require.NoError(t, err)
	require.Equal(t, 1, report.Dropped)
	require.Equal(t, 1, report.Delivered)
	require.Equal(t, 3, pusher.calls["c1"])
	require.Empty(t, reg.deleted)
	require.Equal(t, float64(1), metrics.total["BroadcastFailures"])
}

func TestFanout_LookupFailure(t *testing.T) {
	reg := &fakeRegistry{lookupErr: map[string]error{"general": errors.New("dynamo down")}}
	pusher := &fakePusher{}
	e, _ := newTestEngine(t, reg, pusher, nil, Config{})

	_, err := e.Fanout(context.Background(), chatMessage("m1", "general"))
	require.ErrorIs(t, err, ErrLookupFailed)
	require.Contains(t, err.Error(), "dynamo down")
	require.Empty(t, pusher.calls)
}

func TestFanout_RespectsConcurrencyLimit(t *testing.T) {
	reg := &fakeRegistry{}
	for i := 0; i < 12; i++ {
		reg.add("general", fmt.Sprintf("c%d", i))
	}
	pusher := &fakePusher{hold: 5 * time.Millisecond}
	e, _ := newTestEngine(t, reg, pusher, nil, Config{MaxConcurrency: 3})

	report, err := e.Fanout(context.Background(), chatMessage("m1", "general"))
	require.NoError(t, err)
	require.Equal(t, 12, report.Delivered)
	require.LessOrEqual(t, pusher.maxInflight.Load(), int64(3))
}

func TestProcessBatch_StopsAtFirstLookupFailure(t *testing.T) {
	reg := &fakeRegistry{lookupErr: map[string]error{"broken": errors.New("timeout")}}
	reg.add("general", "c1")
	pusher := &fakePusher{}
	e, _ := newTestEngine(t, reg, pusher, nil, Config{})

	res := e.ProcessBatch(context.Background(), []Record{
		{SequenceID: "100", Message: chatMessage("m1", "general")},
		{SequenceID: "200", Message: chatMessage("m2", "broken")},
		{SequenceID: "300", Message: chatMessage("m3", "general")},
	})
	require.Equal(t, 1, res.Processed)
	require.Equal(t, "200", res.FailedSequenceID)
	require.Equal(t, []string{"m1"}, pusher.ids("c1"))
}

func TestProcessBatch_PreservesRoomOrder(t *testing.T) {
	reg := &fakeRegistry{}
	reg.add("general", "c1", "c2")
	pusher := &fakePusher{}
	e, _ := newTestEngine(t, reg, pusher, nil, Config{})

	res := e.ProcessBatch(context.Background(), []Record{
		{SequenceID: "1", Message: chatMessage("m1", "general")},
		{SequenceID: "2", Message: chatMessage("m2", "general")},
		{SequenceID: "3", Message: chatMessage("m3", "general")},
	})
	require.Empty(t, res.FailedSequenceID)
	require.Equal(t, 3, res.Processed)
	require.Len(t, res.Reports, 3)
	require.Equal(t, []string{"m1", "m2", "m3"}, pusher.ids("c1"))
	require.Equal(t, []string{"m1", "m2", "m3"}, pusher.ids("c2"))
}

func TestProcessBatch_CanceledContextFailsFromCurrentRecord(t *testing.T) {
	e, _ := newTestEngine(t, &fakeRegistry{}, &fakePusher{}, nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.ProcessBatch(ctx, []Record{{SequenceID: "1", Message: chatMessage("m1", "general")}})
	require.Equal(t, "1", res.FailedSequenceID)
	require.Zero(t, res.Processed)
}

func TestProcessBatch_RedeliveryIsAtLeastOnce(t *testing.T) {
	reg := &fakeRegistry{}
	reg.add("general", "c1")
	pusher := &fakePusher{}
	e, _ := newTestEngine(t, reg, pusher, nil, Config{})

	rec := Record{SequenceID: "1", Message: chatMessage("m1", "general")}
	e.ProcessBatch(context.Background(), []Record{rec})
	e.ProcessBatch(context.Background(), []Record{rec})
	require.Equal(t, []string{"m1", "m1"}, pusher.ids("c1"))
}

// Two subscribers in general, one in random; c2 leaves between messages.
func TestScenario_GeneralRoomTwoSubscribers(t *testing.T) {
	reg := &fakeRegistry{}
	reg.add("general", "c1", "c2")
	reg.add("random", "c3")
	pusher := &fakePusher{}
	e, _ := newTestEngine(t, reg, pusher, nil, Config{})

	first, err := e.Fanout(context.Background(), chatMessage("m1", "general"))
	require.NoError(t, err)
	require.Equal(t, 2, first.Delivered)
	require.Equal(t, []string{"m1"}, pusher.ids("c1"))
	require.Equal(t, []string{"m1"}, pusher.ids("c2"))
	require.Empty(t, pusher.ids("c3"))

	require.NoError(t, reg.Delete(context.Background(), "c2"))

	second, err := e.Fanout(context.Background(), chatMessage("m2", "general"))
	require.NoError(t, err)
	require.Equal(t, 1, second.Attempted)
	require.Equal(t, []string{"m1", "m2"}, pusher.ids("c1"))
	require.Equal(t, []string{"m1"}, pusher.ids("c2"))
}

// c2 vanished without a disconnect: the first fanout prunes it and the next
// one no longer attempts it.
func TestScenario_StaleSubscriberIsPrunedOnce(t *testing.T) {
	reg := &fakeRegistry{}
	reg.add("general", "c1", "c2")
	pusher := &fakePusher{fail: map[string]func(int) error{"c2": always(domain.ErrConnectionGone)}}
	e, _ := newTestEngine(t, reg, pusher, nil, Config{})

	first, err := e.Fanout(context.Background(), chatMessage("m1", "general"))
	require.NoError(t, err)
	require.Equal(t, 1, first.Pruned)

	second, err := e.Fanout(context.Background(), chatMessage("m2", "general"))
	require.NoError(t, err)
	require.Equal(t, 1, second.Attempted)
	require.Equal(t, 1, pusher.calls["c2"])
	require.Equal(t, []string{"m1", "m2"}, pusher.ids("c1"))
}

func TestConfig_Backoff(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, 100*time.Millisecond, cfg.backoff(1))
	require.Equal(t, 200*time.Millisecond, cfg.backoff(2))
	require.Equal(t, 400*time.Millisecond, cfg.backoff(3))
	require.Equal(t, 800*time.Millisecond, cfg.backoff(4))
	require.Equal(t, time.Second, cfg.backoff(5))
	require.Equal(t, time.Second, cfg.backoff(10))
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{RetryBaseDelay: 2 * time.Second}.withDefaults()
	require.Equal(t, 50, cfg.MaxConcurrency)
	require.Equal(t, 3*time.Second, cfg.DeliveryTimeout)
	require.Equal(t, 3, cfg.DeliveryAttempts)
	require.Equal(t, 2*time.Second, cfg.RetryMaxDelay)
}
