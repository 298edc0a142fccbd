package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexbit/tradecore/internal/infrastructure/monitor"
)

const (
	testStream = "stream:test.orders"
	testGroup  = "order-processors"
)

type fakeSnapshots struct {
	snap monitor.Snapshot
}

func (f *fakeSnapshots) Snapshot() monitor.Snapshot { return f.snap }

type capturingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *capturingSink) Publish(ctx context.Context, stream string, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, evt)
	return nil
}

func testCatalog() []StreamConfig {
	return []StreamConfig{
		{Stream: testStream, Group: testGroup, MaxLength: 100, Retention: time.Hour, Priority: PriorityHigh},
	}
}

func newTestManager(t *testing.T, cfg Config, catalog []StreamConfig, sinks ...Sink) (*Manager, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "test-consumer"
	}
	m, err := NewManager(cfg, client, catalog, nil, nil, zaptest.NewLogger(t), sinks...)
	require.NoError(t, err)
	return m, client
}

func TestPublishAppendsEnvelopeAndMirrors(t *testing.T) {
	sink := &capturingSink{}
	m, client := newTestManager(t, Config{}, testCatalog(), sink)
	ctx := context.Background()

	evt, err := m.Publish(ctx, testStream, "order.created", map[string]string{"order_id": "o-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, evt.ID)
	assert.NotEmpty(t, evt.EntryID)
	assert.Equal(t, "order.created", evt.Type)
	assert.Equal(t, "test-consumer", evt.Source)

	length, err := client.XLen(ctx, testStream).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)

	// The appended entry round-trips through the envelope codec.
	msgs, err := client.XRange(ctx, testStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	decoded, err := decodeEvent(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, evt.ID, decoded.ID)
	assert.Equal(t, evt.Type, decoded.Type)
	assert.JSONEq(t, `{"order_id":"o-1"}`, string(decoded.Data))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, evt.ID, sink.events[0].ID)
}

func TestPublishToUnknownStreamFails(t *testing.T) {
	m, _ := newTestManager(t, Config{}, testCatalog())

	_, err := m.Publish(context.Background(), "stream:does.not.exist", "x", nil)
	require.Error(t, err)
}

func TestPublishSurvivesSinkFailure(t *testing.T) {
	sink := &capturingSink{err: errors.New("broker down")}
	m, _ := newTestManager(t, Config{}, testCatalog(), sink)

	_, err := m.Publish(context.Background(), testStream, "order.created", nil)
	require.NoError(t, err)
}

func TestRegisterValidation(t *testing.T) {
	m, _ := newTestManager(t, Config{}, testCatalog())

	handler := FuncHandler{}

	err := m.Register(ConsumerConfig{Service: "svc", Stream: "stream:unknown"}, handler)
	require.Error(t, err)

	require.NoError(t, m.Register(ConsumerConfig{Service: "svc", Stream: testStream}, handler))
	err = m.Register(ConsumerConfig{Service: "svc", Stream: testStream}, handler)
	require.Error(t, err, "duplicate service names must be rejected")

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	err = m.Register(ConsumerConfig{Service: "late", Stream: testStream}, handler)
	require.Error(t, err, "registration after start must be rejected")
}

func TestConsumeAcknowledgesAfterHandlerSuccess(t *testing.T) {
	m, client := newTestManager(t, Config{PollTimeout: 50 * time.Millisecond, StartStagger: time.Millisecond}, testCatalog())
	ctx := context.Background()

	var mu sync.Mutex
	var received []Event
	require.NoError(t, m.Register(ConsumerConfig{
		Service:  "order-svc",
		Stream:   testStream,
		Priority: PriorityHigh,
	}, FuncHandler{
		HandleFunc: func(ctx context.Context, evt Event) error {
			mu.Lock()
			received = append(received, evt)
			mu.Unlock()
			return nil
		},
	}))

	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	published, err := m.Publish(ctx, testStream, "order.created", map[string]string{"order_id": "o-2"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, published.ID, received[0].ID)
	mu.Unlock()

	// Acknowledged entries leave the pending list.
	require.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, testStream, testGroup).Result()
		return err == nil && pending.Count == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHandlerFailureLeavesBatchUnacknowledged(t *testing.T) {
	m, client := newTestManager(t, Config{PollTimeout: 50 * time.Millisecond, StartStagger: time.Millisecond}, testCatalog())
	ctx := context.Background()

	var handled int64
	var mu sync.Mutex
	require.NoError(t, m.Register(ConsumerConfig{
		Service: "flaky-svc",
		Stream:  testStream,
	}, FuncHandler{
		HandleFunc: func(ctx context.Context, evt Event) error {
			mu.Lock()
			handled++
			mu.Unlock()
			return errors.New("downstream unavailable")
		},
	}))

	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	for i := 0; i < 3; i++ {
		_, err := m.Publish(ctx, testStream, "order.created", map[string]int{"n": i})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled >= 3
	}, 3*time.Second, 10*time.Millisecond)

	// Delivered but never acknowledged; the entries wait for reclaim.
	pending, err := client.XPending(ctx, testStream, testGroup).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 3, pending.Count)
}

func TestBatchTimeoutLeavesWholeBatchUnacknowledged(t *testing.T) {
	m, client := newTestManager(t, Config{PollTimeout: 50 * time.Millisecond, StartStagger: time.Millisecond}, testCatalog())
	ctx := context.Background()

	// Handlers stall until the per-batch budget cancels them.
	require.NoError(t, m.Register(ConsumerConfig{
		Service:      "stalled-svc",
		Stream:       testStream,
		BatchTimeout: 100 * time.Millisecond,
	}, FuncHandler{
		HandleFunc: func(ctx context.Context, evt Event) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	for i := 0; i < 3; i++ {
		_, err := m.Publish(ctx, testStream, "order.created", map[string]int{"n": i})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, testStream, testGroup).Result()
		return err == nil && pending.Count == 3
	}, 3*time.Second, 10*time.Millisecond)

	// Well past the batch budget nothing has been acknowledged: the whole
	// batch waits for reclaim, never a partial ack.
	time.Sleep(300 * time.Millisecond)
	pending, err := client.XPending(ctx, testStream, testGroup).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 3, pending.Count)
}

func TestReclaimPendingRecoversOrphanedEntries(t *testing.T) {
	m, client := newTestManager(t, Config{MinIdle: 20 * time.Millisecond}, testCatalog())
	ctx := context.Background()
	require.NoError(t, m.ensureGroups(ctx))

	// A sibling consumer reads entries and crashes before acknowledging.
	for i := 0; i < 2; i++ {
		_, err := m.Publish(ctx, testStream, "order.created", map[string]int{"n": i})
		require.NoError(t, err)
	}
	_, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    testGroup,
		Consumer: "crashed-sibling",
		Streams:  []string{testStream, ">"},
		Count:    10,
	}).Result()
	require.NoError(t, err)

	pending, err := client.XPending(ctx, testStream, testGroup).Result()
	require.NoError(t, err)
	require.EqualValues(t, 2, pending.Count)

	time.Sleep(60 * time.Millisecond)

	var mu sync.Mutex
	var recovered []Event
	reg := &registration{
		cfg: ConsumerConfig{Service: "order-svc", Stream: testStream},
		handler: FuncHandler{
			HandleFunc: func(ctx context.Context, evt Event) error {
				mu.Lock()
				recovered = append(recovered, evt)
				mu.Unlock()
				return nil
			},
		},
	}
	m.reclaimPending(ctx, reg, m.logger)

	mu.Lock()
	assert.Len(t, recovered, 2)
	mu.Unlock()

	pending, err = client.XPending(ctx, testStream, testGroup).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, pending.Count)
}

func TestReclaimLeavesFailingEntriesPending(t *testing.T) {
	m, client := newTestManager(t, Config{MinIdle: 20 * time.Millisecond}, testCatalog())
	ctx := context.Background()
	require.NoError(t, m.ensureGroups(ctx))

	_, err := m.Publish(ctx, testStream, "order.created", nil)
	require.NoError(t, err)
	_, err = client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    testGroup,
		Consumer: "crashed-sibling",
		Streams:  []string{testStream, ">"},
		Count:    10,
	}).Result()
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	reg := &registration{
		cfg: ConsumerConfig{Service: "order-svc", Stream: testStream},
		handler: FuncHandler{
			HandleFunc: func(ctx context.Context, evt Event) error {
				return errors.New("still failing")
			},
		},
	}
	m.reclaimPending(ctx, reg, m.logger)

	pending, err := client.XPending(ctx, testStream, testGroup).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending.Count, "entries whose handler fails stay pending for the next pass")
}

func TestTrimStreamsByLength(t *testing.T) {
	catalog := testCatalog()
	catalog[0].MaxLength = 5
	m, client := newTestManager(t, Config{}, catalog)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := client.XAdd(ctx, &redis.XAddArgs{
			Stream: testStream,
			Values: map[string]interface{}{"id": fmt.Sprintf("e-%d", i), "type": "t", "source": "s", "timestamp": "0", "data": "{}"},
		}).Result()
		require.NoError(t, err)
	}

	m.TrimStreams(ctx)

	length, err := client.XLen(ctx, testStream).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, length, int64(5))
}

func TestTrimStreamsByAgeKeepsYoungEntries(t *testing.T) {
	catalog := testCatalog()
	catalog[0].Retention = time.Hour
	m, client := newTestManager(t, Config{}, catalog)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	young := time.Now()

	_, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: testStream,
		ID:     fmt.Sprintf("%d-1", old.UnixMilli()),
		Values: map[string]interface{}{"id": "old", "type": "t", "source": "s", "timestamp": "0", "data": "{}"},
	}).Result()
	require.NoError(t, err)
	_, err = client.XAdd(ctx, &redis.XAddArgs{
		Stream: testStream,
		ID:     fmt.Sprintf("%d-1", young.UnixMilli()),
		Values: map[string]interface{}{"id": "young", "type": "t", "source": "s", "timestamp": "0", "data": "{}"},
	}).Result()
	require.NoError(t, err)

	m.TrimStreams(ctx)

	msgs, err := client.XRange(ctx, testStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1, "entries older than retention are trimmed, younger survive")
	assert.Equal(t, "young", msgs[0].Values["id"])
}

func TestAdaptiveIntervalScalesWithPressure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mon := &fakeSnapshots{snap: monitor.Snapshot{CPUPercent: 80, MemoryPercent: 50}}
	m, err := NewManager(Config{ConsumerName: "c", MaxFallbackInterval: 10 * time.Minute},
		client, testCatalog(), mon, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	cfg := ConsumerConfig{Service: "svc", Stream: testStream, Priority: PriorityMedium, FallbackInterval: 10 * time.Second}

	// 10s base, medium scales x4, memory factor 1.5, cpu factor 1.8.
	want := float64(10*time.Second) * 4 * 1.5 * 1.8
	assert.InDelta(t, want, float64(m.adaptiveInterval(cfg)), float64(time.Millisecond))

	// The cap bounds the interval no matter how hot the host runs.
	mon.snap = monitor.Snapshot{CPUPercent: 100, MemoryPercent: 100}
	m.cfg.MaxFallbackInterval = time.Minute
	assert.Equal(t, time.Minute, m.adaptiveInterval(cfg))
}

func TestAdaptiveIntervalPriorityScale(t *testing.T) {
	assert.Equal(t, float64(1), PriorityCritical.fallbackScale())
	assert.Equal(t, float64(2), PriorityHigh.fallbackScale())
	assert.Equal(t, float64(4), PriorityMedium.fallbackScale())
	assert.Equal(t, float64(8), PriorityLow.fallbackScale())
}

func TestStreamIdleForEmptyStreamIsIdle(t *testing.T) {
	m, _ := newTestManager(t, Config{IdleFallbackAfter: 30 * time.Second}, testCatalog())
	ctx := context.Background()
	require.NoError(t, m.ensureGroups(ctx))

	idle, err := m.streamIdleFor(ctx, testStream)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, idle, 30*time.Second)
}

func TestStreamIdleForTracksLastEntry(t *testing.T) {
	m, _ := newTestManager(t, Config{IdleFallbackAfter: 30 * time.Second}, testCatalog())
	ctx := context.Background()

	_, err := m.Publish(ctx, testStream, "order.created", nil)
	require.NoError(t, err)

	idle, err := m.streamIdleFor(ctx, testStream)
	require.NoError(t, err)
	assert.Less(t, idle, 5*time.Second)

	// Advance the clock; idleness is derived from the last entry id.
	m.now = func() time.Time { return time.Now().Add(time.Minute) }
	idle, err = m.streamIdleFor(ctx, testStream)
	require.NoError(t, err)
	assert.Greater(t, idle, 30*time.Second)
}

func TestDecodeEventRejectsMissingID(t *testing.T) {
	_, err := decodeEvent(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"type": "t"}})
	require.Error(t, err)

	_, err = decodeEvent(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"id": "e", "timestamp": "not-a-number"}})
	require.Error(t, err)
}

func TestEntryTimeParsesStreamIDs(t *testing.T) {
	ts, err := entryTime("1700000000000-3")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000000), ts)

	_, err = entryTime("garbage-0")
	require.Error(t, err)
}

func TestConsumerConfigDefaults(t *testing.T) {
	cfg := ConsumerConfig{Service: "svc", Stream: testStream}
	require.NoError(t, cfg.Validate())
	assert.EqualValues(t, 10, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.BatchTimeout)
	assert.Equal(t, 10*time.Second, cfg.FallbackInterval)

	bad := ConsumerConfig{Stream: testStream}
	require.Error(t, bad.Validate())
}
