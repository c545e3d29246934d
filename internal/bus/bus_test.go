package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trade_engine/internal/core"
	"trade_engine/internal/logging"
	"trade_engine/internal/storage"
	"trade_engine/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := New(cfg, logging.NewNop(), telemetry.NewTestMetrics())
	require.NoError(t, b.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPublishDelivers(t *testing.T) {
	b := newTestBus(t, Config{})

	var got atomic.Int64
	b.Subscribe("order.*", "counter", func(ctx context.Context, ev core.Event) error {
		got.Add(1)
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), core.Event{Topic: core.TopicOrderExecuted, Key: "BTC/USDT"}))
	require.NoError(t, b.Publish(context.Background(), core.Event{Topic: core.TopicOrderFailed, Key: "BTC/USDT"}))
	// Not matched by the pattern.
	require.NoError(t, b.Publish(context.Background(), core.Event{Topic: core.TopicHealthReport}))

	waitFor(t, func() bool { return got.Load() == 2 })
}

func TestSameKeyDeliveredInOrder(t *testing.T) {
	b := newTestBus(t, Config{Workers: 8})

	var mu sync.Mutex
	var seen []int
	b.Subscribe("*", "ordered", func(ctx context.Context, ev core.Event) error {
		mu.Lock()
		seen = append(seen, ev.Payload["n"].(int))
		mu.Unlock()
		return nil
	})

	for i := 0; i < 50; i++ {
		require.NoError(t, b.Publish(context.Background(), core.Event{
			Topic:   core.TopicTradeCompleted,
			Key:     "BTC/USDT",
			Payload: map[string]any{"n": i},
		}))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 50
	})
	mu.Lock()
	defer mu.Unlock()
	for i, n := range seen {
		assert.Equal(t, i, n)
	}
}

func TestHigherPriorityDeliveredFirst(t *testing.T) {
	b := New(Config{}, logging.NewNop(), telemetry.NewTestMetrics())

	var mu sync.Mutex
	var order []string
	b.Subscribe("*", "recorder", func(ctx context.Context, ev core.Event) error {
		mu.Lock()
		order = append(order, ev.Topic)
		mu.Unlock()
		return nil
	})

	// Enqueue before starting the dispatcher so the heap decides ordering.
	require.NoError(t, b.Publish(context.Background(), core.Event{Topic: core.TopicHealthReport}))
	require.NoError(t, b.Publish(context.Background(), core.Event{Topic: core.TopicRiskBlocked}))
	require.NoError(t, b.Publish(context.Background(), core.Event{Topic: core.TopicOrderExecuted}))

	require.NoError(t, b.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	}()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{core.TopicOrderExecuted, core.TopicRiskBlocked, core.TopicHealthReport}, order)
}

func TestCatchAllOverflowDropsOldest(t *testing.T) {
	b := New(Config{QueueCapacity: 2}, logging.NewNop(), telemetry.NewTestMetrics())

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, core.Event{Topic: core.TopicHealthReport, Payload: map[string]any{"n": 1}}))
	require.NoError(t, b.Publish(ctx, core.Event{Topic: core.TopicHealthReport, Payload: map[string]any{"n": 2}}))
	require.NoError(t, b.Publish(ctx, core.Event{Topic: core.TopicHealthReport, Payload: map[string]any{"n": 3}}))
	assert.Equal(t, 2, b.Depth())

	var mu sync.Mutex
	var seen []any
	b.Subscribe("*", "recorder", func(ctx context.Context, ev core.Event) error {
		mu.Lock()
		seen = append(seen, ev.Payload["n"])
		mu.Unlock()
		return nil
	})
	require.NoError(t, b.Start())
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(sctx)
	}()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{2, 3}, seen)
}

func TestOrderEventOverflowGoesToDLQ(t *testing.T) {
	b := New(Config{QueueCapacity: 1}, logging.NewNop(), telemetry.NewTestMetrics())

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, core.Event{Topic: core.TopicOrderExecuted, Payload: map[string]any{"n": 1}}))
	require.NoError(t, b.Publish(ctx, core.Event{Topic: core.TopicOrderExecuted, Payload: map[string]any{"n": 2}}))

	var mu sync.Mutex
	var dlq []core.Event
	b.Subscribe(core.TopicDLQ, "dlq", func(ctx context.Context, ev core.Event) error {
		mu.Lock()
		dlq = append(dlq, ev)
		mu.Unlock()
		return nil
	})
	require.NoError(t, b.Start())
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(sctx)
	}()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dlq) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, core.TopicOrderExecuted, dlq[0].Payload["original_topic"])
	assert.Equal(t, "queue_full", dlq[0].Payload["cause"])
}

func TestFailingHandlerDeadLetters(t *testing.T) {
	b := newTestBus(t, Config{MaxAttempts: 2})

	var attempts atomic.Int64
	b.Subscribe("trade.*", "flaky", func(ctx context.Context, ev core.Event) error {
		attempts.Add(1)
		return errors.New("boom")
	})

	var dlq atomic.Int64
	b.Subscribe(core.TopicDLQ, "dlq", func(ctx context.Context, ev core.Event) error {
		dlq.Add(1)
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), core.Event{Topic: core.TopicTradeCompleted}))

	waitFor(t, func() bool { return dlq.Load() == 1 })
	assert.Equal(t, int64(2), attempts.Load())
}

func TestBlockedPublisherUnparksOnCancel(t *testing.T) {
	b := New(Config{QueueCapacity: 1}, logging.NewNop(), telemetry.NewTestMetrics())

	// Fill the queue with a block-policy topic; no dispatcher will drain it.
	require.NoError(t, b.Publish(context.Background(), core.Event{Topic: core.TopicDLQ}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Publish(ctx, core.Event{Topic: core.TopicDLQ})
	}()

	time.Sleep(20 * time.Millisecond) // let the publisher park
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher stayed parked after cancellation")
	}
}

func TestStopDeadLettersUndrainedToAudit(t *testing.T) {
	store, err := storage.Open(":memory:", logging.NewNop())
	require.NoError(t, err)
	defer store.Close()

	b := New(Config{DrainTimeout: 20 * time.Millisecond}, logging.NewNop(), telemetry.NewTestMetrics())
	b.AttachAudit(store.Audit())

	started := make(chan struct{})
	var once sync.Once
	b.Subscribe("*", "slow", func(ctx context.Context, ev core.Event) error {
		once.Do(func() { close(started) })
		time.Sleep(150 * time.Millisecond)
		return nil
	})
	require.NoError(t, b.Start())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, core.Event{
			Topic: core.TopicHealthReport, Key: "BTC/USDT", Payload: map[string]any{"n": i},
		}))
	}
	<-started

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(sctx))

	entries, err := store.Audit().Recent(ctx, 10)
	require.NoError(t, err)
	dead := 0
	for _, e := range entries {
		if e.Kind == "bus_shutdown_dlq" {
			dead++
		}
	}
	// One event was mid-delivery; the two still queued were dead-lettered.
	assert.Equal(t, 2, dead)
}

func TestStopRejectsPublish(t *testing.T) {
	b := New(Config{}, logging.NewNop(), telemetry.NewTestMetrics())
	require.NoError(t, b.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))

	err := b.Publish(context.Background(), core.Event{Topic: core.TopicHealthReport})
	assert.Error(t, err)
}
