package exits

import (
	"context"
	"sync"
	"testing"
	"time"

	"trade_engine/internal/broker/paper"
	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/logging"
	"trade_engine/internal/risk"
	"trade_engine/internal/storage"
	"trade_engine/internal/telemetry"
	"trade_engine/internal/trading/execute"
	"trade_engine/pkg/apperrors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMarket struct {
	mu   sync.Mutex
	last decimal.Decimal
}

func (s *stubMarket) setPrice(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = decimal.RequireFromString(p)
}

func (s *stubMarket) Ticker(_ context.Context, symbol string) (*core.Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &core.Ticker{Symbol: symbol, Bid: s.last, Ask: s.last, Last: s.last}, nil
}

func (s *stubMarket) Candles(_ context.Context, _ string, _ int) ([]core.Candle, error) {
	return nil, apperrors.ErrNoData
}

type recordingBus struct {
	mu       sync.Mutex
	events   []core.Event
	handlers []core.EventHandler
}

func (b *recordingBus) Publish(ctx context.Context, ev core.Event) error {
	b.mu.Lock()
	handlers := append([]core.EventHandler(nil), b.handlers...)
	b.events = append(b.events, ev)
	b.mu.Unlock()
	// Synchronous delivery keeps the tests deterministic.
	if ev.Topic == core.TopicTradeCompleted {
		for _, h := range handlers {
			_ = h(ctx, ev)
		}
	}
	return nil
}
func (b *recordingBus) Subscribe(_ string, _ string, h core.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}
func (b *recordingBus) Start() error               { return nil }
func (b *recordingBus) Stop(context.Context) error { return nil }
func (b *recordingBus) CheckHealth() error         { return nil }

func (b *recordingBus) find(topic string) []core.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []core.Event
	for _, ev := range b.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	manager *Manager
	market  *stubMarket
	store   *storage.Store
	bus     *recordingBus
	exec    *execute.Executor
}

func newFixture(t *testing.T, exitsCfg config.ExitsConfig) *fixture {
	t.Helper()
	logger := logging.NewNop()
	metrics := telemetry.NewTestMetrics()

	store, err := storage.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	market := &stubMarket{last: decimal.RequireFromString("50000")}
	broker := paper.New(paper.Config{
		InitialQuote: decimal.RequireFromString("1000"),
		FeeBps:       decimal.Zero,
		MinNotional:  decimal.RequireFromString("10"),
		MinBase:      decimal.RequireFromString("0.0001"),
	}, []string{"BTC/USDT"}, market, logger)

	bus := &recordingBus{}
	pipeline, err := risk.NewPipeline(config.RiskConfig{}, store.Trades(), store.Positions(), nil, bus, logger, metrics)
	require.NoError(t, err)

	exec := execute.New(execute.Config{BucketMs: 1, IdempotencyTTL: time.Minute},
		store, broker, bus, pipeline, market, logger, metrics)
	manager := New(exitsCfg, store, market, exec, bus, logger, metrics)
	bus.Subscribe(core.TopicTradeCompleted, "exits", manager.HandleFill)
	return &fixture{manager: manager, market: market, store: store, bus: bus, exec: exec}
}

func (f *fixture) openPosition(t *testing.T) *core.Position {
	t.Helper()
	res, err := f.exec.Execute(context.Background(), execute.Params{
		Symbol: "BTC/USDT", Side: core.SideBuy,
		QuoteAmount: decimal.RequireFromString("100"),
	})
	require.NoError(t, err)
	require.True(t, res.Executed)
	pos, err := f.store.Positions().Get(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	return pos
}

func TestHardStopTriggers(t *testing.T) {
	f := newFixture(t, config.ExitsConfig{Mode: ModeHard, StopPct: 0.05})
	ctx := context.Background()

	f.openPosition(t)
	require.True(t, f.manager.Armed("BTC/USDT"))

	// -6% off the 50000 entry.
	f.market.setPrice("47000")
	time.Sleep(2 * time.Millisecond) // next idempotency bucket
	require.NoError(t, f.manager.Evaluate(ctx, "BTC/USDT"))

	pos, err := f.store.Positions().Get(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, pos.BaseQty.IsZero())
	assert.False(t, f.manager.Armed("BTC/USDT"))

	triggered := f.bus.find(core.TopicProtectiveExit)
	require.Len(t, triggered, 1)
	assert.Equal(t, ReasonHardStop, triggered[0].Payload["reason"])
}

func TestTakeProfitTriggers(t *testing.T) {
	f := newFixture(t, config.ExitsConfig{Mode: ModeHard, StopPct: 0.05, TakePct: 0.04})
	ctx := context.Background()

	f.openPosition(t)
	f.market.setPrice("52100") // +4.2%
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, f.manager.Evaluate(ctx, "BTC/USDT"))

	triggered := f.bus.find(core.TopicProtectiveExit)
	require.Len(t, triggered, 1)
	assert.Equal(t, ReasonTakeProfit, triggered[0].Payload["reason"])
}

func TestTrailingStopOnPeakDrop(t *testing.T) {
	f := newFixture(t, config.ExitsConfig{Mode: ModeTrailing, TrailingPct: 0.03})
	ctx := context.Background()

	f.openPosition(t)

	// Price walks up, then drops exactly 3% off the 52000 peak.
	for _, price := range []string{"50000", "52000", "51500"} {
		f.market.setPrice(price)
		require.NoError(t, f.manager.Evaluate(ctx, "BTC/USDT"))
		assert.Empty(t, f.bus.find(core.TopicProtectiveExit), "no trigger at %s", price)
	}

	f.market.setPrice("50440")
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, f.manager.Evaluate(ctx, "BTC/USDT"))

	triggered := f.bus.find(core.TopicProtectiveExit)
	require.Len(t, triggered, 1)
	assert.Equal(t, ReasonTrailing, triggered[0].Payload["reason"])
	assert.Equal(t, "52000", triggered[0].Payload["max"])
}

func TestExternalCloseDisarmsWithoutOrder(t *testing.T) {
	f := newFixture(t, config.ExitsConfig{Mode: ModeHard, StopPct: 0.05})
	ctx := context.Background()

	pos := f.openPosition(t)
	require.True(t, f.manager.Armed("BTC/USDT"))

	// Close the position behind the engine's back.
	pos.BaseQty = decimal.Zero
	pos.AvgEntryPrice = decimal.Zero
	pos.Version++
	require.NoError(t, f.store.Positions().Put(ctx, pos))

	before := len(f.bus.find(core.TopicOrderExecuted))
	require.NoError(t, f.manager.Evaluate(ctx, "BTC/USDT"))
	assert.False(t, f.manager.Armed("BTC/USDT"))
	assert.Len(t, f.bus.find(core.TopicOrderExecuted), before)
}

func TestDustPositionDisarmsWithAudit(t *testing.T) {
	f := newFixture(t, config.ExitsConfig{Mode: ModeHard, StopPct: 0.05, MinBaseToExit: 0.5})
	ctx := context.Background()

	f.openPosition(t) // 0.002 BTC, below min_base_to_exit
	require.NoError(t, f.manager.Evaluate(ctx, "BTC/USDT"))
	assert.False(t, f.manager.Armed("BTC/USDT"))

	entries, err := f.store.Audit().Recent(ctx, 10)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Kind == "exit_below_min" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRestoreReArmsOpenPositions(t *testing.T) {
	f := newFixture(t, config.ExitsConfig{Mode: ModeTrailing, TrailingPct: 0.03})
	ctx := context.Background()

	f.openPosition(t)

	// A fresh manager, as after a restart.
	fresh := New(config.ExitsConfig{Mode: ModeTrailing, TrailingPct: 0.03},
		f.store, f.market, f.exec, f.bus, logging.NewNop(), telemetry.NewTestMetrics())
	require.NoError(t, fresh.Restore(ctx))
	assert.True(t, fresh.Armed("BTC/USDT"))
}

func TestModeOffNeverArms(t *testing.T) {
	f := newFixture(t, config.ExitsConfig{Mode: ModeOff})
	f.openPosition(t)
	assert.False(t, f.manager.Armed("BTC/USDT"))
}
