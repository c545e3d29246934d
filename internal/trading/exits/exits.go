// Package exits implements the protective-exit state machine: hard stop,
// take profit and trailing stop evaluated against a noisy price feed. It
// arms off fill events on the bus and sells through the same idempotent
// executor as the strategy path.
package exits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/telemetry"
	"trade_engine/internal/trading/execute"
	"trade_engine/pkg/apperrors"

	"github.com/shopspring/decimal"
)

const (
	ModeHard     = "hard"
	ModeTrailing = "trailing"
	ModeBoth     = "both"
	ModeOff      = "off"

	ReasonHardStop   = "hard_stop"
	ReasonTakeProfit = "take_profit"
	ReasonTrailing   = "trailing"
)

type state struct {
	entryPrice decimal.Decimal
	maxPrice   decimal.Decimal
	armed      bool
}

// Manager owns exit state for every symbol.
type Manager struct {
	mode          string
	stopPct       decimal.Decimal
	takePct       decimal.Decimal
	trailingPct   decimal.Decimal
	minBaseToExit decimal.Decimal

	store    core.IStore
	market   core.IMarketData
	executor *execute.Executor
	bus      core.IEventBus
	logger   core.ILogger
	metrics  *telemetry.Metrics

	mu     sync.Mutex
	states map[string]*state
}

func New(cfg config.ExitsConfig, store core.IStore, market core.IMarketData,
	executor *execute.Executor, bus core.IEventBus, logger core.ILogger, metrics *telemetry.Metrics) *Manager {

	return &Manager{
		mode:          cfg.Mode,
		stopPct:       decimal.NewFromFloat(cfg.StopPct),
		takePct:       decimal.NewFromFloat(cfg.TakePct),
		trailingPct:   decimal.NewFromFloat(cfg.TrailingPct),
		minBaseToExit: decimal.NewFromFloat(cfg.MinBaseToExit),
		store:         store,
		market:        market,
		executor:      executor,
		bus:           bus,
		logger:        logger.WithField("component", "exits"),
		metrics:       metrics,
		states:        make(map[string]*state),
	}
}

// Restore re-arms exits for positions that survived a restart, seeding the
// peak from the persisted max-price watermark.
func (m *Manager) Restore(ctx context.Context) error {
	if m.mode == ModeOff {
		return nil
	}
	positions, err := m.store.Positions().OpenPositions(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range positions {
		maxPrice := p.MaxPriceSinceEntry
		if maxPrice.LessThan(p.AvgEntryPrice) {
			maxPrice = p.AvgEntryPrice
		}
		m.states[p.Symbol] = &state{entryPrice: p.AvgEntryPrice, maxPrice: maxPrice, armed: true}
		m.logger.Info("restored protective exits", "symbol", p.Symbol, "entry", p.AvgEntryPrice, "max", maxPrice)
	}
	return nil
}

// HandleFill is the bus handler for trade.completed: arms on position open,
// disarms on position close.
func (m *Manager) HandleFill(ctx context.Context, ev core.Event) error {
	if m.mode == ModeOff {
		return nil
	}
	symbol, _ := ev.Payload["symbol"].(string)
	if symbol == "" {
		return nil
	}
	baseStr, _ := ev.Payload["position_base"].(string)
	baseQty, err := decimal.NewFromString(baseStr)
	if err != nil {
		return fmt.Errorf("bad position_base in fill event: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !baseQty.IsPositive() {
		if st, ok := m.states[symbol]; ok && st.armed {
			delete(m.states, symbol)
			m.logger.Info("protective exits disarmed", "symbol", symbol)
		}
		return nil
	}

	priceStr, _ := ev.Payload["price"].(string)
	fillPrice, err := decimal.NewFromString(priceStr)
	if err != nil || !fillPrice.IsPositive() {
		if entryStr, ok := ev.Payload["entry_price"].(string); ok {
			fillPrice, _ = decimal.NewFromString(entryStr)
		}
	}
	if st, ok := m.states[symbol]; ok && st.armed {
		// Already armed; a scale-in only refreshes the peak.
		if fillPrice.GreaterThan(st.maxPrice) {
			st.maxPrice = fillPrice
		}
		return nil
	}
	m.states[symbol] = &state{entryPrice: fillPrice, maxPrice: fillPrice, armed: true}
	m.logger.Info("protective exits armed", "symbol", symbol, "entry", fillPrice)
	return nil
}

// Armed reports whether the symbol currently has exit protection.
func (m *Manager) Armed(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[symbol]
	return ok && st.armed
}

// Evaluate runs one exits tick for the symbol.
func (m *Manager) Evaluate(ctx context.Context, symbol string) error {
	if m.mode == ModeOff {
		return nil
	}
	m.mu.Lock()
	st, ok := m.states[symbol]
	m.mu.Unlock()
	if !ok || !st.armed {
		return nil
	}

	position, err := m.store.Positions().Get(ctx, symbol)
	if err != nil {
		return err
	}
	if !position.BaseQty.IsPositive() {
		// Closed externally since arming; next fill event would also clear
		// this, but never wait on it.
		m.disarm(ctx, symbol, "position_closed", nil)
		return nil
	}
	if position.BaseQty.LessThan(m.minBaseToExit) {
		m.disarm(ctx, symbol, "exit_below_min", map[string]any{
			"base_qty": position.BaseQty.String(),
			"min":      m.minBaseToExit.String(),
		})
		return nil
	}

	ticker, err := m.market.Ticker(ctx, symbol)
	if err != nil {
		return err
	}
	last := ticker.Last
	if !last.IsPositive() {
		return fmt.Errorf("%w: no last price for %s", apperrors.ErrNoData, symbol)
	}

	m.mu.Lock()
	if last.GreaterThan(st.maxPrice) {
		st.maxPrice = last
		position.MaxPriceSinceEntry = st.maxPrice
		position.Version++
		if err := m.store.Positions().Put(ctx, position); err != nil {
			m.logger.Warn("failed to persist max price", "symbol", symbol, "error", err)
		}
	}
	entry, maxPrice := st.entryPrice, st.maxPrice
	m.mu.Unlock()

	reason := m.trigger(entry, maxPrice, last)
	if reason == "" {
		return nil
	}
	return m.sell(ctx, symbol, position.BaseQty, reason, entry, maxPrice, last)
}

// trigger applies the rules in priority order: stop, take, trailing.
func (m *Manager) trigger(entry, maxPrice, last decimal.Decimal) string {
	one := decimal.NewFromInt(1)
	if m.mode == ModeHard || m.mode == ModeBoth {
		if m.stopPct.IsPositive() && last.LessThanOrEqual(entry.Mul(one.Sub(m.stopPct))) {
			return ReasonHardStop
		}
		if m.takePct.IsPositive() && last.GreaterThanOrEqual(entry.Mul(one.Add(m.takePct))) {
			return ReasonTakeProfit
		}
	}
	if m.mode == ModeTrailing || m.mode == ModeBoth {
		if m.trailingPct.IsPositive() && last.LessThanOrEqual(maxPrice.Mul(one.Sub(m.trailingPct))) {
			return ReasonTrailing
		}
	}
	return ""
}

func (m *Manager) sell(ctx context.Context, symbol string, baseQty decimal.Decimal, reason string, entry, maxPrice, last decimal.Decimal) error {
	m.logger.Warn("protective exit triggered",
		"symbol", symbol, "reason", reason, "entry", entry, "max", maxPrice, "last", last)

	res, err := m.executor.Execute(ctx, execute.Params{
		Symbol:     symbol,
		Side:       core.SideSell,
		BaseAmount: baseQty,
		Source:     execute.SourceExit,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrMinAmount) || errors.Is(err, apperrors.ErrMinNotional) {
			m.disarm(ctx, symbol, "exit_below_min", map[string]any{
				"base_qty": baseQty.String(),
				"error":    err.Error(),
			})
			return nil
		}
		return err
	}
	if !res.Executed {
		m.logger.Warn("protective exit sell not executed", "symbol", symbol, "reason", res.Reason)
		return nil
	}

	m.metrics.ExitsTriggered.WithLabelValues(symbol, reason).Inc()
	if err := m.bus.Publish(ctx, core.Event{
		Topic: core.TopicProtectiveExit,
		Key:   symbol,
		TsMs:  time.Now().UnixMilli(),
		Payload: map[string]any{
			"symbol": symbol, "reason": reason,
			"entry": entry.String(), "max": maxPrice.String(), "last": last.String(),
			"order_id": res.OrderID,
		},
	}); err != nil {
		m.logger.Warn("failed to publish protective_exit.triggered", "error", err)
	}
	// The fill event disarms through HandleFill; clear eagerly as well so a
	// second tick in the same bucket does not re-trigger.
	m.disarm(ctx, symbol, "", nil)
	return nil
}

func (m *Manager) disarm(ctx context.Context, symbol, auditKind string, details map[string]any) {
	m.mu.Lock()
	delete(m.states, symbol)
	m.mu.Unlock()
	if auditKind == "" {
		return
	}
	payload := map[string]any{"symbol": symbol}
	for k, v := range details {
		payload[k] = v
	}
	if err := m.store.Audit().Append(ctx, auditKind, payload); err != nil {
		m.logger.Warn("failed to append audit entry", "kind", auditKind, "error", err)
	}
	m.logger.Info("protective exits disarmed", "symbol", symbol, "cause", auditKind)
}
