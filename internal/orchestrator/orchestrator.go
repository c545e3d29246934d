// Package orchestrator runs the four per-symbol loops and owns the
// pause/resume state the watchdog drives.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/risk"
	"trade_engine/internal/telemetry"
	"trade_engine/internal/trading/execute"
	"trade_engine/internal/trading/exits"
	"trade_engine/internal/trading/reconcile"
	"trade_engine/internal/watchdog"
	"trade_engine/pkg/apperrors"
	"trade_engine/pkg/concurrency"

	"github.com/shopspring/decimal"
)

const (
	loopEval      = "eval"
	loopExits     = "exits"
	loopReconcile = "reconcile"
	loopWatchdog  = "watchdog"
)

// Config sizes one symbol's loops.
type Config struct {
	Symbol      string
	Intervals   config.IntervalsConfig
	FixedAmount decimal.Decimal
	// CandleLimit is how much history the strategy sees per eval.
	CandleLimit int
}

// Orchestrator drives one symbol. Loops keep ticking while paused; pause
// only suppresses the eval and exits work functions, so reconciliation and
// the watchdog stay live.
type Orchestrator struct {
	cfg        Config
	strategy   core.IStrategy
	market     core.IMarketData
	executor   *execute.Executor
	exits      *exits.Manager
	reconciler *reconcile.Reconciler
	store      core.IStore
	bus        core.IEventBus
	logger     core.ILogger
	metrics    *telemetry.Metrics

	wd *watchdog.Watchdog

	guard    *concurrency.FlightGuard
	paused   atomic.Bool
	sticky   atomic.Bool
	running  atomic.Bool
	lastBeat atomic.Int64
	lastTick atomic.Int64

	reasonMu    sync.Mutex
	pauseReason string

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, strategy core.IStrategy, market core.IMarketData, executor *execute.Executor, exitMgr *exits.Manager, reconciler *reconcile.Reconciler, store core.IStore, bus core.IEventBus, logger core.ILogger, metrics *telemetry.Metrics) *Orchestrator {
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = 64
	}
	return &Orchestrator{
		cfg:        cfg,
		strategy:   strategy,
		market:     market,
		executor:   executor,
		exits:      exitMgr,
		reconciler: reconciler,
		store:      store,
		bus:        bus,
		logger:     logger.WithField("component", "orchestrator").WithField("symbol", cfg.Symbol),
		metrics:    metrics,
		guard:      concurrency.NewFlightGuard(),
		done:       make(chan struct{}),
	}
}

// LastBeat exposes the eval heartbeat the dead-man's-switch monitors.
func (o *Orchestrator) LastBeat() *atomic.Int64 { return &o.lastBeat }

// AttachWatchdog wires the watchdog loop. Without one the loop is idle.
func (o *Orchestrator) AttachWatchdog(wd *watchdog.Watchdog) { o.wd = wd }

// Start launches the four loops. It returns immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	ctx, o.cancel = context.WithCancel(ctx)

	iv := o.cfg.Intervals
	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		paused   bool // work suppressed while paused
		work     func(context.Context) error
	}{
		{loopEval, time.Duration(iv.EvalSec) * time.Second, true, o.evalOnce},
		{loopExits, time.Duration(iv.ExitsSec) * time.Second, true, o.exitsOnce},
		{loopReconcile, time.Duration(iv.ReconcileSec) * time.Second, false, o.reconcileOnce},
		{loopWatchdog, time.Duration(iv.WatchdogSec) * time.Second, false, o.watchdogOnce},
	}
	for _, l := range loops {
		wg.Add(1)
		go func(name string, interval time.Duration, pausable bool, work func(context.Context) error) {
			defer wg.Done()
			o.runLoop(ctx, name, interval, pausable, work)
		}(l.name, l.interval, l.paused, l.work)
	}
	go func() {
		wg.Wait()
		close(o.done)
	}()
	o.logger.Info("orchestrator started",
		"eval_sec", iv.EvalSec, "exits_sec", iv.ExitsSec,
		"reconcile_sec", iv.ReconcileSec, "watchdog_sec", iv.WatchdogSec)
}

// Stop cancels the loops and waits for them up to the context deadline.
// Loops that do not come back in time are abandoned, not killed.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.running.CompareAndSwap(true, false) {
		return nil
	}
	o.cancel()
	select {
	case <-o.done:
		o.logger.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		o.logger.Warn("orchestrator stop timed out; abandoning loops")
		return ctx.Err()
	}
}

func (o *Orchestrator) runLoop(ctx context.Context, name string, interval time.Duration, pausable bool, work func(context.Context) error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		o.tick(ctx, name, pausable, work)
	}
}

// tick runs one loop iteration under the single-flight guard. A tick whose
// predecessor is still running is skipped, never queued.
func (o *Orchestrator) tick(ctx context.Context, name string, pausable bool, work func(context.Context) error) {
	o.metrics.LoopTicks.WithLabelValues(o.cfg.Symbol, name).Inc()
	o.lastTick.Store(time.Now().UnixMilli())

	key := o.cfg.Symbol + ":" + name
	ran := o.guard.TryRun(key, func() {
		if pausable && o.IsPaused() {
			if name == loopEval {
				// A deliberately paused engine still proves its loop alive;
				// the dead-man's-switch is for stalls, not pauses.
				o.lastBeat.Store(time.Now().UnixMilli())
			}
			return
		}
		start := time.Now()
		err := work(ctx)
		elapsed := time.Since(start)
		o.metrics.LoopLatency.WithLabelValues(o.cfg.Symbol, name).Observe(float64(elapsed.Milliseconds()))
		if name == loopEval || name == loopExits {
			o.sla().Record(err == nil, elapsed)
		}
		if err != nil && ctx.Err() == nil {
			if errors.Is(err, apperrors.ErrIntegrity) {
				o.handleIntegrity(ctx, err)
			}
			o.logger.Error("loop work failed", "loop", name, "error", err)
		}
		// The beat only follows a completed iteration, so a hung or failing
		// eval loop leaves it stale for the watchdog to notice.
		if name == loopEval && err == nil {
			o.lastBeat.Store(time.Now().UnixMilli())
		}
	})
	if !ran {
		o.metrics.LoopSkipped.WithLabelValues(o.cfg.Symbol, name).Inc()
	}
}

func (o *Orchestrator) sla() *watchdog.SLATracker {
	if o.wd != nil {
		return o.wd.SLA()
	}
	return noopSLA
}

var noopSLA = watchdog.NewSLATracker(time.Minute)

// evalOnce is one strategy evaluation: snapshot market and position, ask the
// strategy, and route any decision through execute-trade.
func (o *Orchestrator) evalOnce(ctx context.Context) error {
	symbol := o.cfg.Symbol

	ticker, err := o.market.Ticker(ctx, symbol)
	if err != nil {
		return err
	}
	candles, err := o.market.Candles(ctx, symbol, o.cfg.CandleLimit)
	if err != nil {
		// No history yet is a warm-up condition, not a failure.
		candles = nil
	}
	position, err := o.store.Positions().Get(ctx, symbol)
	if err != nil {
		return err
	}
	o.metrics.PositionBase.WithLabelValues(symbol).Set(positionGauge(position))

	decision := o.strategy.Generate(&core.StrategyContext{
		Symbol:   symbol,
		Ticker:   ticker,
		Candles:  candles,
		Position: position,
		NowMs:    time.Now().UnixMilli(),
	})

	switch decision.Action {
	case core.ActionBuy:
		res, err := o.executor.Execute(ctx, execute.Params{
			Symbol:      symbol,
			Side:        core.SideBuy,
			QuoteAmount: o.cfg.FixedAmount,
			Source:      execute.SourceEval,
		})
		if err != nil {
			return err
		}
		o.logDecision(decision, res.Executed, res.Reason)
	case core.ActionSell:
		if !position.BaseQty.IsPositive() {
			return nil
		}
		res, err := o.executor.Execute(ctx, execute.Params{
			Symbol:     symbol,
			Side:       core.SideSell,
			BaseAmount: position.BaseQty,
			Source:     execute.SourceEval,
		})
		if err != nil {
			return err
		}
		o.logDecision(decision, res.Executed, res.Reason)
	}
	return nil
}

func (o *Orchestrator) logDecision(d core.Decision, executed bool, reason string) {
	o.logger.Info("strategy decision routed",
		"action", string(d.Action), "score", d.Score,
		"executed", executed, "reason", reason)
}

func (o *Orchestrator) exitsOnce(ctx context.Context) error {
	return o.exits.Evaluate(ctx, o.cfg.Symbol)
}

func (o *Orchestrator) reconcileOnce(ctx context.Context) error {
	if err := o.reconciler.Run(ctx, o.cfg.Symbol); err != nil {
		return err
	}
	o.updatePnLGauge(ctx)
	return nil
}

// updatePnLGauge refreshes the realized-PnL gauge from trade history.
func (o *Orchestrator) updatePnLGauge(ctx context.Context) {
	trades, err := o.store.Trades().BySymbol(ctx, o.cfg.Symbol)
	if err != nil {
		return
	}
	report := risk.ComputeFIFO(trades, risk.UTCDayStartMs(time.Now().UnixMilli()))
	f, _ := report.RealizedToday.Float64()
	o.metrics.RealizedPnLToday.WithLabelValues(o.cfg.Symbol).Set(f)
}

func (o *Orchestrator) watchdogOnce(ctx context.Context) error {
	if o.wd == nil {
		return nil
	}
	return o.wd.Tick(ctx)
}

// Pause suppresses eval and exits work. Reconciliation and the watchdog
// keep running so the engine can observe its own recovery.
func (o *Orchestrator) Pause(reason string) {
	if o.paused.CompareAndSwap(false, true) {
		o.reasonMu.Lock()
		o.pauseReason = reason
		o.reasonMu.Unlock()
		o.metrics.Paused.WithLabelValues(o.cfg.Symbol).Set(1)
		o.publishTransition(core.TopicAutoPaused, reason)
	}
}

// handleIntegrity reacts to a local-state violation: local books no longer
// match what the broker confirmed, so trading stops until an operator has
// looked. The pause is sticky, the watchdog's auto-resume cannot undo it.
func (o *Orchestrator) handleIntegrity(ctx context.Context, err error) {
	o.metrics.RiskBlocked.WithLabelValues(o.cfg.Symbol, "integrity").Inc()
	if pubErr := o.bus.Publish(ctx, core.Event{
		Topic: core.TopicRiskBlocked,
		Key:   o.cfg.Symbol,
		TsMs:  time.Now().UnixMilli(),
		Payload: map[string]any{
			"symbol": o.cfg.Symbol,
			"reason": "integrity",
			"error":  err.Error(),
		},
	}); pubErr != nil {
		o.logger.Warn("failed to publish risk.blocked", "error", pubErr)
	}
	o.sticky.Store(true)
	o.Pause("integrity")
}

// Resume re-enables eval and exits work. An integrity pause is refused;
// only ResumeOperator clears it.
func (o *Orchestrator) Resume(reason string) {
	if o.sticky.Load() {
		o.logger.Warn("resume refused, integrity pause needs an operator", "reason", reason)
		return
	}
	if o.paused.CompareAndSwap(true, false) {
		o.reasonMu.Lock()
		o.pauseReason = ""
		o.reasonMu.Unlock()
		o.metrics.Paused.WithLabelValues(o.cfg.Symbol).Set(0)
		o.publishTransition(core.TopicAutoResumed, reason)
	}
}

// ResumeOperator lifts an integrity pause on explicit operator action.
func (o *Orchestrator) ResumeOperator(reason string) {
	o.sticky.Store(false)
	o.Resume(reason)
}

// IsPaused implements watchdog.Pauser.
func (o *Orchestrator) IsPaused() bool { return o.paused.Load() }

// PauseReason returns why the symbol is paused, empty when running.
func (o *Orchestrator) PauseReason() string {
	o.reasonMu.Lock()
	defer o.reasonMu.Unlock()
	return o.pauseReason
}

// Status reports the per-symbol slice of the health summary.
func (o *Orchestrator) Status() core.SymbolStatus {
	return core.SymbolStatus{
		Running:    o.running.Load(),
		Paused:     o.paused.Load(),
		LastTickMs: o.lastTick.Load(),
	}
}

func (o *Orchestrator) publishTransition(topic, reason string) {
	ev := core.Event{
		Topic: topic,
		Key:   o.cfg.Symbol,
		TsMs:  time.Now().UnixMilli(),
		Payload: map[string]any{
			"symbol": o.cfg.Symbol,
			"reason": reason,
		},
	}
	if err := o.bus.Publish(context.Background(), ev); err != nil {
		o.logger.Warn("pause transition event dropped", "topic", topic, "error", err)
	}
	o.logger.Info("pause state changed", "topic", topic, "reason", reason)
}

func positionGauge(p *core.Position) float64 {
	if p == nil {
		return 0
	}
	f, _ := p.BaseQty.Float64()
	return f
}
