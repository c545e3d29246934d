package watchdog

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/risk"
	"trade_engine/internal/telemetry"
	"trade_engine/internal/trading/execute"

	"github.com/shopspring/decimal"
)

// Pauser is the orchestrator-side control surface the watchdog drives.
type Pauser interface {
	Pause(reason string)
	Resume(reason string)
	IsPaused() bool
}

// HealthChecker probes the process-local components.
type HealthChecker interface {
	Check(ctx context.Context) core.ComponentHealth
}

// Config binds one watchdog to its symbol.
type Config struct {
	Symbol       string
	SLA          config.SLAConfig
	DMSTimeoutMs int64
	DMSAction    string // close | alert
	// DailyLossLimitQuote gates auto-resume: a symbol past its daily loss
	// budget stays paused. Zero disables the gate.
	DailyLossLimitQuote float64
}

// Watchdog runs one tick per watchdog-loop interval: health probe, SLA
// auto-pause/resume and the dead-man's-switch over the eval loop's
// heartbeat.
type Watchdog struct {
	cfg      Config
	sla      *SLATracker
	health   HealthChecker
	pauser   Pauser
	executor *execute.Executor
	store    core.IStore
	bus      core.IEventBus
	logger   core.ILogger
	metrics  *telemetry.Metrics

	// lastBeat is bumped by the eval loop; the watchdog only reads it.
	lastBeat *atomic.Int64
	// dmsFiredAtBeat remembers the beat value the switch last fired on, so
	// one stall triggers exactly once. Any fresh beat re-arms.
	dmsFiredAtBeat atomic.Int64

	dailyLossLimit decimal.Decimal
	budgetBreached atomic.Bool

	clock func() time.Time
}

func New(cfg Config, sla *SLATracker, health HealthChecker, pauser Pauser, executor *execute.Executor, store core.IStore, bus core.IEventBus, lastBeat *atomic.Int64, logger core.ILogger, metrics *telemetry.Metrics) *Watchdog {
	w := &Watchdog{
		cfg:      cfg,
		sla:      sla,
		health:   health,
		pauser:   pauser,
		executor: executor,
		store:    store,
		bus:      bus,
		logger:   logger.WithField("component", "watchdog").WithField("symbol", cfg.Symbol),
		metrics:  metrics,
		lastBeat: lastBeat,
		clock:    time.Now,
	}
	w.dailyLossLimit = decimal.NewFromFloat(cfg.DailyLossLimitQuote)
	w.dmsFiredAtBeat.Store(-1)
	return w
}

// SLA exposes the tracker the loops record their outcomes into.
func (w *Watchdog) SLA() *SLATracker { return w.sla }

// Tick is the watchdog loop body.
func (w *Watchdog) Tick(ctx context.Context) error {
	nowMs := w.clock().UnixMilli()
	health := w.health.Check(ctx)
	errRate, avgLatency, n := w.sla.Snapshot()

	w.metrics.SLAErrorRate.Set(errRate)
	w.metrics.SLALatencyMs.Set(avgLatency)

	budgetOK := w.checkBudget(ctx)

	w.publish(ctx, core.TopicWatchdogHeartbeat, map[string]any{
		"symbol": w.cfg.Symbol,
		"ts_ms":  nowMs,
	})
	w.publish(ctx, core.TopicHealthReport, map[string]any{
		"symbol":         w.cfg.Symbol,
		"db_ok":          health.DBOK,
		"broker_ok":      health.BrokerOK,
		"bus_ok":         health.BusOK,
		"sla_error_rate": errRate,
		"sla_latency_ms": avgLatency,
		"sla_samples":    n,
		"budget_ok":      budgetOK,
		"paused":         w.pauser.IsPaused(),
	})

	w.applySLA(errRate, avgLatency, n, budgetOK)
	w.checkDMS(ctx, nowMs)
	return nil
}

// checkBudget compares today's realized PnL against the daily loss budget.
// A breach publishes budget.exceeded once until the budget recovers (a new
// UTC day, or fills that pull realized PnL back inside).
func (w *Watchdog) checkBudget(ctx context.Context) bool {
	if !w.dailyLossLimit.IsPositive() {
		return true
	}
	trades, err := w.store.Trades().BySymbol(ctx, w.cfg.Symbol)
	if err != nil {
		w.logger.Warn("budget check skipped", "error", err)
		return true
	}
	report := risk.ComputeFIFO(trades, risk.UTCDayStartMs(w.clock().UnixMilli()))
	breached := report.RealizedToday.LessThanOrEqual(w.dailyLossLimit.Neg())
	if !breached {
		w.budgetBreached.Store(false)
		return true
	}
	if w.budgetBreached.CompareAndSwap(false, true) {
		w.logger.Warn("daily loss budget exceeded",
			"realized_today", report.RealizedToday, "limit", w.dailyLossLimit.Neg())
		w.publish(ctx, core.TopicBudgetExceeded, map[string]any{
			"symbol":         w.cfg.Symbol,
			"realized_today": report.RealizedToday.String(),
			"limit":          w.dailyLossLimit.Neg().String(),
		})
	}
	return false
}

// applySLA pauses when either threshold is breached and resumes only when
// both are back under their resume thresholds and the daily budget holds.
// Zero thresholds disable the corresponding direction.
func (w *Watchdog) applySLA(errRate, avgLatency float64, n int, budgetOK bool) {
	cfg := w.cfg.SLA
	pauseOn := (cfg.ErrRatePause > 0 && errRate >= cfg.ErrRatePause) ||
		(cfg.LatencyMsPause > 0 && avgLatency >= cfg.LatencyMsPause)

	if !w.pauser.IsPaused() {
		if pauseOn && n > 0 {
			reason := fmt.Sprintf("sla_breach err_rate=%.3f latency_ms=%.0f", errRate, avgLatency)
			w.logger.Warn("auto-pausing", "reason", reason)
			w.pauser.Pause(reason)
		}
		return
	}

	if cfg.ErrRateResume <= 0 && cfg.LatencyMsResume <= 0 {
		return
	}
	resumeOK := budgetOK && errRate <= cfg.ErrRateResume && avgLatency <= cfg.LatencyMsResume
	if resumeOK {
		w.logger.Info("auto-resuming", "err_rate", errRate, "latency_ms", avgLatency)
		w.pauser.Resume("sla_recovered")
	}
}

// checkDMS fires when the eval loop has not beaten within the timeout. The
// stall is latched on the beat value: the switch will not fire again until
// the loop produces a fresh beat and stalls anew.
func (w *Watchdog) checkDMS(ctx context.Context, nowMs int64) {
	if w.cfg.DMSTimeoutMs <= 0 || w.lastBeat == nil {
		return
	}
	beat := w.lastBeat.Load()
	if beat == 0 || nowMs-beat <= w.cfg.DMSTimeoutMs {
		return
	}
	if w.dmsFiredAtBeat.Load() == beat {
		return
	}
	w.dmsFiredAtBeat.Store(beat)

	stalledMs := nowMs - beat
	w.logger.Error("dead-man's-switch tripped",
		"stalled_ms", stalledMs, "action", w.cfg.DMSAction)
	w.metrics.DMSTriggered.Inc()

	closed := false
	if w.cfg.DMSAction == "close" {
		closed = w.closePosition(ctx)
	}

	_ = w.store.Audit().Append(ctx, "dms_triggered", map[string]any{
		"symbol":     w.cfg.Symbol,
		"stalled_ms": stalledMs,
		"action":     w.cfg.DMSAction,
		"closed":     closed,
	})
	w.publish(ctx, core.TopicDMSTriggered, map[string]any{
		"symbol":     w.cfg.Symbol,
		"stalled_ms": stalledMs,
		"action":     w.cfg.DMSAction,
		"closed":     closed,
	})
}

// closePosition flattens the symbol through the normal execute path so the
// sell is idempotent and recorded like any other fill.
func (w *Watchdog) closePosition(ctx context.Context) bool {
	pos, err := w.store.Positions().Get(ctx, w.cfg.Symbol)
	if err != nil {
		w.logger.Error("dms: position lookup failed", "error", err)
		return false
	}
	if !pos.BaseQty.IsPositive() {
		return false
	}
	res, err := w.executor.Execute(ctx, execute.Params{
		Symbol:     w.cfg.Symbol,
		Side:       core.SideSell,
		BaseAmount: pos.BaseQty,
		Source:     execute.SourceDMS,
	})
	if err != nil {
		w.logger.Error("dms: close failed", "error", err)
		return false
	}
	if !res.Executed {
		w.logger.Warn("dms: close not executed", "reason", res.Reason)
		return false
	}
	w.logger.Info("dms: position closed", "base", pos.BaseQty.String(), "order_id", res.OrderID)
	return true
}

func (w *Watchdog) publish(ctx context.Context, topic string, payload map[string]any) {
	ev := core.Event{
		Topic:   topic,
		Key:     w.cfg.Symbol,
		TsMs:    w.clock().UnixMilli(),
		Payload: payload,
	}
	if err := w.bus.Publish(ctx, ev); err != nil {
		w.logger.Debug("publish dropped", "topic", topic, "error", err)
	}
}
