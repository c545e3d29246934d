package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/telemetry"

	"github.com/shopspring/decimal"
)

// Request is one proposed order presented to the rule chain.
type Request struct {
	Symbol           string
	Side             core.Side
	ProjectedAddBase decimal.Decimal // estimated base added by a buy
	Ticker           *core.Ticker
	Position         *core.Position
	NowMs            int64
}

// Verdict is the chain's decision. Rule and Reason are set on rejection.
type Verdict struct {
	Allowed bool
	Rule    string
	Reason  string
	Details map[string]string
}

// DriftSource reports local-vs-exchange clock skew. The live adapter
// provides it; paper mode runs without one.
type DriftSource interface {
	ServerTimeDriftMs(ctx context.Context) (int64, error)
}

type rule struct {
	name  string
	check func(ctx context.Context, req *Request) (bool, map[string]string, error)
}

// Pipeline evaluates the ordered rule chain with short-circuit semantics.
// Rules that cannot obtain their data fail open; only an explicit breach
// rejects.
type Pipeline struct {
	trades    core.ITradeStore
	positions core.IPositionStore
	drift     DriftSource
	bus       core.IEventBus
	logger    core.ILogger
	metrics   *telemetry.Metrics

	maxDriftMs       int64
	hours            *hoursWindow
	days             map[time.Weekday]bool
	cooldown         time.Duration
	maxSpread        decimal.Decimal
	maxPositionBase  decimal.Decimal
	maxOrdersPerHour int
	maxTurnover5m    decimal.Decimal
	maxLossStreak    int
	maxDrawdownPct   decimal.Decimal
	dailyLossLimit   decimal.Decimal
	// correlation group members per symbol, excluding the symbol itself
	correlated map[string][]string

	rules []rule
}

type hoursWindow struct {
	startMin int // minutes from UTC midnight
	endMin   int
}

// NewPipeline builds the chain from configuration. A zero or negative limit
// disables its rule.
func NewPipeline(cfg config.RiskConfig, trades core.ITradeStore, positions core.IPositionStore,
	drift DriftSource, bus core.IEventBus, logger core.ILogger, metrics *telemetry.Metrics) (*Pipeline, error) {

	p := &Pipeline{
		trades:           trades,
		positions:        positions,
		drift:            drift,
		bus:              bus,
		logger:           logger.WithField("component", "risk"),
		metrics:          metrics,
		maxDriftMs:       int64(cfg.MaxDriftMs),
		cooldown:         time.Duration(cfg.CooldownSec) * time.Second,
		maxSpread:        decimal.NewFromFloat(cfg.MaxSpreadPct),
		maxPositionBase:  decimal.NewFromFloat(cfg.MaxPositionBase),
		maxOrdersPerHour: cfg.MaxOrdersPerHour,
		maxTurnover5m:    decimal.NewFromFloat(cfg.MaxTurnover5mQuote),
		maxLossStreak:    cfg.MaxLossStreak,
		maxDrawdownPct:   decimal.NewFromFloat(cfg.MaxDrawdownPct),
		dailyLossLimit:   decimal.NewFromFloat(cfg.DailyLossLimitQuote),
	}

	if cfg.TradingHoursUTC != "" {
		w, err := parseHours(cfg.TradingHoursUTC)
		if err != nil {
			return nil, err
		}
		p.hours = w
	}
	if cfg.TradingDaysUTC != "" {
		days, err := parseDays(cfg.TradingDaysUTC)
		if err != nil {
			return nil, err
		}
		p.days = days
	}
	if cfg.CorrelationGroups != "" {
		p.correlated = parseCorrelationGroups(cfg.CorrelationGroups)
	}

	p.rules = []rule{
		{"time_drift", p.checkTimeDrift},
		{"trading_window", p.checkTradingWindow},
		{"cooldown", p.checkCooldown},
		{"spread_cap", p.checkSpreadCap},
		{"position_cap", p.checkPositionCap},
		{"sell_without_position", p.checkSellWithoutPosition},
		{"orders_per_hour", p.checkOrdersPerHour},
		{"turnover_5m", p.checkTurnover5m},
		{"loss_streak", p.checkLossStreak},
		{"max_drawdown", p.checkDrawdown},
		{"daily_loss_limit", p.checkDailyLoss},
		{"anti_correlation", p.checkAntiCorrelation},
	}
	return p, nil
}

// Evaluate runs the chain. The first rejecting rule wins; every rejection
// publishes risk.blocked with the rule name as reason.
func (p *Pipeline) Evaluate(ctx context.Context, req *Request) Verdict {
	if req.NowMs == 0 {
		req.NowMs = time.Now().UnixMilli()
	}
	for _, r := range p.rules {
		allow, details, err := r.check(ctx, req)
		if err != nil {
			// Fail open on data gaps.
			p.logger.Warn("risk rule skipped on data error", "rule", r.name, "symbol", req.Symbol, "error", err)
			continue
		}
		if allow {
			continue
		}
		p.metrics.RiskBlocked.WithLabelValues(req.Symbol, r.name).Inc()
		p.logger.Info("trade blocked by risk rule",
			"rule", r.name, "symbol", req.Symbol, "side", req.Side, "details", details)
		payload := map[string]any{"symbol": req.Symbol, "side": string(req.Side), "reason": r.name}
		for k, v := range details {
			payload[k] = v
		}
		if err := p.bus.Publish(ctx, core.Event{
			Topic: core.TopicRiskBlocked, Key: req.Symbol, Payload: payload,
		}); err != nil {
			p.logger.Warn("failed to publish risk.blocked", "error", err)
		}
		return Verdict{Allowed: false, Rule: r.name, Reason: r.name, Details: details}
	}
	return Verdict{Allowed: true}
}

func (p *Pipeline) checkTimeDrift(ctx context.Context, req *Request) (bool, map[string]string, error) {
	if p.maxDriftMs <= 0 || p.drift == nil {
		return true, nil, nil
	}
	drift, err := p.drift.ServerTimeDriftMs(ctx)
	if err != nil {
		return true, nil, err
	}
	if drift < 0 {
		drift = -drift
	}
	if drift > p.maxDriftMs {
		return false, map[string]string{
			"drift_ms": fmt.Sprintf("%d", drift),
			"max_ms":   fmt.Sprintf("%d", p.maxDriftMs),
		}, nil
	}
	return true, nil, nil
}

func (p *Pipeline) checkTradingWindow(_ context.Context, req *Request) (bool, map[string]string, error) {
	if p.hours == nil && p.days == nil {
		return true, nil, nil
	}
	now := time.UnixMilli(req.NowMs).UTC()
	if p.days != nil && !p.days[now.Weekday()] {
		return false, map[string]string{"day": now.Weekday().String()}, nil
	}
	if p.hours != nil {
		minute := now.Hour()*60 + now.Minute()
		inside := minute >= p.hours.startMin && minute < p.hours.endMin
		if p.hours.endMin < p.hours.startMin { // window crosses midnight
			inside = minute >= p.hours.startMin || minute < p.hours.endMin
		}
		if !inside {
			return false, map[string]string{"utc_time": now.Format("15:04")}, nil
		}
	}
	return true, nil, nil
}

func (p *Pipeline) checkCooldown(ctx context.Context, req *Request) (bool, map[string]string, error) {
	if p.cooldown <= 0 {
		return true, nil, nil
	}
	lastMs, err := p.trades.LastExecutedAtMs(ctx, req.Symbol)
	if err != nil {
		return true, nil, err
	}
	if lastMs == 0 {
		return true, nil, nil
	}
	elapsed := time.Duration(req.NowMs-lastMs) * time.Millisecond
	if elapsed < p.cooldown {
		return false, map[string]string{
			"elapsed_sec":  fmt.Sprintf("%.0f", elapsed.Seconds()),
			"cooldown_sec": fmt.Sprintf("%.0f", p.cooldown.Seconds()),
		}, nil
	}
	return true, nil, nil
}

// checkSpreadCap rejects at the limit: a spread exactly at max_spread_pct is
// already too wide.
func (p *Pipeline) checkSpreadCap(_ context.Context, req *Request) (bool, map[string]string, error) {
	if !p.maxSpread.IsPositive() {
		return true, nil, nil
	}
	if req.Ticker == nil {
		return true, nil, fmt.Errorf("no ticker")
	}
	spread := req.Ticker.Spread()
	if spread.GreaterThanOrEqual(p.maxSpread) {
		return false, map[string]string{
			"spread": spread.String(),
			"max":    p.maxSpread.String(),
		}, nil
	}
	return true, nil, nil
}

func (p *Pipeline) checkPositionCap(_ context.Context, req *Request) (bool, map[string]string, error) {
	if req.Side != core.SideBuy || !p.maxPositionBase.IsPositive() {
		return true, nil, nil
	}
	if req.Position == nil {
		return true, nil, fmt.Errorf("no position snapshot")
	}
	projected := req.Position.BaseQty.Add(req.ProjectedAddBase)
	if projected.GreaterThan(p.maxPositionBase) {
		return false, map[string]string{
			"projected": projected.String(),
			"max":       p.maxPositionBase.String(),
		}, nil
	}
	return true, nil, nil
}

func (p *Pipeline) checkSellWithoutPosition(_ context.Context, req *Request) (bool, map[string]string, error) {
	if req.Side != core.SideSell {
		return true, nil, nil
	}
	if req.Position == nil || !req.Position.BaseQty.IsPositive() {
		return false, map[string]string{"base_qty": "0"}, nil
	}
	return true, nil, nil
}

func (p *Pipeline) checkOrdersPerHour(ctx context.Context, req *Request) (bool, map[string]string, error) {
	if p.maxOrdersPerHour <= 0 {
		return true, nil, nil
	}
	count, err := p.trades.CountSince(ctx, req.Symbol, req.NowMs-time.Hour.Milliseconds())
	if err != nil {
		return true, nil, err
	}
	if count >= p.maxOrdersPerHour {
		return false, map[string]string{
			"count": fmt.Sprintf("%d", count),
			"max":   fmt.Sprintf("%d", p.maxOrdersPerHour),
		}, nil
	}
	return true, nil, nil
}

func (p *Pipeline) checkTurnover5m(ctx context.Context, req *Request) (bool, map[string]string, error) {
	if !p.maxTurnover5m.IsPositive() {
		return true, nil, nil
	}
	notional, err := p.trades.NotionalSince(ctx, req.Symbol, req.NowMs-(5*time.Minute).Milliseconds())
	if err != nil {
		return true, nil, err
	}
	if notional.GreaterThanOrEqual(p.maxTurnover5m) {
		return false, map[string]string{
			"notional": notional.String(),
			"max":      p.maxTurnover5m.String(),
		}, nil
	}
	return true, nil, nil
}

func (p *Pipeline) report(ctx context.Context, req *Request) (PnLReport, error) {
	trades, err := p.trades.BySymbol(ctx, req.Symbol)
	if err != nil {
		return PnLReport{}, err
	}
	return ComputeFIFO(trades, UTCDayStartMs(req.NowMs)), nil
}

func (p *Pipeline) checkLossStreak(ctx context.Context, req *Request) (bool, map[string]string, error) {
	if p.maxLossStreak <= 0 {
		return true, nil, nil
	}
	report, err := p.report(ctx, req)
	if err != nil {
		return true, nil, err
	}
	if report.LossStreak >= p.maxLossStreak {
		return false, map[string]string{
			"streak": fmt.Sprintf("%d", report.LossStreak),
			"max":    fmt.Sprintf("%d", p.maxLossStreak),
		}, nil
	}
	return true, nil, nil
}

func (p *Pipeline) checkDrawdown(ctx context.Context, req *Request) (bool, map[string]string, error) {
	if !p.maxDrawdownPct.IsPositive() {
		return true, nil, nil
	}
	report, err := p.report(ctx, req)
	if err != nil {
		return true, nil, err
	}
	if report.DrawdownPct.GreaterThanOrEqual(p.maxDrawdownPct) {
		return false, map[string]string{
			"drawdown": report.DrawdownPct.String(),
			"max":      p.maxDrawdownPct.String(),
		}, nil
	}
	return true, nil, nil
}

func (p *Pipeline) checkDailyLoss(ctx context.Context, req *Request) (bool, map[string]string, error) {
	if !p.dailyLossLimit.IsPositive() {
		return true, nil, nil
	}
	report, err := p.report(ctx, req)
	if err != nil {
		return true, nil, err
	}
	if report.RealizedToday.LessThanOrEqual(p.dailyLossLimit.Neg()) {
		return false, map[string]string{
			"realized_today": report.RealizedToday.String(),
			"limit":          p.dailyLossLimit.Neg().String(),
		}, nil
	}
	return true, nil, nil
}

func (p *Pipeline) checkAntiCorrelation(ctx context.Context, req *Request) (bool, map[string]string, error) {
	if req.Side != core.SideBuy || len(p.correlated) == 0 {
		return true, nil, nil
	}
	for _, other := range p.correlated[req.Symbol] {
		pos, err := p.positions.Get(ctx, other)
		if err != nil {
			return true, nil, err
		}
		if pos.IsOpen() {
			return false, map[string]string{"open_correlated": other}, nil
		}
	}
	return true, nil, nil
}

func parseHours(s string) (*hoursWindow, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid trading_hours_utc %q, want HH:MM-HH:MM", s)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return nil, err
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return nil, err
	}
	return &hoursWindow{startMin: start, endMin: end}, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock value %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock value %q out of range", s)
	}
	return h*60 + m, nil
}

func parseDays(s string) (map[time.Weekday]bool, error) {
	byName := map[string]time.Weekday{
		"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
		"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
	}
	out := make(map[time.Weekday]bool)
	for _, part := range strings.Split(s, ",") {
		key := strings.ToLower(strings.TrimSpace(part))
		if len(key) > 3 {
			key = key[:3]
		}
		day, ok := byName[key]
		if !ok {
			return nil, fmt.Errorf("unknown trading day %q", part)
		}
		out[day] = true
	}
	return out, nil
}

// parseCorrelationGroups reads "A|B;C|D" into per-symbol peer lists.
func parseCorrelationGroups(s string) map[string][]string {
	out := make(map[string][]string)
	for _, group := range strings.Split(s, ";") {
		var members []string
		for _, m := range strings.Split(group, "|") {
			if sym, err := core.CanonicalSymbol(strings.TrimSpace(m)); err == nil {
				members = append(members, sym)
			}
		}
		for _, m := range members {
			for _, other := range members {
				if other != m {
					out[m] = append(out[m], other)
				}
			}
		}
	}
	return out
}
