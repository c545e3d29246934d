// Package strategy holds the pure decision functions. A strategy never
// touches the broker or storage; it maps one market snapshot to an action
// with a confidence score in [-1, 1].
package strategy

import (
	"trade_engine/internal/core"

	"github.com/shopspring/decimal"
)

// SMAMomentum signals on the fast/slow moving-average spread of candle
// closes. Positive spread leans buy, negative leans sell; the score is the
// spread as a fraction of the slow average, clamped to [-1, 1].
type SMAMomentum struct {
	FastPeriod int
	SlowPeriod int
	// Threshold is the minimum |spread|/slow before acting.
	Threshold decimal.Decimal
}

func NewSMAMomentum(fast, slow int, threshold decimal.Decimal) *SMAMomentum {
	if fast <= 0 {
		fast = 7
	}
	if slow <= fast {
		slow = fast * 3
	}
	return &SMAMomentum{FastPeriod: fast, SlowPeriod: slow, Threshold: threshold}
}

func (s *SMAMomentum) Name() string { return "sma_momentum" }

func (s *SMAMomentum) Generate(sctx *core.StrategyContext) core.Decision {
	if len(sctx.Candles) < s.SlowPeriod {
		return core.Decision{Action: core.ActionHold, Meta: map[string]string{"reason": "warming_up"}}
	}

	fast := smaClose(sctx.Candles, s.FastPeriod)
	slow := smaClose(sctx.Candles, s.SlowPeriod)
	if slow.IsZero() {
		return core.Decision{Action: core.ActionHold, Meta: map[string]string{"reason": "no_price"}}
	}

	spread := fast.Sub(slow).Div(slow)
	score := clampScore(spread.Mul(decimal.NewFromInt(100)))

	holding := sctx.Position != nil && sctx.Position.IsOpen()
	switch {
	case spread.GreaterThanOrEqual(s.Threshold) && !holding:
		return core.Decision{Action: core.ActionBuy, Score: score, Meta: map[string]string{"spread": spread.String()}}
	case spread.LessThanOrEqual(s.Threshold.Neg()) && holding:
		return core.Decision{Action: core.ActionSell, Score: score, Meta: map[string]string{"spread": spread.String()}}
	default:
		return core.Decision{Action: core.ActionHold, Score: score}
	}
}

func smaClose(candles []core.Candle, period int) decimal.Decimal {
	if period <= 0 || len(candles) < period {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, c := range candles[len(candles)-period:] {
		sum = sum.Add(c.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

func clampScore(v decimal.Decimal) float64 {
	f, _ := v.Float64()
	if f > 1 {
		return 1
	}
	if f < -1 {
		return -1
	}
	return f
}
