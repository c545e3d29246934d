// Package risk implements the ordered pre-trade rule chain and the FIFO
// realized-PnL accounting the loss rules read.
package risk

import (
	"time"

	"trade_engine/internal/core"

	"github.com/shopspring/decimal"
)

// lot is one open buy parcel. Unit cost folds the buy fee in.
type lot struct {
	qtyRemaining decimal.Decimal
	unitCost     decimal.Decimal
}

// realization is one sell's realized PnL contribution.
type realization struct {
	tsMs int64
	pnl  decimal.Decimal
}

// PnLReport summarizes FIFO-realized results for one symbol.
type PnLReport struct {
	RealizedToday decimal.Decimal
	// LossStreak counts consecutive realized-loss sells ending at the most
	// recent sell.
	LossStreak int
	// DrawdownPct is today's peak-to-current drawdown on the equity curve
	// built from cumulative realized PnL, zero when the peak never went
	// positive.
	DrawdownPct decimal.Decimal
}

// UTCDayStartMs returns the start of the UTC day containing nowMs.
func UTCDayStartMs(nowMs int64) int64 {
	t := time.UnixMilli(nowMs).UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.UnixMilli()
}

// ComputeFIFO replays the full trade history in order, matching sells
// against buy lots strictly first-in-first-out. Trades must be sorted oldest
// first. Sell quantity beyond the open lots is ignored, the engine is
// long-only so it can only appear after external interference.
func ComputeFIFO(trades []*core.Trade, dayStartMs int64) PnLReport {
	var lots []lot
	var sells []realization

	for _, t := range trades {
		if !t.Filled.IsPositive() {
			continue
		}
		switch t.Side {
		case core.SideBuy:
			unitCost := t.Cost.Add(t.FeeQuote).Div(t.Filled)
			lots = append(lots, lot{qtyRemaining: t.Filled, unitCost: unitCost})
		case core.SideSell:
			price := t.Price
			if price.IsZero() {
				price = t.Cost.Div(t.Filled)
			}
			remaining := t.Filled
			pnl := t.FeeQuote.Neg()
			matched := false
			for len(lots) > 0 && remaining.IsPositive() {
				l := &lots[0]
				take := decimal.Min(l.qtyRemaining, remaining)
				pnl = pnl.Add(take.Mul(price.Sub(l.unitCost)))
				l.qtyRemaining = l.qtyRemaining.Sub(take)
				remaining = remaining.Sub(take)
				matched = true
				if l.qtyRemaining.IsZero() {
					lots = lots[1:]
				}
			}
			if matched {
				sells = append(sells, realization{tsMs: t.TsMs, pnl: pnl})
			}
		}
	}

	report := PnLReport{RealizedToday: decimal.Zero, DrawdownPct: decimal.Zero}

	for i := len(sells) - 1; i >= 0; i-- {
		if sells[i].pnl.IsNegative() {
			report.LossStreak++
			continue
		}
		break
	}

	equity := decimal.Zero
	peak := decimal.Zero
	for _, s := range sells {
		if s.tsMs < dayStartMs {
			continue
		}
		report.RealizedToday = report.RealizedToday.Add(s.pnl)
		equity = equity.Add(s.pnl)
		if equity.GreaterThan(peak) {
			peak = equity
		}
	}
	if peak.IsPositive() {
		report.DrawdownPct = peak.Sub(equity).Div(peak)
	}
	return report
}
