package tradingutils

import (
	"github.com/shopspring/decimal"
)

// FloorToStep floors v down to a multiple of step. A zero step returns v
// unchanged. Exchanges reject quantities that are not step-aligned, so
// rounding must never go up.
func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// BpsOf returns the basis-point fraction of v: BpsOf(100, 10) = 0.1.
func BpsOf(v, bps decimal.Decimal) decimal.Decimal {
	return v.Mul(bps).Div(decimal.NewFromInt(10000))
}

// SpreadFraction returns (ask-bid)/mid, or zero when the book is empty.
func SpreadFraction(bid, ask decimal.Decimal) decimal.Decimal {
	if !bid.IsPositive() || !ask.IsPositive() {
		return decimal.Zero
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return decimal.Zero
	}
	return ask.Sub(bid).Div(mid)
}

// NetProfit computes profit on a round trip after fees on both legs.
func NetProfit(buyPrice, sellPrice, buyFeeRate, sellFeeRate decimal.Decimal) decimal.Decimal {
	grossProfit := sellPrice.Sub(buyPrice)
	buyFee := buyPrice.Mul(buyFeeRate)
	sellFee := sellPrice.Mul(sellFeeRate)
	return grossProfit.Sub(buyFee).Sub(sellFee)
}
