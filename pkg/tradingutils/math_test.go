package tradingutils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFloorToStep(t *testing.T) {
	assert.True(t, d("0.00123").Equal(FloorToStep(d("0.001239"), d("0.00001"))))
	assert.True(t, d("5").Equal(FloorToStep(d("5.999"), d("1"))))
	// Zero step means no quantization.
	assert.True(t, d("5.999").Equal(FloorToStep(d("5.999"), decimal.Zero)))
	// Never rounds up.
	assert.True(t, FloorToStep(d("0.0009"), d("0.001")).IsZero())
}

func TestBpsOf(t *testing.T) {
	assert.True(t, d("0.1").Equal(BpsOf(d("100"), d("10"))))
	assert.True(t, BpsOf(d("100"), decimal.Zero).IsZero())
}

func TestSpreadFraction(t *testing.T) {
	// (101-99)/100 = 2%
	assert.True(t, d("0.02").Equal(SpreadFraction(d("99"), d("101"))))
	assert.True(t, SpreadFraction(decimal.Zero, d("101")).IsZero())
}

func TestNetProfit(t *testing.T) {
	// buy 100, sell 110, 0.1% each leg: 10 - 0.1 - 0.11 = 9.79
	got := NetProfit(d("100"), d("110"), d("0.001"), d("0.001"))
	assert.True(t, d("9.79").Equal(got), got.String())
}
