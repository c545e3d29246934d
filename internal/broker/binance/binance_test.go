package binance

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"trade_engine/internal/core"
	"trade_engine/internal/logging"
	"trade_engine/internal/telemetry"
	"trade_engine/pkg/apperrors"

	binanceapi "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesHTTPTimeout(t *testing.T) {
	a := New(Config{HTTPTimeout: 3 * time.Second}, logging.NewNop(), telemetry.NewTestMetrics())
	require.NotNil(t, a.client.HTTPClient)
	assert.Equal(t, 3*time.Second, a.client.HTTPClient.Timeout)
	assert.NotSame(t, http.DefaultClient, a.client.HTTPClient)

	// The zero value still carries a timeout, hung reads must not outlive
	// the stop grace deadline.
	a = New(Config{}, logging.NewNop(), telemetry.NewTestMetrics())
	assert.Equal(t, 10*time.Second, a.client.HTTPClient.Timeout)
}

func TestExchangeSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", exchangeSymbol("BTC/USDT"))
	assert.Equal(t, "ETHUSDT", exchangeSymbol("ETH-USDT"))
	assert.Equal(t, "SOLUSDT", exchangeSymbol("SOL_USDT"))
}

func TestMapAPIError(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"network", errors.New("connection reset"), apperrors.ErrTransient},
		{"lot size", &common.APIError{Code: -1013, Message: "Filter failure: LOT_SIZE"}, apperrors.ErrMinAmount},
		{"notional", &common.APIError{Code: -1013, Message: "Filter failure: NOTIONAL"}, apperrors.ErrMinNotional},
		{"insufficient", &common.APIError{Code: -2010, Message: "Account has insufficient balance for requested action."}, apperrors.ErrInsufficientFunds},
		{"duplicate", &common.APIError{Code: -2010, Message: "Duplicate order sent."}, apperrors.ErrDuplicateOrder},
		{"not found", &common.APIError{Code: -2013, Message: "Order does not exist."}, apperrors.ErrOrderNotFound},
		{"bad symbol", &common.APIError{Code: -1121, Message: "Invalid symbol."}, apperrors.ErrInvalidSymbol},
		{"rate limit", &common.APIError{Code: -1003, Message: "Too many requests."}, apperrors.ErrTransient},
		{"time drift", &common.APIError{Code: -1021, Message: "Timestamp outside recvWindow."}, apperrors.ErrTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapAPIError(tc.in)
			if tc.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tc.want)
		})
	}
}

func TestFromCreateResponse(t *testing.T) {
	res := &binanceapi.CreateOrderResponse{
		OrderID:                  12345,
		ClientOrderID:            "oid-1",
		Side:                     binanceapi.SideTypeBuy,
		Status:                   binanceapi.OrderStatusTypeFilled,
		ExecutedQuantity:         "0.002",
		CummulativeQuoteQuantity: "100",
		TransactTime:             1700000000000,
		Fills: []*binanceapi.Fill{
			// Buy commissions arrive in the base asset.
			{Price: "50000", Quantity: "0.002", Commission: "0.000002", CommissionAsset: "BTC"},
		},
	}
	o, err := fromCreateResponse("BTC/USDT", res)
	require.NoError(t, err)
	assert.Equal(t, "12345", o.ID)
	assert.Equal(t, "oid-1", o.ClientOrderID)
	assert.Equal(t, core.SideBuy, o.Side)
	assert.Equal(t, core.OrderStatusClosed, o.Status)
	assert.True(t, o.Price.Equal(decimal.RequireFromString("50000")))
	assert.True(t, o.FeeQuote.Equal(decimal.RequireFromString("0.1")))
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, core.OrderStatusOpen, statusFrom(binanceapi.OrderStatusTypeNew))
	assert.Equal(t, core.OrderStatusOpen, statusFrom(binanceapi.OrderStatusTypePartiallyFilled))
	assert.Equal(t, core.OrderStatusClosed, statusFrom(binanceapi.OrderStatusTypeFilled))
	assert.Equal(t, core.OrderStatusCanceled, statusFrom(binanceapi.OrderStatusTypeCanceled))
	assert.Equal(t, core.OrderStatusCanceled, statusFrom(binanceapi.OrderStatusTypeExpired))
}
