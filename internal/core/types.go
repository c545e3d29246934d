// Package core defines the domain types and ports of the trading engine.
package core

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Mode selects the broker backend at startup.
type Mode string

const (
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
	ModeBacktest Mode = "backtest"
)

// Side is the order direction. The engine is strictly long-only: sells
// never exceed the locally recorded position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the order kind. Only market orders are produced by the core.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is the broker-reported lifecycle state.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusCanceled OrderStatus = "canceled"
)

// Action is a strategy decision.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// CanonicalSymbol normalizes a symbol to the BASE/QUOTE uppercase form.
// Accepted spellings: BASE/QUOTE, BASE-QUOTE, BASE_QUOTE.
func CanonicalSymbol(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.Split(s, sep); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return parts[0] + "/" + parts[1], nil
		}
	}
	return "", fmt.Errorf("symbol %q is not in BASE/QUOTE form", s)
}

// SplitSymbol returns the base and quote assets of a canonical symbol.
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("symbol %q is not canonical", symbol)
	}
	return parts[0], parts[1], nil
}

// Ticker is a market snapshot.
type Ticker struct {
	Symbol string
	Last   decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	TsMs   int64
}

// Spread returns (ask-bid)/mid, or zero when the book is empty.
func (t *Ticker) Spread() decimal.Decimal {
	mid := t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return decimal.Zero
	}
	return t.Ask.Sub(t.Bid).Div(mid)
}

// Candle is a single OHLCV bar.
type Candle struct {
	Symbol string
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
	TsMs   int64
}

// Balance reports free funds for one symbol's base and quote assets.
type Balance struct {
	FreeBase  decimal.Decimal
	FreeQuote decimal.Decimal
}

// Order is the broker's view of one order. ClientOrderID is caller-assigned
// and globally unique; brokers must echo it unchanged.
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Amount        decimal.Decimal // base
	Price         decimal.Decimal // limit price, or fill average
	Filled        decimal.Decimal // base
	Cost          decimal.Decimal // quote
	FeeQuote      decimal.Decimal
	Status        OrderStatus
	TsMs          int64
}

// Trade is a persisted fill record, one row per executed order.
type Trade struct {
	RowID         int64
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Amount        decimal.Decimal
	Price         decimal.Decimal
	Filled        decimal.Decimal
	Cost          decimal.Decimal
	FeeQuote      decimal.Decimal
	Status        OrderStatus
	TsMs          int64
}

// Position is the long-only projection of a symbol's trades.
// Invariant: BaseQty = 0 implies AvgEntryPrice = 0.
type Position struct {
	Symbol             string
	BaseQty            decimal.Decimal
	AvgEntryPrice      decimal.Decimal
	MaxPriceSinceEntry decimal.Decimal
	Version            int64
}

// IsOpen reports whether any base quantity is held.
func (p *Position) IsOpen() bool {
	return p != nil && p.BaseQty.IsPositive()
}

// Decision is a strategy output.
type Decision struct {
	Action Action
	Score  float64
	Meta   map[string]string
}

// AuditEntry is an append-only audit record. The engine never deletes.
type AuditEntry struct {
	TsMs    int64
	Kind    string
	Payload string // JSON
}

// IdempotencyState tracks the claim/commit protocol.
type IdempotencyState string

const (
	IdempotencyClaimed   IdempotencyState = "claimed"
	IdempotencyCommitted IdempotencyState = "committed"
)

// Event is a bus message. Events with the same Key are delivered in publish
// order; events without a key honor only priority order.
type Event struct {
	Topic   string
	Key     string
	TsMs    int64
	Payload map[string]any
}

// Event topics visible to external subscribers.
const (
	TopicOrderExecuted      = "order.executed"
	TopicOrderFailed        = "order.failed"
	TopicTradeCompleted     = "trade.completed"
	TopicTradeBlocked       = "trade.blocked"
	TopicRiskBlocked        = "risk.blocked"
	TopicBudgetExceeded     = "budget.exceeded"
	TopicReconcileCompleted = "reconciliation.completed"
	TopicPositionMismatch   = "reconcile.position.mismatch"
	TopicWatchdogHeartbeat  = "watchdog.heartbeat"
	TopicHealthReport       = "health.report"
	TopicAutoPaused         = "orch.auto.paused"
	TopicAutoResumed        = "orch.auto.resumed"
	TopicDMSTriggered       = "dms.triggered"
	TopicProtectiveExit     = "protective_exit.triggered"
	TopicDLQ                = "__dlq__"
)

// ComponentHealth is the health-check result consumed by the watchdog.
type ComponentHealth struct {
	DBOK     bool
	BrokerOK bool
	BusOK    bool
}

// OK reports whether every component is healthy.
func (h ComponentHealth) OK() bool {
	return h.DBOK && h.BrokerOK && h.BusOK
}

// SymbolStatus is the per-symbol slice of the health summary.
type SymbolStatus struct {
	Running    bool
	Paused     bool
	LastTickMs int64
}

// HealthSummary is the engine-wide health view exposed to adapters.
type HealthSummary struct {
	OK         bool
	Components map[string]bool
	PerSymbol  map[string]SymbolStatus
}
