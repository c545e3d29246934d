// Package paper is the in-memory broker simulator. It fills market orders
// immediately against a price source, keeps an asset ledger, and charges a
// quote-denominated fee, so paper and live runs exercise the same code paths
// above the broker port.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trade_engine/internal/core"
	"trade_engine/pkg/apperrors"
	"trade_engine/pkg/tradingutils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PriceSource supplies quotes for fills. The live market data feed satisfies
// this in paper mode; tests use a stub.
type PriceSource interface {
	Ticker(ctx context.Context, symbol string) (*core.Ticker, error)
}

// Config sets the simulator's initial ledger and market rules.
type Config struct {
	InitialQuote decimal.Decimal // starting balance per quote asset
	FeeBps       decimal.Decimal // taker fee in basis points of notional
	MinNotional  decimal.Decimal // minimum quote value per order
	MinBase      decimal.Decimal // minimum base quantity per sell
}

// Broker implements core.IBroker against an in-memory ledger.
type Broker struct {
	cfg    Config
	prices PriceSource
	logger core.ILogger

	mu       sync.Mutex
	balances map[string]decimal.Decimal // asset -> free quantity
	orders   map[string]*core.Order     // broker order id
	byClient map[string]*core.Order     // client order id
}

// New builds a paper broker. Every quote asset seen in symbols is seeded
// with cfg.InitialQuote.
func New(cfg Config, symbols []string, prices PriceSource, logger core.ILogger) *Broker {
	b := &Broker{
		cfg:      cfg,
		prices:   prices,
		logger:   logger.WithField("component", "broker").WithField("broker", "paper"),
		balances: make(map[string]decimal.Decimal),
		orders:   make(map[string]*core.Order),
		byClient: make(map[string]*core.Order),
	}
	for _, sym := range symbols {
		_, quote, err := core.SplitSymbol(sym)
		if err != nil {
			continue
		}
		b.balances[quote] = cfg.InitialQuote
	}
	return b
}

func (b *Broker) Name() string { return "paper" }

func (b *Broker) CheckHealth(ctx context.Context) error {
	return ctx.Err()
}

// SetBalance overrides an asset balance. Test and bootstrap hook.
func (b *Broker) SetBalance(asset string, qty decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[asset] = qty
}

func (b *Broker) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	return b.prices.Ticker(ctx, symbol)
}

func (b *Broker) FetchBalance(ctx context.Context, symbol string) (*core.Balance, error) {
	base, quote, err := core.SplitSymbol(symbol)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return &core.Balance{FreeBase: b.balances[base], FreeQuote: b.balances[quote]}, nil
}

func (b *Broker) FetchOrder(ctx context.Context, symbol, brokerOrderID string) (*core.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, brokerOrderID)
	}
	cp := *o
	return &cp, nil
}

// FetchOpenOrders always returns empty: market orders fill synchronously.
func (b *Broker) FetchOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	return nil, nil
}

func (b *Broker) CreateMarketBuyQuote(ctx context.Context, symbol string, quoteAmount decimal.Decimal, clientOrderID string) (*core.Order, error) {
	if quoteAmount.LessThan(b.cfg.MinNotional) {
		return nil, fmt.Errorf("%w: %s below %s", apperrors.ErrMinNotional, quoteAmount, b.cfg.MinNotional)
	}
	tk, err := b.prices.Ticker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	price := tk.Ask
	if price.IsZero() {
		price = tk.Last
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: no price for %s", apperrors.ErrNoData, symbol)
	}

	base, quote, err := core.SplitSymbol(symbol)
	if err != nil {
		return nil, err
	}
	fee := tradingutils.BpsOf(quoteAmount, b.cfg.FeeBps)
	filled := quoteAmount.Div(price)

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.byClient[clientOrderID]; ok && clientOrderID != "" {
		cp := *existing
		return &cp, nil
	}
	total := quoteAmount.Add(fee)
	if b.balances[quote].LessThan(total) {
		return nil, fmt.Errorf("%w: need %s %s, have %s", apperrors.ErrInsufficientFunds, total, quote, b.balances[quote])
	}
	b.balances[quote] = b.balances[quote].Sub(total)
	b.balances[base] = b.balances[base].Add(filled)

	o := b.record(symbol, core.SideBuy, filled, price, quoteAmount, fee, clientOrderID)
	b.logger.Debug("paper buy filled", "symbol", symbol, "filled", filled, "price", price)
	return o, nil
}

func (b *Broker) CreateMarketSellBase(ctx context.Context, symbol string, baseAmount decimal.Decimal, clientOrderID string) (*core.Order, error) {
	if baseAmount.LessThan(b.cfg.MinBase) {
		return nil, fmt.Errorf("%w: %s below %s", apperrors.ErrMinAmount, baseAmount, b.cfg.MinBase)
	}
	tk, err := b.prices.Ticker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	price := tk.Bid
	if price.IsZero() {
		price = tk.Last
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: no price for %s", apperrors.ErrNoData, symbol)
	}
	cost := baseAmount.Mul(price)
	if cost.LessThan(b.cfg.MinNotional) {
		return nil, fmt.Errorf("%w: %s below %s", apperrors.ErrMinNotional, cost, b.cfg.MinNotional)
	}

	base, quote, err := core.SplitSymbol(symbol)
	if err != nil {
		return nil, err
	}
	fee := tradingutils.BpsOf(cost, b.cfg.FeeBps)

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.byClient[clientOrderID]; ok && clientOrderID != "" {
		cp := *existing
		return &cp, nil
	}
	if b.balances[base].LessThan(baseAmount) {
		return nil, fmt.Errorf("%w: need %s %s, have %s", apperrors.ErrInsufficientFunds, baseAmount, base, b.balances[base])
	}
	b.balances[base] = b.balances[base].Sub(baseAmount)
	b.balances[quote] = b.balances[quote].Add(cost.Sub(fee))

	o := b.record(symbol, core.SideSell, baseAmount, price, cost, fee, clientOrderID)
	b.logger.Debug("paper sell filled", "symbol", symbol, "filled", baseAmount, "price", price)
	return o, nil
}

// record stores the fill. Caller holds b.mu.
func (b *Broker) record(symbol string, side core.Side, filled, price, cost, fee decimal.Decimal, clientOrderID string) *core.Order {
	o := &core.Order{
		ID:            uuid.NewString(),
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Type:          core.OrderTypeMarket,
		Amount:        filled,
		Price:         price,
		Filled:        filled,
		Cost:          cost,
		FeeQuote:      fee,
		Status:        core.OrderStatusClosed,
		TsMs:          time.Now().UnixMilli(),
	}
	b.orders[o.ID] = o
	if clientOrderID != "" {
		b.byClient[clientOrderID] = o
	}
	cp := *o
	return &cp
}
