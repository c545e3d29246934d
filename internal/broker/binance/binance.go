// Package binance adapts the Binance spot REST API to the broker port.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"trade_engine/internal/core"
	"trade_engine/internal/telemetry"
	"trade_engine/pkg/apperrors"
	"trade_engine/pkg/tradingutils"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Config holds adapter settings. Credentials come through the config layer's
// secret handling and are never logged.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	// HTTPTimeout bounds every REST call so loop cancellation and the stop
	// grace deadline hold even when the exchange hangs.
	HTTPTimeout time.Duration
	OrderRate   rate.Limit // order placements per second
	OrderBurst  int
}

// marketRules caches the exchange filters that gate an order.
type marketRules struct {
	stepSize    decimal.Decimal
	minQty      decimal.Decimal
	minNotional decimal.Decimal
}

// Adapter implements core.IBroker against Binance spot.
type Adapter struct {
	client  *binance.Client
	logger  core.ILogger
	metrics *telemetry.Metrics

	orderLimiter *rate.Limiter
	readRetry    retrypolicy.RetryPolicy[any]

	rulesMu sync.RWMutex
	rules   map[string]marketRules
}

// New builds the adapter. Read calls retry on transient failures; order
// placement never retries here, the idempotent executor above owns that.
func New(cfg Config, logger core.ILogger, metrics *telemetry.Metrics) *Adapter {
	if cfg.Testnet {
		binance.UseTestnet = true
	}
	if cfg.OrderRate == 0 {
		cfg.OrderRate = 5
	}
	if cfg.OrderBurst == 0 {
		cfg.OrderBurst = 5
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	retry := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return apperrors.IsTransient(err) }).
		WithBackoff(500*time.Millisecond, 5*time.Second).
		WithMaxRetries(3).
		Build()

	client := binance.NewClient(cfg.APIKey, cfg.APISecret)
	// NewClient hands out http.DefaultClient; never set a timeout on that.
	client.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout}

	return &Adapter{
		client:       client,
		logger:       logger.WithField("component", "broker").WithField("broker", "binance"),
		metrics:      metrics,
		orderLimiter: rate.NewLimiter(cfg.OrderRate, cfg.OrderBurst),
		readRetry:    retry,
		rules:        make(map[string]marketRules),
	}
}

func (a *Adapter) Name() string { return "binance" }

// exchangeSymbol strips the separator: BTC/USDT -> BTCUSDT.
func exchangeSymbol(symbol string) string {
	return strings.NewReplacer("/", "", "-", "", "_", "").Replace(symbol)
}

func (a *Adapter) observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	a.metrics.BrokerCalls.WithLabelValues(op, outcome).Inc()
	a.metrics.BrokerMs.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

// withRetry wraps read-path calls with the transient retry policy.
func (a *Adapter) withRetry(ctx context.Context, fn func() error) error {
	return failsafe.With[any](a.readRetry).WithContext(ctx).Run(func() error {
		return fn()
	})
}

func (a *Adapter) CheckHealth(ctx context.Context) error {
	start := time.Now()
	_, err := a.client.NewServerTimeService().Do(ctx)
	err = mapAPIError(err)
	a.observe("server_time", start, err)
	return err
}

// ServerTimeDriftMs returns local-minus-server clock drift. The risk
// pipeline refuses to trade when drift is excessive.
func (a *Adapter) ServerTimeDriftMs(ctx context.Context) (int64, error) {
	serverMs, err := a.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return 0, mapAPIError(err)
	}
	return time.Now().UnixMilli() - serverMs, nil
}

func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	start := time.Now()
	var out *core.Ticker
	err := a.withRetry(ctx, func() error {
		books, err := a.client.NewListBookTickersService().Symbol(exchangeSymbol(symbol)).Do(ctx)
		if err != nil {
			return mapAPIError(err)
		}
		if len(books) == 0 {
			return fmt.Errorf("%w: no book ticker for %s", apperrors.ErrNoData, symbol)
		}
		bid, err := decimal.NewFromString(books[0].BidPrice)
		if err != nil {
			return fmt.Errorf("bad bid price %q: %w", books[0].BidPrice, err)
		}
		ask, err := decimal.NewFromString(books[0].AskPrice)
		if err != nil {
			return fmt.Errorf("bad ask price %q: %w", books[0].AskPrice, err)
		}
		out = &core.Ticker{
			Symbol: symbol,
			Bid:    bid,
			Ask:    ask,
			Last:   bid.Add(ask).Div(decimal.NewFromInt(2)),
			TsMs:   time.Now().UnixMilli(),
		}
		return nil
	})
	a.observe("fetch_ticker", start, err)
	return out, err
}

func (a *Adapter) FetchBalance(ctx context.Context, symbol string) (*core.Balance, error) {
	base, quote, err := core.SplitSymbol(symbol)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	var out *core.Balance
	err = a.withRetry(ctx, func() error {
		acct, err := a.client.NewGetAccountService().Do(ctx)
		if err != nil {
			return mapAPIError(err)
		}
		out = &core.Balance{FreeBase: decimal.Zero, FreeQuote: decimal.Zero}
		for _, b := range acct.Balances {
			free, err := decimal.NewFromString(b.Free)
			if err != nil {
				continue
			}
			switch b.Asset {
			case base:
				out.FreeBase = free
			case quote:
				out.FreeQuote = free
			}
		}
		return nil
	})
	a.observe("fetch_balance", start, err)
	return out, err
}

func (a *Adapter) FetchOrder(ctx context.Context, symbol, brokerOrderID string) (*core.Order, error) {
	start := time.Now()
	var out *core.Order
	err := a.withRetry(ctx, func() error {
		svc := a.client.NewGetOrderService().Symbol(exchangeSymbol(symbol))
		var id int64
		if _, err := fmt.Sscanf(brokerOrderID, "%d", &id); err == nil && id > 0 {
			svc = svc.OrderID(id)
		} else {
			svc = svc.OrigClientOrderID(brokerOrderID)
		}
		o, err := svc.Do(ctx)
		if err != nil {
			return mapAPIError(err)
		}
		out, err = fromOrder(symbol, o)
		return err
	})
	a.observe("fetch_order", start, err)
	return out, err
}

func (a *Adapter) FetchOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	start := time.Now()
	var out []*core.Order
	err := a.withRetry(ctx, func() error {
		orders, err := a.client.NewListOpenOrdersService().Symbol(exchangeSymbol(symbol)).Do(ctx)
		if err != nil {
			return mapAPIError(err)
		}
		out = out[:0]
		for _, o := range orders {
			co, err := fromOrder(symbol, o)
			if err != nil {
				return err
			}
			out = append(out, co)
		}
		return nil
	})
	a.observe("fetch_open_orders", start, err)
	return out, err
}

func (a *Adapter) CreateMarketBuyQuote(ctx context.Context, symbol string, quoteAmount decimal.Decimal, clientOrderID string) (*core.Order, error) {
	rules, err := a.marketRules(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if quoteAmount.LessThan(rules.minNotional) {
		return nil, fmt.Errorf("%w: %s below %s", apperrors.ErrMinNotional, quoteAmount, rules.minNotional)
	}
	if err := a.orderLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := a.client.NewCreateOrderService().
		Symbol(exchangeSymbol(symbol)).
		Side(binance.SideTypeBuy).
		Type(binance.OrderTypeMarket).
		QuoteOrderQty(quoteAmount.String()).
		NewClientOrderID(clientOrderID).
		Do(ctx)
	err = mapAPIError(err)
	a.observe("create_buy", start, err)
	if errors.Is(err, apperrors.ErrDuplicateOrder) {
		return a.FetchOrder(ctx, symbol, clientOrderID)
	}
	if err != nil {
		return nil, err
	}
	return fromCreateResponse(symbol, res)
}

func (a *Adapter) CreateMarketSellBase(ctx context.Context, symbol string, baseAmount decimal.Decimal, clientOrderID string) (*core.Order, error) {
	rules, err := a.marketRules(ctx, symbol)
	if err != nil {
		return nil, err
	}
	qty := tradingutils.FloorToStep(baseAmount, rules.stepSize)
	if qty.LessThan(rules.minQty) || qty.IsZero() {
		return nil, fmt.Errorf("%w: %s below lot minimum %s", apperrors.ErrMinAmount, baseAmount, rules.minQty)
	}
	if err := a.orderLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := a.client.NewCreateOrderService().
		Symbol(exchangeSymbol(symbol)).
		Side(binance.SideTypeSell).
		Type(binance.OrderTypeMarket).
		Quantity(qty.String()).
		NewClientOrderID(clientOrderID).
		Do(ctx)
	err = mapAPIError(err)
	a.observe("create_sell", start, err)
	if errors.Is(err, apperrors.ErrDuplicateOrder) {
		return a.FetchOrder(ctx, symbol, clientOrderID)
	}
	if err != nil {
		return nil, err
	}
	return fromCreateResponse(symbol, res)
}

// marketRules loads and caches the symbol's exchange filters.
func (a *Adapter) marketRules(ctx context.Context, symbol string) (marketRules, error) {
	a.rulesMu.RLock()
	r, ok := a.rules[symbol]
	a.rulesMu.RUnlock()
	if ok {
		return r, nil
	}

	start := time.Now()
	var loaded marketRules
	err := a.withRetry(ctx, func() error {
		info, err := a.client.NewExchangeInfoService().Symbols(exchangeSymbol(symbol)).Do(ctx)
		if err != nil {
			return mapAPIError(err)
		}
		for _, s := range info.Symbols {
			if s.Symbol != exchangeSymbol(symbol) {
				continue
			}
			if lot := s.LotSizeFilter(); lot != nil {
				if loaded.stepSize, err = decimal.NewFromString(lot.StepSize); err != nil {
					return fmt.Errorf("bad step size: %w", err)
				}
				if loaded.minQty, err = decimal.NewFromString(lot.MinQuantity); err != nil {
					return fmt.Errorf("bad min quantity: %w", err)
				}
			}
			// MIN_NOTIONAL was renamed NOTIONAL; accept either.
			for _, f := range s.Filters {
				ft, _ := f["filterType"].(string)
				if ft != "MIN_NOTIONAL" && ft != "NOTIONAL" {
					continue
				}
				if raw, ok := f["minNotional"].(string); ok {
					if loaded.minNotional, err = decimal.NewFromString(raw); err != nil {
						return fmt.Errorf("bad min notional: %w", err)
					}
				}
			}
			return nil
		}
		return fmt.Errorf("%w: %s not listed", apperrors.ErrInvalidSymbol, symbol)
	})
	a.observe("exchange_info", start, err)
	if err != nil {
		return marketRules{}, err
	}

	a.rulesMu.Lock()
	a.rules[symbol] = loaded
	a.rulesMu.Unlock()
	return loaded, nil
}

func fromCreateResponse(symbol string, res *binance.CreateOrderResponse) (*core.Order, error) {
	filled, err := decimal.NewFromString(res.ExecutedQuantity)
	if err != nil {
		return nil, fmt.Errorf("bad executed quantity: %w", err)
	}
	cost, err := decimal.NewFromString(res.CummulativeQuoteQuantity)
	if err != nil {
		return nil, fmt.Errorf("bad quote quantity: %w", err)
	}
	base, _, err := core.SplitSymbol(symbol)
	if err != nil {
		return nil, err
	}

	avg := decimal.Zero
	if filled.IsPositive() {
		avg = cost.Div(filled)
	}
	fee := decimal.Zero
	for _, f := range res.Fills {
		commission, err := decimal.NewFromString(f.Commission)
		if err != nil {
			continue
		}
		if f.CommissionAsset == base {
			// Base-denominated commission, value it at the fill price.
			if px, err := decimal.NewFromString(f.Price); err == nil {
				commission = commission.Mul(px)
			}
		}
		fee = fee.Add(commission)
	}

	return &core.Order{
		ID:            fmt.Sprintf("%d", res.OrderID),
		ClientOrderID: res.ClientOrderID,
		Symbol:        symbol,
		Side:          sideFrom(res.Side),
		Type:          core.OrderTypeMarket,
		Amount:        filled,
		Price:         avg,
		Filled:        filled,
		Cost:          cost,
		FeeQuote:      fee,
		Status:        statusFrom(res.Status),
		TsMs:          res.TransactTime,
	}, nil
}

func fromOrder(symbol string, o *binance.Order) (*core.Order, error) {
	filled, err := decimal.NewFromString(o.ExecutedQuantity)
	if err != nil {
		return nil, fmt.Errorf("bad executed quantity: %w", err)
	}
	amount, err := decimal.NewFromString(o.OrigQuantity)
	if err != nil {
		return nil, fmt.Errorf("bad original quantity: %w", err)
	}
	cost, err := decimal.NewFromString(o.CummulativeQuoteQuantity)
	if err != nil {
		return nil, fmt.Errorf("bad quote quantity: %w", err)
	}
	avg := decimal.Zero
	if filled.IsPositive() {
		avg = cost.Div(filled)
	}
	return &core.Order{
		ID:            fmt.Sprintf("%d", o.OrderID),
		ClientOrderID: o.ClientOrderID,
		Symbol:        symbol,
		Side:          sideFrom(o.Side),
		Type:          core.OrderTypeMarket,
		Amount:        amount,
		Price:         avg,
		Filled:        filled,
		Cost:          cost,
		FeeQuote:      decimal.Zero, // fills are not returned on order reads
		Status:        statusFrom(o.Status),
		TsMs:          o.UpdateTime,
	}, nil
}

func sideFrom(s binance.SideType) core.Side {
	if s == binance.SideTypeSell {
		return core.SideSell
	}
	return core.SideBuy
}

func statusFrom(s binance.OrderStatusType) core.OrderStatus {
	switch s {
	case binance.OrderStatusTypeFilled:
		return core.OrderStatusClosed
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
		return core.OrderStatusCanceled
	default:
		return core.OrderStatusOpen
	}
}

// mapAPIError classifies Binance API errors into the engine's error kinds.
func mapAPIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		// Network-level failures are transient.
		return fmt.Errorf("%w: %v", apperrors.ErrTransient, err)
	}
	msg := strings.ToUpper(apiErr.Message)
	switch apiErr.Code {
	case -1013:
		if strings.Contains(msg, "NOTIONAL") {
			return fmt.Errorf("%w: %s", apperrors.ErrMinNotional, apiErr.Message)
		}
		return fmt.Errorf("%w: %s", apperrors.ErrMinAmount, apiErr.Message)
	case -2010:
		if strings.Contains(msg, "DUPLICATE") {
			return fmt.Errorf("%w: %s", apperrors.ErrDuplicateOrder, apiErr.Message)
		}
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, apiErr.Message)
	case -2013:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, apiErr.Message)
	case -1121:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, apiErr.Message)
	case -1003, -1015, -1021:
		return fmt.Errorf("%w: %s", apperrors.ErrTransient, apiErr.Message)
	}
	if apiErr.Code >= 500 || apiErr.Code == 429 || apiErr.Code == 418 {
		return fmt.Errorf("%w: %s", apperrors.ErrTransient, apiErr.Message)
	}
	return err
}
