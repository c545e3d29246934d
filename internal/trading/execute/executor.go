// Package execute implements the idempotent execute-trade use case: claim,
// risk, broker call, transactional fill recording, commit, events. Every
// order the engine places flows through here, strategy and protective exits
// alike.
package execute

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trade_engine/internal/core"
	"trade_engine/internal/risk"
	"trade_engine/internal/telemetry"
	"trade_engine/pkg/apperrors"
	"trade_engine/pkg/concurrency"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Source tags who asked for the order. Exit-driven sells skip the advisory
// risk rules, a stop-loss that cannot fire makes losses worse, but they
// still cannot sell without a position.
const (
	SourceOrder = "order"
	SourceEval  = "eval"
	SourceExit  = "exit"
	SourceDMS   = "dms"
)

// Params is one trade request. QuoteAmount sizes buys, BaseAmount sizes
// sells.
type Params struct {
	Symbol      string
	Side        core.Side
	QuoteAmount decimal.Decimal
	BaseAmount  decimal.Decimal
	Source      string
}

// Result is returned to the caller and is also the payload committed under
// the idempotency key, so duplicates observe the original outcome.
type Result struct {
	Executed      bool   `json:"executed"`
	Reason        string `json:"reason,omitempty"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	Symbol        string `json:"symbol,omitempty"`
	Side          string `json:"side,omitempty"`
	Filled        string `json:"filled,omitempty"`
	Cost          string `json:"cost,omitempty"`
	Price         string `json:"price,omitempty"`
}

// Config tunes the executor.
type Config struct {
	BucketMs       int64
	IdempotencyTTL time.Duration
	MaxRetries     int
	// DuplicateWait bounds how long a losing claimant polls for the
	// winner's committed payload.
	DuplicateWait time.Duration
}

// Executor owns the execute-trade path for all symbols.
type Executor struct {
	cfg     Config
	store   core.IStore
	broker  core.IBroker
	bus     core.IEventBus
	risk    *risk.Pipeline
	market  core.IMarketData
	locks   *concurrency.KeyedMutex
	logger  core.ILogger
	metrics *telemetry.Metrics
	retry   retrypolicy.RetryPolicy[*core.Order]
}

func New(cfg Config, store core.IStore, broker core.IBroker, bus core.IEventBus,
	riskPipeline *risk.Pipeline, market core.IMarketData, logger core.ILogger, metrics *telemetry.Metrics) *Executor {

	if cfg.BucketMs <= 0 {
		cfg.BucketMs = 60_000
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.DuplicateWait <= 0 {
		cfg.DuplicateWait = 3 * time.Second
	}
	retry := retrypolicy.NewBuilder[*core.Order]().
		HandleIf(func(_ *core.Order, err error) bool { return apperrors.IsTransient(err) }).
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithJitterFactor(0.25).
		WithMaxRetries(cfg.MaxRetries).
		Build()

	return &Executor{
		cfg:     cfg,
		store:   store,
		broker:  broker,
		bus:     bus,
		risk:    riskPipeline,
		market:  market,
		locks:   concurrency.NewKeyedMutex(),
		logger:  logger.WithField("component", "executor"),
		metrics: metrics,
		retry:   retry,
	}
}

// Key builds the idempotency key: {source}:{BASE-QUOTE}:{side}:{bucket}.
func Key(source, symbol string, side core.Side, nowMs, bucketMs int64) (string, error) {
	base, quote, err := core.SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	bucketStart := nowMs / bucketMs * bucketMs
	return fmt.Sprintf("%s:%s-%s:%s:%d", source, base, quote, side, bucketStart), nil
}

// clientOrderID derives a stable id from the key, so a crashed attempt that
// reclaims its key re-sends the same id and the broker dedupes the order.
func clientOrderID(key string) string {
	return "te-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()[:32]
}

// Execute runs the use case. Duplicate requests inside the same bucket see
// executed=true with the original payload and cannot tell themselves apart
// from the winner.
func (e *Executor) Execute(ctx context.Context, p Params) (*Result, error) {
	symbol, err := core.CanonicalSymbol(p.Symbol)
	if err != nil {
		return nil, err
	}
	if p.Source == "" {
		p.Source = SourceOrder
	}

	// Per-symbol single flight: concurrent loops serialize here, so a
	// same-process duplicate arrives after the winner committed.
	e.locks.Lock(symbol)
	defer e.locks.Unlock(symbol)

	nowMs := time.Now().UnixMilli()
	key, err := Key(p.Source, symbol, p.Side, nowMs, e.cfg.BucketMs)
	if err != nil {
		return nil, err
	}

	won, err := e.store.Idempotency().Claim(ctx, key, e.cfg.IdempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("idempotency claim failed: %w", err)
	}
	if !won {
		return e.awaitOriginal(ctx, key)
	}

	res, err := e.place(ctx, key, symbol, p)
	if err != nil {
		if relErr := e.store.Idempotency().Release(ctx, key); relErr != nil {
			e.logger.Error("failed to release idempotency key", "key", key, "error", relErr)
		}
		return nil, err
	}
	return res, nil
}

// awaitOriginal polls for the winner's committed payload.
func (e *Executor) awaitOriginal(ctx context.Context, key string) (*Result, error) {
	e.metrics.IdempotencyDuplicates.Inc()
	deadline := time.Now().Add(e.cfg.DuplicateWait)
	for {
		payload, err := e.store.Idempotency().GetOriginal(ctx, key)
		if err == nil {
			var res Result
			if err := json.Unmarshal(payload, &res); err != nil {
				return nil, fmt.Errorf("%w: corrupt idempotency payload for %s", apperrors.ErrIntegrity, key)
			}
			res.Duplicate = true
			res.Reason = "duplicate"
			return &res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			// The winner is still in flight (or crashed before commit and
			// the key has not expired). Treat as a duplicate with no
			// payload rather than risking a second order.
			return &Result{Executed: false, Reason: "duplicate_in_flight", Duplicate: true}, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (e *Executor) place(ctx context.Context, key, symbol string, p Params) (*Result, error) {
	ticker, err := e.market.Ticker(ctx, symbol)
	if err != nil {
		e.logger.Warn("no ticker for risk evaluation", "symbol", symbol, "error", err)
	}
	position, err := e.store.Positions().Get(ctx, symbol)
	if err != nil {
		return nil, err
	}

	if verdict := e.assess(ctx, symbol, p, ticker, position); !verdict.Allowed {
		if err := e.bus.Publish(ctx, core.Event{
			Topic: core.TopicTradeBlocked,
			Key:   symbol,
			Payload: map[string]any{
				"symbol": symbol, "side": string(p.Side),
				"reason": verdict.Reason, "source": p.Source,
			},
		}); err != nil {
			e.logger.Warn("failed to publish trade.blocked", "error", err)
		}
		if err := e.store.Idempotency().Release(ctx, key); err != nil {
			e.logger.Error("failed to release idempotency key", "key", key, "error", err)
		}
		return &Result{Executed: false, Reason: verdict.Reason}, nil
	}

	oid := clientOrderID(key)
	order, err := e.placeWithRetry(ctx, symbol, p, oid)
	if err != nil {
		e.metrics.OrdersFailed.WithLabelValues(symbol, errorKind(err)).Inc()
		if pubErr := e.bus.Publish(ctx, core.Event{
			Topic: core.TopicOrderFailed,
			Key:   symbol,
			Payload: map[string]any{
				"symbol": symbol, "side": string(p.Side),
				"kind": errorKind(err), "error": err.Error(), "source": p.Source,
			},
		}); pubErr != nil {
			e.logger.Warn("failed to publish order.failed", "error", pubErr)
		}
		return nil, err
	}

	trade := &core.Trade{
		BrokerOrderID: order.ID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        symbol,
		Side:          order.Side,
		Type:          order.Type,
		Amount:        order.Amount,
		Price:         order.Price,
		Filled:        order.Filled,
		Cost:          order.Cost,
		FeeQuote:      order.FeeQuote,
		Status:        order.Status,
		TsMs:          order.TsMs,
	}
	pos, applied, err := e.store.RecordFill(ctx, trade)
	if err != nil {
		return nil, err
	}
	if !applied {
		e.logger.Warn("fill was already recorded", "symbol", symbol, "client_order_id", order.ClientOrderID)
	}

	res := &Result{
		Executed:      true,
		OrderID:       order.ID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        symbol,
		Side:          string(order.Side),
		Filled:        order.Filled.String(),
		Cost:          order.Cost.String(),
		Price:         order.Price.String(),
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	if err := e.store.Idempotency().Commit(ctx, key, payload); err != nil {
		return nil, err
	}

	e.metrics.OrdersExecuted.WithLabelValues(symbol, string(order.Side)).Inc()
	qty, _ := pos.BaseQty.Float64()
	e.metrics.PositionBase.WithLabelValues(symbol).Set(qty)

	e.publishFill(ctx, symbol, p.Source, order, pos)
	return res, nil
}

// assess runs the risk chain, or the minimal long-only check for protective
// sources.
func (e *Executor) assess(ctx context.Context, symbol string, p Params, ticker *core.Ticker, position *core.Position) risk.Verdict {
	if p.Source == SourceExit || p.Source == SourceDMS {
		if p.Side == core.SideSell && !position.BaseQty.IsPositive() {
			return risk.Verdict{Allowed: false, Reason: "sell_without_position"}
		}
		return risk.Verdict{Allowed: true}
	}

	projected := decimal.Zero
	if p.Side == core.SideBuy && ticker != nil && ticker.Ask.IsPositive() {
		projected = p.QuoteAmount.Div(ticker.Ask)
	}
	return e.risk.Evaluate(ctx, &risk.Request{
		Symbol:           symbol,
		Side:             p.Side,
		ProjectedAddBase: projected,
		Ticker:           ticker,
		Position:         position,
	})
}

// placeWithRetry retries transient broker failures only. Rejections come
// back immediately, the market will not change its mind about a minimum.
func (e *Executor) placeWithRetry(ctx context.Context, symbol string, p Params, oid string) (*core.Order, error) {
	return failsafe.With[*core.Order](e.retry).WithContext(ctx).Get(func() (*core.Order, error) {
		if p.Side == core.SideBuy {
			return e.broker.CreateMarketBuyQuote(ctx, symbol, p.QuoteAmount, oid)
		}
		return e.broker.CreateMarketSellBase(ctx, symbol, p.BaseAmount, oid)
	})
}

func (e *Executor) publishFill(ctx context.Context, symbol, source string, order *core.Order, pos *core.Position) {
	base := map[string]any{
		"symbol":          symbol,
		"side":            string(order.Side),
		"order_id":        order.ID,
		"client_order_id": order.ClientOrderID,
		"filled":          order.Filled.String(),
		"cost":            order.Cost.String(),
		"price":           order.Price.String(),
		"source":          source,
		"position_base":   pos.BaseQty.String(),
		"entry_price":     pos.AvgEntryPrice.String(),
	}
	for _, topic := range []string{core.TopicOrderExecuted, core.TopicTradeCompleted} {
		if err := e.bus.Publish(ctx, core.Event{Topic: topic, Key: symbol, Payload: base}); err != nil {
			e.logger.Warn("failed to publish fill event", "topic", topic, "error", err)
		}
	}
}

func errorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case apperrors.IsTransient(err):
		return "transient"
	case apperrors.IsRejection(err):
		return "rejection"
	default:
		return "other"
	}
}
