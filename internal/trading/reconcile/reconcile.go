// Package reconcile drifts local state back toward the broker: open-order
// resolution, position divergence detection and balance snapshots. It only
// repairs what it can prove from the broker; divergence it cannot explain is
// surfaced, never silently fixed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trade_engine/internal/core"
	"trade_engine/internal/telemetry"
	"trade_engine/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// Config tunes divergence detection.
type Config struct {
	// BaseEpsilon is the tolerated |broker_base - local_base| before a
	// mismatch event is emitted.
	BaseEpsilon decimal.Decimal
}

// Reconciler runs the three reconciliation tasks for one tick.
type Reconciler struct {
	cfg     Config
	store   core.IStore
	broker  core.IBroker
	market  core.IMarketData
	bus     core.IEventBus
	logger  core.ILogger
	metrics *telemetry.Metrics
}

func New(cfg Config, store core.IStore, broker core.IBroker, market core.IMarketData,
	bus core.IEventBus, logger core.ILogger, metrics *telemetry.Metrics) *Reconciler {
	if !cfg.BaseEpsilon.IsPositive() {
		cfg.BaseEpsilon = decimal.RequireFromString("0.00000001")
	}
	return &Reconciler{
		cfg:     cfg,
		store:   store,
		broker:  broker,
		market:  market,
		bus:     bus,
		logger:  logger.WithField("component", "reconcile"),
		metrics: metrics,
	}
}

// Run executes orders, positions and balances reconciliation for the symbol
// and publishes reconciliation.completed with a summary.
func (r *Reconciler) Run(ctx context.Context, symbol string) error {
	summary := map[string]any{"symbol": symbol}

	ingested, err := r.reconcileOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("orders reconciliation: %w", err)
	}
	summary["fills_ingested"] = ingested

	mismatch, err := r.reconcilePosition(ctx, symbol)
	if err != nil {
		return fmt.Errorf("position reconciliation: %w", err)
	}
	summary["position_mismatch"] = mismatch

	if err := r.reconcileBalances(ctx, symbol, summary); err != nil {
		return fmt.Errorf("balance reconciliation: %w", err)
	}

	// Idempotency records past their TTL are dead weight; sweep them here
	// rather than on the hot execute path.
	if pruned, err := r.store.Idempotency().PruneExpired(ctx); err != nil {
		r.logger.Warn("failed to prune idempotency records", "error", err)
	} else if pruned > 0 {
		summary["idempotency_pruned"] = pruned
	}

	if err := r.bus.Publish(ctx, core.Event{
		Topic: core.TopicReconcileCompleted, Key: symbol,
		TsMs: time.Now().UnixMilli(), Payload: summary,
	}); err != nil {
		r.logger.Warn("failed to publish reconciliation.completed", "error", err)
	}
	return nil
}

// reconcileOrders upserts broker-open orders and resolves locally-open
// trades the broker no longer lists. Fill ingestion goes through the same
// transactional RecordFill path as execution, so replays are no-ops.
func (r *Reconciler) reconcileOrders(ctx context.Context, symbol string) (int, error) {
	open, err := r.broker.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return 0, err
	}
	stillOpen := make(map[string]bool, len(open))
	for _, o := range open {
		stillOpen[o.ID] = true
		if _, err := r.store.Trades().Upsert(ctx, orderToTrade(symbol, o)); err != nil {
			return 0, err
		}
	}

	localOpen, err := r.store.Trades().OpenBySymbol(ctx, symbol)
	if err != nil {
		return 0, err
	}

	ingested := 0
	for _, t := range localOpen {
		if stillOpen[t.BrokerOrderID] {
			continue
		}
		order, err := r.broker.FetchOrder(ctx, symbol, t.BrokerOrderID)
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			r.logger.Warn("locally-open order unknown to broker",
				"symbol", symbol, "broker_order_id", t.BrokerOrderID)
			continue
		}
		if err != nil {
			return ingested, err
		}
		switch order.Status {
		case core.OrderStatusClosed:
			if !order.Filled.IsPositive() {
				continue
			}
			_, applied, err := r.store.RecordFill(ctx, orderToTrade(symbol, order))
			if err != nil {
				return ingested, err
			}
			if applied {
				ingested++
				r.logger.Info("ingested fill found by reconciliation",
					"symbol", symbol, "broker_order_id", order.ID)
			}
		case core.OrderStatusCanceled:
			canceled := *t
			canceled.Status = core.OrderStatusCanceled
			if _, err := r.store.Trades().Upsert(ctx, &canceled); err != nil {
				return ingested, err
			}
		}
	}
	return ingested, nil
}

// reconcilePosition compares broker base balance with the local position.
// Divergence beyond epsilon is an operator signal, never an automatic
// repair.
func (r *Reconciler) reconcilePosition(ctx context.Context, symbol string) (bool, error) {
	position, err := r.store.Positions().Get(ctx, symbol)
	if err != nil {
		return false, err
	}
	balance, err := r.broker.FetchBalance(ctx, symbol)
	if err != nil {
		return false, err
	}

	diff := balance.FreeBase.Sub(position.BaseQty).Abs()
	if diff.LessThanOrEqual(r.cfg.BaseEpsilon) {
		return false, nil
	}

	r.metrics.ReconcileMismatches.WithLabelValues(symbol).Inc()
	r.logger.Warn("position diverges from broker balance",
		"symbol", symbol, "local_base", position.BaseQty, "broker_base", balance.FreeBase)
	if err := r.bus.Publish(ctx, core.Event{
		Topic: core.TopicPositionMismatch, Key: symbol,
		Payload: map[string]any{
			"symbol":      symbol,
			"local_base":  position.BaseQty.String(),
			"broker_base": balance.FreeBase.String(),
			"diff":        diff.String(),
		},
	}); err != nil {
		r.logger.Warn("failed to publish position mismatch", "error", err)
	}
	return true, nil
}

// reconcileBalances snapshots balances and the unrealized PnL projection
// into the summary. Read-only.
func (r *Reconciler) reconcileBalances(ctx context.Context, symbol string, summary map[string]any) error {
	balance, err := r.broker.FetchBalance(ctx, symbol)
	if err != nil {
		return err
	}
	summary["free_base"] = balance.FreeBase.String()
	summary["free_quote"] = balance.FreeQuote.String()

	position, err := r.store.Positions().Get(ctx, symbol)
	if err != nil {
		return err
	}
	if !position.IsOpen() {
		return nil
	}
	ticker, err := r.market.Ticker(ctx, symbol)
	if err != nil {
		// Unrealized PnL is a projection; skip it on data gaps.
		r.logger.Warn("no ticker for unrealized pnl", "symbol", symbol, "error", err)
		return nil
	}
	unrealized := ticker.Last.Sub(position.AvgEntryPrice).Mul(position.BaseQty)
	summary["unrealized_pnl"] = unrealized.String()
	return nil
}

func orderToTrade(symbol string, o *core.Order) *core.Trade {
	return &core.Trade{
		BrokerOrderID: o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        symbol,
		Side:          o.Side,
		Type:          o.Type,
		Amount:        o.Amount,
		Price:         o.Price,
		Filled:        o.Filled,
		Cost:          o.Cost,
		FeeQuote:      o.FeeQuote,
		Status:        o.Status,
		TsMs:          o.TsMs,
	}
}
