package storage

import (
	"context"
	"database/sql"
	"fmt"

	"trade_engine/internal/core"
	"trade_engine/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// TradeStore persists fill records keyed on client_order_id.
type TradeStore struct {
	db *sql.DB
}

const tradeColumns = `rowid_pk, broker_order_id, client_order_id, symbol, side, type, amount, price, filled, cost, fee_quote, status, ts_ms`

// Upsert inserts the trade, or refreshes the mutable columns when the
// client_order_id already exists. Returns the row id.
func (ts *TradeStore) Upsert(ctx context.Context, t *core.Trade) (int64, error) {
	if t.ClientOrderID == "" {
		res, err := ts.db.ExecContext(ctx,
			`INSERT INTO trades (broker_order_id, client_order_id, symbol, side, type, amount, price, filled, cost, fee_quote, status, ts_ms, inserted_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%s','now')*1000)`,
			t.BrokerOrderID, t.ClientOrderID, t.Symbol, string(t.Side), string(t.Type),
			t.Amount.String(), t.Price.String(), t.Filled.String(), t.Cost.String(),
			t.FeeQuote.String(), string(t.Status), t.TsMs)
		if err != nil {
			return 0, fmt.Errorf("failed to insert trade: %w", err)
		}
		return res.LastInsertId()
	}

	_, err := ts.db.ExecContext(ctx,
		`INSERT INTO trades (broker_order_id, client_order_id, symbol, side, type, amount, price, filled, cost, fee_quote, status, ts_ms, inserted_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%s','now')*1000)
		 ON CONFLICT(client_order_id) WHERE client_order_id IS NOT NULL AND client_order_id != '' DO UPDATE SET
			broker_order_id = excluded.broker_order_id,
			filled = excluded.filled,
			cost = excluded.cost,
			fee_quote = excluded.fee_quote,
			status = excluded.status,
			ts_ms = excluded.ts_ms`,
		t.BrokerOrderID, t.ClientOrderID, t.Symbol, string(t.Side), string(t.Type),
		t.Amount.String(), t.Price.String(), t.Filled.String(), t.Cost.String(),
		t.FeeQuote.String(), string(t.Status), t.TsMs)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert trade: %w", err)
	}

	var id int64
	err = ts.db.QueryRowContext(ctx,
		`SELECT rowid_pk FROM trades WHERE client_order_id = ?`, t.ClientOrderID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve trade row: %w", err)
	}
	return id, nil
}

// BySymbolSince returns trades for the symbol with ts_ms >= sinceMs, oldest
// first.
func (ts *TradeStore) BySymbolSince(ctx context.Context, symbol string, sinceMs int64) ([]*core.Trade, error) {
	rows, err := ts.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE symbol = ? AND ts_ms >= ? ORDER BY ts_ms ASC, rowid_pk ASC`,
		symbol, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// BySymbol returns all trades for the symbol, oldest first.
func (ts *TradeStore) BySymbol(ctx context.Context, symbol string) ([]*core.Trade, error) {
	return ts.BySymbolSince(ctx, symbol, 0)
}

// ByClientOrderID returns the trade for the id, or apperrors.ErrNoData.
func (ts *TradeStore) ByClientOrderID(ctx context.Context, clientOrderID string) (*core.Trade, error) {
	rows, err := ts.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE client_order_id = ?`, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade: %w", err)
	}
	defer rows.Close()
	trades, err := scanTrades(rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, apperrors.ErrNoData
	}
	return trades[0], nil
}

// OpenBySymbol returns locally recorded trades still in a non-terminal
// status. Reconciliation resolves these against the broker.
func (ts *TradeStore) OpenBySymbol(ctx context.Context, symbol string) ([]*core.Trade, error) {
	rows, err := ts.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE symbol = ? AND status = ? ORDER BY ts_ms ASC`,
		symbol, string(core.OrderStatusOpen))
	if err != nil {
		return nil, fmt.Errorf("failed to query open trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// CountSince counts filled trades for the symbol since sinceMs.
func (ts *TradeStore) CountSince(ctx context.Context, symbol string, sinceMs int64) (int, error) {
	var n int
	err := ts.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM trades WHERE symbol = ? AND ts_ms >= ?`, symbol, sinceMs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return n, nil
}

// NotionalSince sums executed quote cost for the symbol since sinceMs.
func (ts *TradeStore) NotionalSince(ctx context.Context, symbol string, sinceMs int64) (decimal.Decimal, error) {
	rows, err := ts.db.QueryContext(ctx,
		`SELECT cost FROM trades WHERE symbol = ? AND ts_ms >= ?`, symbol, sinceMs)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query notional: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var cost string
		if err := rows.Scan(&cost); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(cost)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt cost column: %w", err)
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

// LastExecutedAtMs returns the latest trade timestamp for the symbol, or 0.
func (ts *TradeStore) LastExecutedAtMs(ctx context.Context, symbol string) (int64, error) {
	var tsMs sql.NullInt64
	err := ts.db.QueryRowContext(ctx,
		`SELECT MAX(ts_ms) FROM trades WHERE symbol = ?`, symbol).Scan(&tsMs)
	if err != nil {
		return 0, fmt.Errorf("failed to query last trade time: %w", err)
	}
	if !tsMs.Valid {
		return 0, nil
	}
	return tsMs.Int64, nil
}

func scanTrades(rows *sql.Rows) ([]*core.Trade, error) {
	var out []*core.Trade
	for rows.Next() {
		t := &core.Trade{}
		var side, typ, status string
		var amount, price, filled, cost, fee string
		err := rows.Scan(&t.RowID, &t.BrokerOrderID, &t.ClientOrderID, &t.Symbol,
			&side, &typ, &amount, &price, &filled, &cost, &fee, &status, &t.TsMs)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Side = core.Side(side)
		t.Type = core.OrderType(typ)
		t.Status = core.OrderStatus(status)
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt amount column: %w", err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("corrupt price column: %w", err)
		}
		if t.Filled, err = decimal.NewFromString(filled); err != nil {
			return nil, fmt.Errorf("corrupt filled column: %w", err)
		}
		if t.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("corrupt cost column: %w", err)
		}
		if t.FeeQuote, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("corrupt fee_quote column: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
