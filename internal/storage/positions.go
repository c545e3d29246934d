package storage

import (
	"context"
	"database/sql"
	"fmt"

	"trade_engine/internal/core"

	"github.com/shopspring/decimal"
)

// PositionStore persists the per-symbol long-only position.
type PositionStore struct {
	db *sql.DB
}

// Get returns the position for the symbol. A symbol never traded yields a
// zero position, not an error.
func (ps *PositionStore) Get(ctx context.Context, symbol string) (*core.Position, error) {
	p := &core.Position{
		Symbol:             symbol,
		BaseQty:            decimal.Zero,
		AvgEntryPrice:      decimal.Zero,
		MaxPriceSinceEntry: decimal.Zero,
	}
	var qty, avg, maxPrice string
	err := ps.db.QueryRowContext(ctx,
		`SELECT base_qty, avg_entry_price, max_price_since_entry, version FROM positions WHERE symbol = ?`,
		symbol).Scan(&qty, &avg, &maxPrice, &p.Version)
	if err == sql.ErrNoRows {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read position: %w", err)
	}
	if p.BaseQty, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("corrupt base_qty for %s: %w", symbol, err)
	}
	if p.AvgEntryPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("corrupt avg_entry_price for %s: %w", symbol, err)
	}
	if p.MaxPriceSinceEntry, err = decimal.NewFromString(maxPrice); err != nil {
		return nil, fmt.Errorf("corrupt max_price_since_entry for %s: %w", symbol, err)
	}
	return p, nil
}

// Put writes the position as given. Callers bump Version before calling.
func (ps *PositionStore) Put(ctx context.Context, p *core.Position) error {
	_, err := ps.db.ExecContext(ctx,
		`INSERT INTO positions (symbol, base_qty, avg_entry_price, max_price_since_entry, version)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET
			base_qty = excluded.base_qty,
			avg_entry_price = excluded.avg_entry_price,
			max_price_since_entry = excluded.max_price_since_entry,
			version = excluded.version`,
		p.Symbol, p.BaseQty.String(), p.AvgEntryPrice.String(),
		p.MaxPriceSinceEntry.String(), p.Version)
	if err != nil {
		return fmt.Errorf("failed to write position: %w", err)
	}
	return nil
}

// OpenPositions returns positions with base_qty > 0.
func (ps *PositionStore) OpenPositions(ctx context.Context) ([]*core.Position, error) {
	rows, err := ps.db.QueryContext(ctx,
		`SELECT symbol FROM positions WHERE CAST(base_qty AS REAL) > 0 ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*core.Position, 0, len(symbols))
	for _, sym := range symbols {
		p, err := ps.Get(ctx, sym)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
