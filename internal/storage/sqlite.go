// Package storage implements the engine's persistence ports on SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"trade_engine/internal/core"
	"trade_engine/pkg/apperrors"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	rowid_pk        INTEGER PRIMARY KEY AUTOINCREMENT,
	broker_order_id TEXT,
	client_order_id TEXT,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	type            TEXT NOT NULL,
	amount          TEXT NOT NULL,
	price           TEXT NOT NULL,
	filled          TEXT NOT NULL,
	cost            TEXT NOT NULL,
	fee_quote       TEXT NOT NULL,
	status          TEXT NOT NULL,
	ts_ms           INTEGER NOT NULL,
	inserted_at_ms  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol_ts ON trades(symbol, ts_ms);
CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_client_oid ON trades(client_order_id) WHERE client_order_id IS NOT NULL AND client_order_id != '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_broker_oid ON trades(broker_order_id) WHERE broker_order_id IS NOT NULL AND broker_order_id != '';

CREATE TABLE IF NOT EXISTS positions (
	symbol                TEXT PRIMARY KEY,
	base_qty              TEXT NOT NULL,
	avg_entry_price       TEXT NOT NULL,
	max_price_since_entry TEXT NOT NULL,
	version               INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency (
	key           TEXT PRIMARY KEY,
	state         TEXT NOT NULL,
	expires_at_ms INTEGER NOT NULL,
	payload       BLOB
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expiry ON idempotency(expires_at_ms);

CREATE TABLE IF NOT EXISTS audit_log (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_ms   INTEGER NOT NULL,
	kind    TEXT NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts_ms);

CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS instance_lock (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	owner         TEXT NOT NULL,
	expires_at_ms INTEGER NOT NULL
);
`

// Store aggregates the SQLite-backed repositories.
type Store struct {
	db     *sql.DB
	logger core.ILogger

	trades      *TradeStore
	positions   *PositionStore
	idempotency *IdempotencyStore
	audit       *AuditStore
	kv          *KVStore
}

// Open opens (or creates) the database at path, enables WAL and applies the
// schema. Writes use immediate transactions so concurrent loops never race
// the writer lock.
func Open(path string, logger core.ILogger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY storms under the
	// four concurrent loops.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, logger: logger.WithField("component", "storage")}
	s.trades = &TradeStore{db: db}
	s.positions = &PositionStore{db: db}
	s.idempotency = &IdempotencyStore{db: db}
	s.audit = &AuditStore{db: db}
	s.kv = &KVStore{db: db}
	return s, nil
}

func (s *Store) Trades() core.ITradeStore            { return s.trades }
func (s *Store) Positions() core.IPositionStore      { return s.positions }
func (s *Store) Idempotency() core.IIdempotencyStore { return s.idempotency }
func (s *Store) Audit() core.IAuditStore             { return s.audit }
func (s *Store) KV() core.IKVStore                   { return s.kv }

// CheckHealth pings the database.
func (s *Store) CheckHealth(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AcquireInstanceLock claims the single-process lock. A lock held by a
// different owner and not yet expired yields apperrors.ErrLockHeld. Renewal
// is the same call with the same owner.
func (s *Store) AcquireInstanceLock(ctx context.Context, owner string, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowMs := time.Now().UnixMilli()
	var curOwner string
	var expires int64
	err = tx.QueryRowContext(ctx, `SELECT owner, expires_at_ms FROM instance_lock WHERE id = 1`).Scan(&curOwner, &expires)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("failed to read instance lock: %w", err)
	default:
		if curOwner != owner && expires > nowMs {
			return apperrors.ErrLockHeld
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO instance_lock (id, owner, expires_at_ms) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET owner = excluded.owner, expires_at_ms = excluded.expires_at_ms`,
		owner, nowMs+ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to write instance lock: %w", err)
	}
	return tx.Commit()
}

// ReleaseInstanceLock drops the lock if held by owner.
func (s *Store) ReleaseInstanceLock(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM instance_lock WHERE id = 1 AND owner = ?`, owner)
	return err
}

// RecordFill persists a trade, re-derives the symbol's position and appends
// an audit entry inside one immediate transaction. Replaying a fill whose
// client_order_id is already recorded is a no-op: the stored position is
// returned with applied=false.
func (s *Store) RecordFill(ctx context.Context, t *Trade) (*core.Position, bool, error) {
	return s.recordFill(ctx, t)
}

// Trade aliases core.Trade for the package boundary.
type Trade = core.Trade

func (s *Store) recordFill(ctx context.Context, t *Trade) (*core.Position, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin fill transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Dedupe on client_order_id, but only against terminal rows. A pending
	// row (upserted by reconciliation while the order was still open at the
	// broker) is completed in place and its fill applied once.
	pendingRow := false
	if t.ClientOrderID != "" {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM trades WHERE client_order_id = ?`, t.ClientOrderID).Scan(&status)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return nil, false, fmt.Errorf("failed to check for existing trade: %w", err)
		case status == string(core.OrderStatusOpen):
			pendingRow = true
		default:
			pos, err := readPosition(ctx, tx, t.Symbol)
			if err != nil {
				return nil, false, err
			}
			return pos, false, tx.Commit()
		}
	}

	nowMs := time.Now().UnixMilli()
	if pendingRow {
		_, err = tx.ExecContext(ctx,
			`UPDATE trades SET broker_order_id = ?, price = ?, filled = ?, cost = ?, fee_quote = ?, status = ?, ts_ms = ?
			 WHERE client_order_id = ?`,
			t.BrokerOrderID, t.Price.String(), t.Filled.String(), t.Cost.String(),
			t.FeeQuote.String(), string(t.Status), t.TsMs, t.ClientOrderID)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO trades (broker_order_id, client_order_id, symbol, side, type, amount, price, filled, cost, fee_quote, status, ts_ms, inserted_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.BrokerOrderID, t.ClientOrderID, t.Symbol, string(t.Side), string(t.Type),
			t.Amount.String(), t.Price.String(), t.Filled.String(), t.Cost.String(),
			t.FeeQuote.String(), string(t.Status), t.TsMs, nowMs)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to record trade: %w", err)
	}

	pos, err := readPosition(ctx, tx, t.Symbol)
	if err != nil {
		return nil, false, err
	}

	switch t.Side {
	case core.SideBuy:
		newQty := pos.BaseQty.Add(t.Filled)
		if newQty.IsPositive() {
			held := pos.BaseQty.Mul(pos.AvgEntryPrice)
			added := t.Cost.Add(t.FeeQuote)
			pos.AvgEntryPrice = held.Add(added).Div(newQty)
		}
		if pos.BaseQty.IsZero() && t.Filled.IsPositive() {
			fillPrice := t.Price
			if fillPrice.IsZero() && t.Filled.IsPositive() {
				fillPrice = t.Cost.Div(t.Filled)
			}
			pos.MaxPriceSinceEntry = fillPrice
		}
		pos.BaseQty = newQty
	case core.SideSell:
		newQty := pos.BaseQty.Sub(t.Filled)
		if newQty.IsNegative() {
			return nil, false, fmt.Errorf("%w: sell of %s exceeds position %s for %s",
				apperrors.ErrIntegrity, t.Filled, pos.BaseQty, t.Symbol)
		}
		pos.BaseQty = newQty
		if pos.BaseQty.IsZero() {
			pos.AvgEntryPrice = decimal.Zero
			pos.MaxPriceSinceEntry = decimal.Zero
		}
	default:
		return nil, false, fmt.Errorf("%w: unknown side %q", apperrors.ErrIntegrity, t.Side)
	}
	pos.Version++

	if err := writePosition(ctx, tx, pos); err != nil {
		return nil, false, err
	}

	auditPayload, _ := json.Marshal(map[string]any{
		"symbol":          t.Symbol,
		"side":            t.Side,
		"filled":          t.Filled.String(),
		"cost":            t.Cost.String(),
		"client_order_id": t.ClientOrderID,
		"broker_order_id": t.BrokerOrderID,
		"position_qty":    pos.BaseQty.String(),
	})
	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_log (ts_ms, kind, payload) VALUES (?, ?, ?)`,
		nowMs, "fill_recorded", string(auditPayload))
	if err != nil {
		return nil, false, fmt.Errorf("failed to append audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit fill: %w", err)
	}
	return pos, true, nil
}

func readPosition(ctx context.Context, tx *sql.Tx, symbol string) (*core.Position, error) {
	pos := &core.Position{
		Symbol:             symbol,
		BaseQty:            decimal.Zero,
		AvgEntryPrice:      decimal.Zero,
		MaxPriceSinceEntry: decimal.Zero,
	}
	var qty, avg, maxPrice string
	err := tx.QueryRowContext(ctx,
		`SELECT base_qty, avg_entry_price, max_price_since_entry, version FROM positions WHERE symbol = ?`,
		symbol).Scan(&qty, &avg, &maxPrice, &pos.Version)
	if err == sql.ErrNoRows {
		return pos, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read position: %w", err)
	}
	if pos.BaseQty, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("corrupt base_qty for %s: %w", symbol, err)
	}
	if pos.AvgEntryPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("corrupt avg_entry_price for %s: %w", symbol, err)
	}
	if pos.MaxPriceSinceEntry, err = decimal.NewFromString(maxPrice); err != nil {
		return nil, fmt.Errorf("corrupt max_price_since_entry for %s: %w", symbol, err)
	}
	return pos, nil
}

func writePosition(ctx context.Context, tx *sql.Tx, p *core.Position) error {
	_, err := tx.ExecContext(ctx,
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
