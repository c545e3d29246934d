package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IBroker is the uniform port over the live exchange and the paper
// simulator. All code paths above this port are identical in both modes.
//
// Contracts:
//   - ClientOrderID is echoed unchanged in the returned Order. If the broker
//     rejects a create because the id already exists, the adapter resolves
//     the existing order and returns it.
//   - Quantization to market precision happens inside the adapter; values
//     that cannot be satisfied yield apperrors.ErrMinAmount or
//     apperrors.ErrMinNotional.
//   - Network, 5xx and rate-limit failures surface as apperrors.ErrTransient.
type IBroker interface {
	Name() string
	CheckHealth(ctx context.Context) error
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchBalance(ctx context.Context, symbol string) (*Balance, error)
	FetchOrder(ctx context.Context, symbol, brokerOrderID string) (*Order, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]*Order, error)
	CreateMarketBuyQuote(ctx context.Context, symbol string, quoteAmount decimal.Decimal, clientOrderID string) (*Order, error)
	CreateMarketSellBase(ctx context.Context, symbol string, baseAmount decimal.Decimal, clientOrderID string) (*Order, error)
}

// StrategyContext carries everything a strategy may read. Strategies are
// stateless across calls; rolling state lives in the caller.
type StrategyContext struct {
	Symbol   string
	Ticker   *Ticker
	Candles  []Candle
	Position *Position
	NowMs    int64
}

// IStrategy is a pure decision function: deterministic for a given input.
type IStrategy interface {
	Name() string
	Generate(sctx *StrategyContext) Decision
}

// IMarketData fetches market snapshots, caching tickers for a short TTL.
type IMarketData interface {
	Ticker(ctx context.Context, symbol string) (*Ticker, error)
	Candles(ctx context.Context, symbol string, limit int) ([]Candle, error)
}

// EventHandler consumes one bus event. Returned errors are retried with
// backoff and eventually dead-lettered; they never propagate to publishers.
type EventHandler func(ctx context.Context, ev Event) error

// IEventBus is the single-process publish/subscribe port.
type IEventBus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(pattern string, name string, h EventHandler)
	Start() error
	Stop(ctx context.Context) error
	CheckHealth() error
}

// ITradeStore persists fill records. Upserts key on client_order_id.
type ITradeStore interface {
	Upsert(ctx context.Context, t *Trade) (int64, error)
	BySymbolSince(ctx context.Context, symbol string, sinceMs int64) ([]*Trade, error)
	BySymbol(ctx context.Context, symbol string) ([]*Trade, error)
	ByClientOrderID(ctx context.Context, clientOrderID string) (*Trade, error)
	OpenBySymbol(ctx context.Context, symbol string) ([]*Trade, error)
	CountSince(ctx context.Context, symbol string, sinceMs int64) (int, error)
	NotionalSince(ctx context.Context, symbol string, sinceMs int64) (decimal.Decimal, error)
	LastExecutedAtMs(ctx context.Context, symbol string) (int64, error)
}

// IPositionStore persists the per-symbol long-only position. Every mutation
// bumps Version.
type IPositionStore interface {
	Get(ctx context.Context, symbol string) (*Position, error)
	Put(ctx context.Context, p *Position) error
	OpenPositions(ctx context.Context) ([]*Position, error)
}

// IIdempotencyStore implements the claim/commit/release protocol. Claim is
// serialized through a unique-constraint upsert so at most one caller wins
// a key within its TTL, across processes and restarts.
type IIdempotencyStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Commit(ctx context.Context, key string, payload []byte) error
	Release(ctx context.Context, key string) error
	GetOriginal(ctx context.Context, key string) ([]byte, error)
	PruneExpired(ctx context.Context) (int64, error)
}

// IAuditStore is append-only.
type IAuditStore interface {
	Append(ctx context.Context, kind string, payload any) error
	Recent(ctx context.Context, limit int) ([]*AuditEntry, error)
}

// IKVStore is a durable key/value scratch space (watermarks, lock state).
type IKVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// IStore aggregates the storage ports plus the transactional fill path.
type IStore interface {
	Trades() ITradeStore
	Positions() IPositionStore
	Idempotency() IIdempotencyStore
	Audit() IAuditStore
	KV() IKVStore

	// RecordFill persists a trade, re-derives the position and appends an
	// audit entry inside one transaction. It is idempotent on
	// client_order_id: replaying a known fill returns the stored state
	// without mutating the position again.
	RecordFill(ctx context.Context, t *Trade) (*Position, bool, error)

	CheckHealth(ctx context.Context) error
	Close() error
}

// ILogger is the structured logging port, satisfied by the zap wrapper.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
