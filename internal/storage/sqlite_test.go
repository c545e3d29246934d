package storage

import (
	"context"
	"testing"
	"time"

	"trade_engine/internal/core"
	"trade_engine/internal/logging"
	"trade_engine/pkg/apperrors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fill(clientOID string, side core.Side, qty, price, fee string) *core.Trade {
	q := decimal.RequireFromString(qty)
	p := decimal.RequireFromString(price)
	return &core.Trade{
		BrokerOrderID: "b-" + clientOID,
		ClientOrderID: clientOID,
		Symbol:        "BTC/USDT",
		Side:          side,
		Type:          core.OrderTypeMarket,
		Amount:        q,
		Price:         p,
		Filled:        q,
		Cost:          q.Mul(p),
		FeeQuote:      decimal.RequireFromString(fee),
		Status:        core.OrderStatusClosed,
		TsMs:          time.Now().UnixMilli(),
	}
}

func TestRecordFillBuildsPosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pos, applied, err := s.RecordFill(ctx, fill("oid-1", core.SideBuy, "0.002", "50000", "0.1"))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, pos.BaseQty.Equal(decimal.RequireFromString("0.002")))
	// unit cost includes the fee: (100 + 0.1) / 0.002
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.RequireFromString("50050")))
	assert.True(t, pos.MaxPriceSinceEntry.Equal(decimal.RequireFromString("50000")))
	assert.Equal(t, int64(1), pos.Version)

	pos, applied, err = s.RecordFill(ctx, fill("oid-2", core.SideSell, "0.002", "51000", "0.1"))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, pos.BaseQty.IsZero())
	assert.True(t, pos.AvgEntryPrice.IsZero())
	assert.Equal(t, int64(2), pos.Version)
}

func TestRecordFillReplayIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, applied, err := s.RecordFill(ctx, fill("oid-1", core.SideBuy, "0.002", "50000", "0.1"))
	require.NoError(t, err)
	require.True(t, applied)

	pos, applied, err := s.RecordFill(ctx, fill("oid-1", core.SideBuy, "0.002", "50000", "0.1"))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.True(t, pos.BaseQty.Equal(decimal.RequireFromString("0.002")))
	assert.Equal(t, int64(1), pos.Version)

	trades, err := s.Trades().BySymbol(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestRecordFillCompletesPendingRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending := fill("oid-1", core.SideBuy, "0.002", "50000", "0")
	pending.Filled = decimal.Zero
	pending.Cost = decimal.Zero
	pending.Status = core.OrderStatusOpen
	_, err := s.Trades().Upsert(ctx, pending)
	require.NoError(t, err)

	pos, applied, err := s.RecordFill(ctx, fill("oid-1", core.SideBuy, "0.002", "50000", "0"))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, pos.BaseQty.Equal(decimal.RequireFromString("0.002")))

	// The pending row was completed in place, not duplicated.
	trades, err := s.Trades().BySymbol(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, core.OrderStatusClosed, trades[0].Status)

	// Replaying the now-terminal fill changes nothing.
	pos, applied, err = s.RecordFill(ctx, fill("oid-1", core.SideBuy, "0.002", "50000", "0"))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(1), pos.Version)
}

func TestUpsertRefreshesExistingClientOrderID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := fill("oid-1", core.SideBuy, "0.002", "50000", "0")
	first.Status = core.OrderStatusOpen
	id1, err := s.Trades().Upsert(ctx, first)
	require.NoError(t, err)

	second := fill("oid-1", core.SideBuy, "0.002", "50000", "0.1")
	id2, err := s.Trades().Upsert(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	got, err := s.Trades().ByClientOrderID(ctx, "oid-1")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusClosed, got.Status)
	assert.True(t, got.FeeQuote.Equal(decimal.RequireFromString("0.1")))
}

func TestRecordFillOversellFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.RecordFill(ctx, fill("oid-1", core.SideBuy, "0.001", "50000", "0"))
	require.NoError(t, err)

	_, _, err = s.RecordFill(ctx, fill("oid-2", core.SideSell, "0.002", "50000", "0"))
	assert.ErrorIs(t, err, apperrors.ErrIntegrity)
}

func TestIdempotencyClaimProtocol(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	idem := s.Idempotency()

	won, err := idem.Claim(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	// Second claimant loses while the claim is live.
	won, err = idem.Claim(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	_, err = idem.GetOriginal(ctx, "k1")
	assert.ErrorIs(t, err, apperrors.ErrNoData)

	require.NoError(t, idem.Commit(ctx, "k1", []byte(`{"oid":"b-1"}`)))
	payload, err := idem.GetOriginal(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, `{"oid":"b-1"}`, string(payload))

	// Committed keys stay lost to new claimants.
	won, err = idem.Claim(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestIdempotencyReleaseReopensKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	idem := s.Idempotency()

	won, err := idem.Claim(ctx, "k1", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, idem.Release(ctx, "k1"))

	won, err = idem.Claim(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestIdempotencyExpiredClaimIsReclaimable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	idem := s.Idempotency()

	won, err := idem.Claim(ctx, "k1", -time.Second)
	require.NoError(t, err)
	require.True(t, won)

	won, err = idem.Claim(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestIdempotencyExpiredCommitIsReclaimable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	idem := s.Idempotency()

	won, err := idem.Claim(ctx, "k1", -time.Second)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, idem.Commit(ctx, "k1", []byte(`{"oid":"b-1"}`)))

	// The committed record's TTL has passed; a new bucket may claim it.
	won, err = idem.Claim(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	// Re-claiming wipes the stale payload.
	_, err = idem.GetOriginal(ctx, "k1")
	assert.ErrorIs(t, err, apperrors.ErrNoData)
}

func TestIdempotencyPruneExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	idem := s.Idempotency()

	won, err := idem.Claim(ctx, "stale", -time.Second)
	require.NoError(t, err)
	require.True(t, won)
	won, err = idem.Claim(ctx, "live", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	n, err := idem.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The live claim survived.
	won, err = idem.Claim(ctx, "live", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestInstanceLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AcquireInstanceLock(ctx, "me", time.Minute))
	err := s.AcquireInstanceLock(ctx, "other", time.Minute)
	assert.ErrorIs(t, err, apperrors.ErrLockHeld)

	// Renewal by the same owner succeeds.
	require.NoError(t, s.AcquireInstanceLock(ctx, "me", time.Minute))

	require.NoError(t, s.ReleaseInstanceLock(ctx, "me"))
	require.NoError(t, s.AcquireInstanceLock(ctx, "other", time.Minute))
}

func TestTradeAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.RecordFill(ctx, fill("oid-1", core.SideBuy, "0.001", "50000", "0"))
	require.NoError(t, err)
	_, _, err = s.RecordFill(ctx, fill("oid-2", core.SideBuy, "0.001", "52000", "0"))
	require.NoError(t, err)

	n, err := s.Trades().CountSince(ctx, "BTC/USDT", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	notional, err := s.Trades().NotionalSince(ctx, "BTC/USDT", 0)
	require.NoError(t, err)
	assert.True(t, notional.Equal(decimal.RequireFromString("102")))

	last, err := s.Trades().LastExecutedAtMs(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Greater(t, last, int64(0))

	_, err = s.Trades().ByClientOrderID(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNoData)
}
