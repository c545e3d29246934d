package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"trade_engine/internal/core"
	"trade_engine/pkg/apperrors"
)

// IdempotencyStore implements the claim/commit/release protocol on a single
// unique-keyed table. The claim upsert only overwrites an expired claim, so
// RowsAffected tells winner from loser atomically.
type IdempotencyStore struct {
	db *sql.DB
}

// Claim attempts to take the key for ttl. Returns true when this caller won
// the claim, false when a live claim (or live committed record) already
// exists. Any expired record, committed or not, is re-claimed.
func (is *IdempotencyStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	nowMs := time.Now().UnixMilli()
	res, err := is.db.ExecContext(ctx,
		`INSERT INTO idempotency (key, state, expires_at_ms, payload)
		 VALUES (?, ?, ?, NULL)
		 ON CONFLICT(key) DO UPDATE SET
			state = excluded.state,
			expires_at_ms = excluded.expires_at_ms,
			payload = NULL
		 WHERE idempotency.expires_at_ms < ?`,
		key, string(core.IdempotencyClaimed), nowMs+ttl.Milliseconds(), nowMs)
	if err != nil {
		return false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n > 0, nil
}

// Commit marks the key committed and stores the serialized result. The
// record keeps its claim expiry: once that passes the key is claimable
// again and pruning may remove the row.
func (is *IdempotencyStore) Commit(ctx context.Context, key string, payload []byte) error {
	res, err := is.db.ExecContext(ctx,
		`UPDATE idempotency SET state = ?, payload = ? WHERE key = ? AND state = ?`,
		string(core.IdempotencyCommitted), payload, key, string(core.IdempotencyClaimed))
	if err != nil {
		return fmt.Errorf("failed to commit idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: commit of unclaimed key %s", apperrors.ErrIntegrity, key)
	}
	return nil
}

// Release frees a claimed key after a failed attempt so a retry can claim it
// again. Committed keys are left alone.
func (is *IdempotencyStore) Release(ctx context.Context, key string) error {
	_, err := is.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE key = ? AND state = ?`,
		key, string(core.IdempotencyClaimed))
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// GetOriginal returns the committed payload for the key. A claimed-but-not-
// committed key yields apperrors.ErrNoData; callers poll until commit or
// release.
func (is *IdempotencyStore) GetOriginal(ctx context.Context, key string) ([]byte, error) {
	var state string
	var payload []byte
	err := is.db.QueryRowContext(ctx,
		`SELECT state, payload FROM idempotency WHERE key = ?`, key).Scan(&state, &payload)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrNoData
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if state != string(core.IdempotencyCommitted) {
		return nil, apperrors.ErrNoData
	}
	return payload, nil
}

// PruneExpired deletes records whose TTL has passed and returns the count.
func (is *IdempotencyStore) PruneExpired(ctx context.Context) (int64, error) {
	res, err := is.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE expires_at_ms < ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune idempotency records: %w", err)
	}
	return res.RowsAffected()
}
