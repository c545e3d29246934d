package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"trade_engine/internal/core"
)

// AuditStore is the append-only decision and action log.
type AuditStore struct {
	db *sql.DB
}

// Append serializes payload as JSON and appends it under kind.
func (as *AuditStore) Append(ctx context.Context, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}
	_, err = as.db.ExecContext(ctx,
		`INSERT INTO audit_log (ts_ms, kind, payload) VALUES (?, ?, ?)`,
		time.Now().UnixMilli(), kind, string(raw))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Recent returns the latest entries, newest first.
func (as *AuditStore) Recent(ctx context.Context, limit int) ([]*core.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := as.db.QueryContext(ctx,
		`SELECT ts_ms, kind, payload FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []*core.AuditEntry
	for rows.Next() {
		e := &core.AuditEntry{}
		if err := rows.Scan(&e.TsMs, &e.Kind, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// KVStore is a durable string key/value scratch space.
type KVStore struct {
	db *sql.DB
}

// Get returns the value and whether the key exists.
func (kv *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := kv.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read kv key: %w", err)
	}
	return value, true, nil
}

// Set writes the value, replacing any existing one.
func (kv *KVStore) Set(ctx context.Context, key, value string) error {
	_, err := kv.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write kv key: %w", err)
	}
	return nil
}
