package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getMeta(ctx context.Context, q querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `
		SELECT value FROM sync_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta: %w", err)
	}
	return value, nil
}

func setMeta(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta: %w", err)
	}
	return nil
}

// Meta returns a sync metadata value. Missing keys report ErrNotFound.
func (t *Tx) Meta(key string) (string, error) {
	return getMeta(t.ctx, t.sqlTx, key)
}

// SetMeta sets a sync metadata value.
func (t *Tx) SetMeta(key, value string) error {
	return setMeta(t.ctx, t.sqlTx, key, value)
}

// Cursor returns the id of the last round-tripped transaction, or "" when
// nothing has been exchanged yet.
func (t *Tx) Cursor() (string, error) {
	var id string
	err := t.sqlTx.QueryRowContext(t.ctx, `
		SELECT TransactionId FROM SyncCursor WHERE Id = 0
	`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor: %w", err)
	}
	return id, nil
}

// SetCursor records id as the last round-tripped transaction. The row is
// created on first use and updated thereafter. An empty id is ignored.
func (t *Tx) SetCursor(id string) error {
	if id == "" {
		return nil
	}
	_, err := t.sqlTx.ExecContext(t.ctx, `
		INSERT INTO SyncCursor (Id, TransactionId) VALUES (0, ?)
		ON CONFLICT(Id) DO UPDATE SET TransactionId = excluded.TransactionId
	`, id)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// CompareAndSetCursor records id only while the stored cursor still equals
// expected. A position written after expected was read is never rewound.
// It reports whether the cursor was written.
func (t *Tx) CompareAndSetCursor(expected, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	current, err := t.Cursor()
	if err != nil {
		return false, err
	}
	if current != expected {
		return false, nil
	}
	if err := t.SetCursor(id); err != nil {
		return false, err
	}
	return true, nil
}

// IsApplied reports whether the inbound transaction id was already applied
// and its record has not expired.
func (t *Tx) IsApplied(id string) (bool, error) {
	var expiresAt string
	err := t.sqlTx.QueryRowContext(t.ctx, `
		SELECT expires_at FROM applied_inbound WHERE transaction_id = ?
	`, id).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check applied inbound: %w", err)
	}

	expires, parseErr := time.Parse(time.RFC3339Nano, expiresAt)
	if parseErr != nil {
		slog.Warn("applied_inbound: failed to parse expires_at",
			"component", "store",
			"value", expiresAt,
			"error", parseErr,
		)
		return true, nil
	}
	return time.Now().Before(expires), nil
}

// MarkApplied records an inbound transaction as applied for ttl.
func (t *Tx) MarkApplied(id, table, instanceID string, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := t.sqlTx.ExecContext(t.ctx, `
		INSERT OR REPLACE INTO applied_inbound (transaction_id, table_name, instance_id, applied_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, table, instanceID, now.Format(timeLayout), now.Add(ttl).Format(timeLayout))
	if err != nil {
		return fmt.Errorf("mark applied inbound: %w", err)
	}
	return nil
}

// CleanExpiredApplied removes expired applied-inbound records and returns
// how many were removed.
func (t *Tx) CleanExpiredApplied(now time.Time) (int64, error) {
	result, err := t.sqlTx.ExecContext(t.ctx, `
		DELETE FROM applied_inbound WHERE expires_at < ?
	`, now.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("clean expired applied inbound: %w", err)
	}
	return result.RowsAffected()
}

// Cursor reads the resume cursor in its own scope.
func (p *Pair) Cursor(ctx context.Context) (string, error) {
	var id string
	err := p.Read(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.Cursor()
		return err
	})
	return id, err
}

// CleanExpiredApplied purges expired applied-inbound records in its own scope.
func (p *Pair) CleanExpiredApplied(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := p.Write(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.CleanExpiredApplied(now)
		return err
	})
	return n, err
}
