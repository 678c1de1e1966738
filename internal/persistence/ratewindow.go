package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IncrementRateWindow counts one request against key's fixed window and
// returns the post-increment count and the window's reset time. An expired
// or missing window restarts at 1. The read and write share one
// transaction, so concurrent processes on the same database agree on the
// count.
func (s *Store) IncrementRateWindow(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	var (
		count   int
		resetAt int64
	)
	nowMS := now.UnixMilli()
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rate window: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx, `SELECT count, reset_at_ms FROM rate_windows WHERE key = ?;`, key).Scan(&count, &resetAt)
		switch {
		case errors.Is(err, sql.ErrNoRows) || (err == nil && nowMS >= resetAt):
			count = 1
			resetAt = nowMS + window.Milliseconds()
		case err != nil:
			return fmt.Errorf("read rate window: %w", err)
		default:
			count++
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rate_windows (key, count, reset_at_ms) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET count = excluded.count, reset_at_ms = excluded.reset_at_ms;
		`, key, count, resetAt); err != nil {
			return fmt.Errorf("write rate window: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	return count, time.UnixMilli(resetAt), nil
}

// EvictRateWindows deletes windows that reset before now.
func (s *Store) EvictRateWindows(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_windows WHERE reset_at_ms <= ?;`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("evict rate windows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
