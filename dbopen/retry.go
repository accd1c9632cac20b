package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Busy-retry policy. Log inserts from the detection loops contend with the
// periodic retention delete; a short linear backoff resolves that without
// surfacing SQLITE_BUSY to callers.
const (
	busyAttempts = 3
	busyBackoff  = 100 * time.Millisecond
)

// IsBusy reports whether err is an SQLite lock contention error. The
// modernc driver surfaces these as text, not typed errors.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withRetry runs op, retrying on busy errors with linear backoff. Any other
// error, or the final busy error, is returned as-is.
func withRetry(ctx context.Context, op func() error) error {
	var err error
	for i := 0; i < busyAttempts; i++ {
		if err = op(); err == nil || !IsBusy(err) {
			return err
		}
		if i == busyAttempts-1 {
			break
		}
		if werr := sleepCtx(ctx, time.Duration(i+1)*busyBackoff); werr != nil {
			return fmt.Errorf("dbopen: wait for retry: %w", werr)
		}
	}
	return err
}

// Exec runs a single statement with busy retry.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := withRetry(ctx, func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RunTx runs fn inside a transaction with busy retry. fn may run more than
// once; it must not carry side effects outside the transaction.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return withRetry(ctx, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
