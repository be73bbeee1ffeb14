package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const maxRetries = 3

// IsBusy reports whether err is an SQLite BUSY / locked condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// RunTx runs fn in a transaction, retrying up to three times on BUSY with
// 100/200/300 ms backoff.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for i := range maxRetries {
		if err = runOnce(ctx, db, fn); err == nil {
			return nil
		}
		if !IsBusy(err) {
			return err
		}
		if werr := sleepCtx(ctx, time.Duration(100*(i+1))*time.Millisecond); werr != nil {
			return fmt.Errorf("dbopen: context cancelled during retry: %w", werr)
		}
	}
	return fmt.Errorf("dbopen: RunTx: max retries exceeded: %w", err)
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
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
}

// Exec runs a statement with the same BUSY retry policy as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var err error
	for i := range maxRetries {
		var res sql.Result
		if res, err = db.ExecContext(ctx, query, args...); err == nil {
			return res, nil
		}
		if !IsBusy(err) {
			return nil, err
		}
		if werr := sleepCtx(ctx, time.Duration(100*(i+1))*time.Millisecond); werr != nil {
			return nil, fmt.Errorf("dbopen: context cancelled during retry: %w", werr)
		}
	}
	return nil, fmt.Errorf("dbopen: Exec: max retries exceeded: %w", err)
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
