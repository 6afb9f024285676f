package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const DBTxKey contextKey = "db_tx"

// TxFromContext retrieves an in-flight transaction from context, if any.
// Repositories check this before falling back to the practice connection.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the practice-scoped connection in ctx and
// returns the transaction together with a derived context carrying it, so
// that repository calls made with that context join the transaction. The
// caller owns Commit/Rollback.
func WithTx(ctx context.Context) (pgx.Tx, context.Context, error) {
	if tx := TxFromContext(ctx); tx != nil {
		return tx, ctx, nil
	}

	conn := ConnFromContext(ctx)
	if conn == nil {
		return nil, ctx, fmt.Errorf("no database connection in context")
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, ctx, fmt.Errorf("begin transaction: %w", err)
	}

	return tx, context.WithValue(ctx, DBTxKey, tx), nil
}

// RunInTx runs fn inside a transaction on the practice-scoped connection,
// committing on success and rolling back on error. Inside an existing
// transaction fn simply joins it; without a pinned connection (unit tests,
// in-memory stores) fn runs directly.
func RunInTx(ctx context.Context, fn func(context.Context) error) error {
	if TxFromContext(ctx) != nil || ConnFromContext(ctx) == nil {
		return fn(ctx)
	}

	tx, txCtx, err := WithTx(ctx)
	if err != nil {
		return err
	}
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
