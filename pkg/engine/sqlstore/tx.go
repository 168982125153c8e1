package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

type txValue struct {
	db *sql.DB
	tx *sql.Tx
}

// ContextWithTx returns a context that makes models of an engine on db use tx.
func ContextWithTx(ctx context.Context, db *sql.DB, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, txValue{db: db, tx: tx})
}

func txFromContext(ctx context.Context, db *sql.DB) (*sql.Tx, bool) {
	v, ok := ctx.Value(txKey{}).(txValue)
	if !ok || v.db != db || v.tx == nil {
		return nil, false
	}
	return v.tx, true
}

func querier(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := txFromContext(ctx, db); ok {
		return tx
	}
	return db
}

// inTx runs fn in the transaction carried by ctx, or in a new one that is
// committed when fn succeeds.
func (e *Engine) inTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx, ok := txFromContext(ctx, e.db); ok {
		return fn(ctx, tx)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if err := tx.Rollback(); err != nil {
				e.logger.Error("failed to rollback transaction", zap.Error(err))
			}
			panic(p)
		}
	}()

	if err := fn(ContextWithTx(ctx, e.db, tx), tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WithTx runs fn in one transaction shared by every model of e, including
// the writes made by lifecycle listeners.
func (e *Engine) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.inTx(ctx, func(ctx context.Context, _ Querier) error {
		return fn(ctx)
	})
}
