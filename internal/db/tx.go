package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"foliobase/internal/reconcile"
	"foliobase/internal/types"
)

// PgUnitOfWork implements reconcile.UnitOfWork over a pgx connection pool.
// Each Within call runs in its own transaction; the repos handed to fn are
// bound to that transaction, so row locks taken via the ForUpdate reads hold
// until commit or rollback.
type PgUnitOfWork struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPgUnitOfWork creates a PgUnitOfWork over the given pool.
func NewPgUnitOfWork(pool *pgxpool.Pool, logger *slog.Logger) *PgUnitOfWork {
	if logger == nil {
		logger = slog.Default()
	}
	return &PgUnitOfWork{pool: pool, logger: logger}
}

// Within starts a transaction, hands transaction-bound stores to fn, and
// commits on success. Any error from fn rolls the transaction back and is
// returned unchanged so callers can inspect AppError codes.
func (u *PgUnitOfWork) Within(ctx context.Context, fn func(s reconcile.Stores) error) error {
	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer func() {
		// Rollback after a successful commit returns pgx.ErrTxClosed.
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			u.logger.Error("transaction rollback failed", slog.String("error", rbErr.Error()))
		}
	}()

	stores := reconcile.Stores{
		Subscriptions: NewSubscriptionRepo(tx, u.logger),
		Payments:      NewPaymentRepo(tx, u.logger),
	}

	if err := fn(stores); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit transaction", err)
	}
	return nil
}
