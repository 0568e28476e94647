package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"foliobase/internal/types"
)

// PaymentRepo provides data access for the append-only payment ledger.
// Rows are inserted once per provider_payment_id; the only permitted
// mutation is a status advance that never overwrites a terminal status.
type PaymentRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewPaymentRepo creates a PaymentRepo backed by the given database
// connection (pool or transaction).
func NewPaymentRepo(db DBTX, logger *slog.Logger) *PaymentRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentRepo{db: db, logger: logger}
}

const paymentColumns = `p.id, p.subscription_id, p.provider_payment_id,
	p.amount_cents, p.currency, p.status, p.created_at, p.provider_event_seq`

func scanPayment(row pgx.Row) (*types.Payment, error) {
	var p types.Payment
	err := row.Scan(
		&p.ID,
		&p.SubscriptionID,
		&p.ProviderPaymentID,
		&p.AmountCents,
		&p.Currency,
		&p.Status,
		&p.CreatedAt,
		&p.ProviderEventSeq,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByProviderIDForUpdate retrieves a payment by its provider id with a row
// lock. Must be called inside a transaction. Returns (nil, nil) when no row
// exists.
func (r *PaymentRepo) GetByProviderIDForUpdate(ctx context.Context, providerPaymentID string) (*types.Payment, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+`
		 FROM payments p
		 WHERE p.provider_payment_id = $1
		 FOR UPDATE`,
		providerPaymentID,
	)

	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve payment", err)
	}
	return p, nil
}

// Insert appends a new payment row. A unique-constraint violation on
// provider_payment_id is surfaced as a concurrency conflict so the caller
// can re-read and reclassify the event.
func (r *PaymentRepo) Insert(ctx context.Context, p *types.Payment) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO payments (id, subscription_id, provider_payment_id,
		 amount_cents, currency, status, created_at, provider_event_seq)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID,
		p.SubscriptionID,
		p.ProviderPaymentID,
		p.AmountCents,
		p.Currency,
		p.Status,
		p.CreatedAt,
		p.ProviderEventSeq,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictConcurrent,
				"payment already exists for provider id", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert payment", err)
	}
	return nil
}

// UpdateStatus advances a payment's status and sequence. The WHERE clause
// only admits the write while the stored sequence is lower, mirroring the
// subscription optimistic lock. Terminal-status protection is decided by
// the engine before calling this; the guard here is the last line of
// defense against a racing writer.
func (r *PaymentRepo) UpdateStatus(ctx context.Context, providerPaymentID string, status types.PaymentStatus, seq int64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE payments
		 SET status = $1, provider_event_seq = $2
		 WHERE provider_payment_id = $3
		   AND provider_event_seq < $2`,
		status,
		seq,
		providerPaymentID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update payment status", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Info("payment update rejected by optimistic lock",
			slog.String("provider_payment_id", providerPaymentID),
			slog.Int64("seq", seq),
		)
		return false, nil
	}
	return true, nil
}

// ListBySubscription returns up to limit payments for the subscription,
// newest first. created_at descends with id as the stable tie-break so two
// payments recorded at the same instant always list in the same order.
func (r *PaymentRepo) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]types.Payment, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+paymentColumns+`
		 FROM payments p
		 WHERE p.subscription_id = $1
		 ORDER BY p.created_at DESC, p.id DESC
		 LIMIT $2`,
		subscriptionID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list payments", err)
	}
	defer rows.Close()

	var payments []types.Payment
	for rows.Next() {
		var p types.Payment
		if err := rows.Scan(
			&p.ID,
			&p.SubscriptionID,
			&p.ProviderPaymentID,
			&p.AmountCents,
			&p.Currency,
			&p.Status,
			&p.CreatedAt,
			&p.ProviderEventSeq,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan payment", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate payments", err)
	}
	return payments, nil
}

// GetByProviderID is the lock-free read used by inspection tooling.
func (r *PaymentRepo) GetByProviderID(ctx context.Context, providerPaymentID string) (*types.Payment, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+`
		 FROM payments p
		 WHERE p.provider_payment_id = $1`,
		providerPaymentID,
	)

	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPayment, "payment not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve payment", err)
	}
	return p, nil
}
