package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"foliobase/internal/types"
)

// SubscriptionRepo provides data access for the subscriptions ledger.
//
// Key invariants enforced here:
//   - provider_subscription_id is unique (dedup of provider entities).
//   - UpdateFromEvent uses optimistic locking on provider_event_seq so a
//     concurrent writer that already applied a newer event cannot be
//     overwritten by a stale one, even if the caller's in-memory sequence
//     check raced.
//   - UpdateFromSnapshot uses the same pattern on updated_at for
//     timestamp-guarded snapshot overwrites.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

// subscriptionColumns is the standard column set for subscription queries.
// Used consistently across all query methods to avoid column drift.
const subscriptionColumns = `s.id, s.user_id, s.plan_key, s.provider_subscription_id,
	s.status, s.current_period_start, s.current_period_end, s.updated_at, s.provider_event_seq`

// scanSubscription scans a single subscription row. The columns must match
// the order defined in subscriptionColumns. user_id and plan_key are
// nullable: placeholder rows synthesized for early payments carry neither.
func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	var (
		userID  *string
		planKey *string
	)
	err := row.Scan(
		&s.ID,
		&userID,
		&planKey,
		&s.ProviderSubscriptionID,
		&s.Status,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.UpdatedAt,
		&s.ProviderEventSeq,
	)
	if err != nil {
		return nil, err
	}
	if userID != nil {
		s.UserID = *userID
	}
	if planKey != nil {
		s.PlanKey = types.PlanKey(*planKey)
	}
	return &s, nil
}

// GetByProviderIDForUpdate retrieves a subscription by its provider id,
// taking a row lock so concurrent appliers for the same provider id
// serialize behind it. Must be called inside a transaction. Returns
// (nil, nil) when no row exists.
func (r *SubscriptionRepo) GetByProviderIDForUpdate(ctx context.Context, providerSubID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions s
		 WHERE s.provider_subscription_id = $1
		 FOR UPDATE`,
		providerSubID,
	)

	s, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve subscription", err)
	}
	return s, nil
}

// Insert creates a new subscription row. A unique-constraint violation on
// provider_subscription_id means a concurrent applier created the row first;
// this is surfaced as a concurrency conflict so the caller can retry its
// read-modify-write.
func (r *SubscriptionRepo) Insert(ctx context.Context, s *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (id, user_id, plan_key, provider_subscription_id,
		 status, current_period_start, current_period_end, updated_at, provider_event_seq)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID,
		nilIfEmpty(s.UserID),
		nilIfEmpty(string(s.PlanKey)),
		s.ProviderSubscriptionID,
		s.Status,
		s.CurrentPeriodStart,
		s.CurrentPeriodEnd,
		s.UpdatedAt,
		s.ProviderEventSeq,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictConcurrent,
				"subscription already exists for provider id", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert subscription", err)
	}
	return nil
}

// UpdateFromEvent applies an event-driven update. The WHERE clause enforces
// monotonic sequencing: the row is only written if the stored sequence is
// NULL or strictly lower than the incoming one. Returns false (no error)
// when the optimistic lock rejected the write -- the caller decides whether
// that is a duplicate or a stale event.
func (r *SubscriptionRepo) UpdateFromEvent(ctx context.Context, s *types.Subscription, seq int64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET user_id = COALESCE($1, user_id),
		     plan_key = COALESCE($2, plan_key),
		     status = $3,
		     current_period_start = $4,
		     current_period_end = $5,
		     updated_at = $6,
		     provider_event_seq = $7
		 WHERE provider_subscription_id = $8
		   AND (provider_event_seq IS NULL OR provider_event_seq < $7)`,
		nilIfEmpty(s.UserID),
		nilIfEmpty(string(s.PlanKey)),
		s.Status,
		s.CurrentPeriodStart,
		s.CurrentPeriodEnd,
		s.UpdatedAt,
		seq,
		s.ProviderSubscriptionID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Info("subscription event rejected by optimistic lock",
			slog.String("provider_subscription_id", s.ProviderSubscriptionID),
			slog.Int64("seq", seq),
		)
		return false, nil
	}
	return true, nil
}

// UpdateFromSnapshot overwrites a subscription from provider snapshot state.
// The stored provider_event_seq is left untouched: snapshots carry no
// sequence, and a later event must still compare against the last sequenced
// update. The write only lands when the snapshot observation is newer than
// the locally recorded update.
func (r *SubscriptionRepo) UpdateFromSnapshot(ctx context.Context, s *types.Subscription, observedAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET user_id = COALESCE($1, user_id),
		     plan_key = COALESCE($2, plan_key),
		     status = $3,
		     current_period_start = $4,
		     current_period_end = $5,
		     updated_at = $6
		 WHERE provider_subscription_id = $7
		   AND updated_at < $6`,
		nilIfEmpty(s.UserID),
		nilIfEmpty(string(s.PlanKey)),
		s.Status,
		s.CurrentPeriodStart,
		s.CurrentPeriodEnd,
		observedAt,
		s.ProviderSubscriptionID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription from snapshot", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetCurrentByUserID returns the user's most recent subscription row,
// ordered by updated_at with id as the stable tie-break. Returns
// not_found_subscription when the user has no subscription at all.
func (r *SubscriptionRepo) GetCurrentByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions s
		 WHERE s.user_id = $1
		 ORDER BY s.updated_at DESC, s.id DESC
		 LIMIT 1`,
		userID,
	)

	s, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotSubscribed, "user has no subscription", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve current subscription", err)
	}
	return s, nil
}

// GetByProviderID is the lock-free read used by inspection tooling.
// Returns not_found_subscription when no row exists.
func (r *SubscriptionRepo) GetByProviderID(ctx context.Context, providerSubID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions s
		 WHERE s.provider_subscription_id = $1`,
		providerSubID,
	)

	s, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotSubscribed, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve subscription", err)
	}
	return s, nil
}

// ListStaleProviderIDs returns the provider ids of non-canceled
// subscriptions whose last update is older than the cutoff. Used by
// snapshot reconciliation to report rows that a complete snapshot has not
// mentioned for longer than the grace window.
func (r *SubscriptionRepo) ListStaleProviderIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT provider_subscription_id FROM subscriptions
		 WHERE status <> 'canceled' AND updated_at < $1
		 ORDER BY provider_subscription_id`,
		cutoff,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list stale subscriptions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate stale subscriptions", err)
	}
	return ids, nil
}

// nilIfEmpty returns nil if the string is empty, otherwise a pointer to it.
// Used to store NULL for fields a placeholder row does not know yet.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isUniqueViolation checks if the error is a PostgreSQL unique constraint
// violation (error code 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
