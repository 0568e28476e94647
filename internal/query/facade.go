// Package query is the read-only facade over the billing ledgers. It never
// writes, never triggers reconciliation, and answers entirely from local
// state.
package query

import (
	"context"

	"foliobase/internal/types"
)

// SubscriptionReader is the read surface the facade needs from the
// subscription repository.
type SubscriptionReader interface {
	GetCurrentByUserID(ctx context.Context, userID string) (*types.Subscription, error)
}

// PaymentReader is the read surface the facade needs from the payment
// repository.
type PaymentReader interface {
	ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]types.Payment, error)
}

// defaultPaymentLimit caps payment listings when the caller passes a
// non-positive limit.
const defaultPaymentLimit = 50

// Facade answers status and payment-history questions from the ledgers.
type Facade struct {
	subs     SubscriptionReader
	payments PaymentReader
}

// NewFacade creates a Facade over the given readers.
func NewFacade(subs SubscriptionReader, payments PaymentReader) *Facade {
	return &Facade{subs: subs, payments: payments}
}

// GetCurrentStatus returns the user's current plan, lifecycle status, and
// period end, derived from the most recently updated subscription row.
// Returns not_found_subscription when the user has no subscription; the
// caller decides whether that means the free tier or an error surface.
func (f *Facade) GetCurrentStatus(ctx context.Context, userID string) (*types.CurrentStatus, error) {
	if userID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "user id is required", nil)
	}

	s, err := f.subs.GetCurrentByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &types.CurrentStatus{
		PlanKey:   s.PlanKey,
		Status:    s.Status,
		PeriodEnd: s.CurrentPeriodEnd,
	}, nil
}

// ListPayments returns up to limit payments for the subscription, newest
// first with the row id as the stable tie-break. An unknown subscription id
// yields an empty list, not an error: absence of payments is a valid answer.
func (f *Facade) ListPayments(ctx context.Context, subscriptionID string, limit int) ([]types.Payment, error) {
	if subscriptionID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "subscription id is required", nil)
	}
	if limit <= 0 {
		limit = defaultPaymentLimit
	}
	return f.payments.ListBySubscription(ctx, subscriptionID, limit)
}
