// Package reconcile implements the reconciliation engine: the single writer
// of the subscription and payment ledgers. It folds incremental billing
// events and periodic provider snapshots into local state, guaranteeing
// per-entity idempotence and monotonic sequencing regardless of delivery
// order or duplication.
package reconcile

import (
	"context"
	"time"

	"foliobase/internal/types"
)

// SubscriptionStore is the subset of subscription persistence the engine
// needs. Implemented by db.SubscriptionRepo and by the in-memory fake used
// in tests.
type SubscriptionStore interface {
	// GetByProviderIDForUpdate returns (nil, nil) when the provider id is
	// unknown locally.
	GetByProviderIDForUpdate(ctx context.Context, providerSubID string) (*types.Subscription, error)
	Insert(ctx context.Context, s *types.Subscription) error
	// UpdateFromEvent writes only while the stored sequence is below seq;
	// returns false when the guard rejected the write.
	UpdateFromEvent(ctx context.Context, s *types.Subscription, seq int64) (bool, error)
	// UpdateFromSnapshot writes only while the stored updated_at is before
	// observedAt, and never touches the stored event sequence.
	UpdateFromSnapshot(ctx context.Context, s *types.Subscription, observedAt time.Time) (bool, error)
	ListStaleProviderIDs(ctx context.Context, cutoff time.Time) ([]string, error)
}

// PaymentStore is the subset of payment persistence the engine needs.
type PaymentStore interface {
	GetByProviderIDForUpdate(ctx context.Context, providerPaymentID string) (*types.Payment, error)
	Insert(ctx context.Context, p *types.Payment) error
	UpdateStatus(ctx context.Context, providerPaymentID string, status types.PaymentStatus, seq int64) (bool, error)
}

// Stores bundles the per-transaction repositories handed to a unit of work.
type Stores struct {
	Subscriptions SubscriptionStore
	Payments      PaymentStore
}

// UnitOfWork runs a function against transactional stores. All writes inside
// fn commit together or not at all; the engine applies each event in its own
// unit of work so a failed event never leaves a half-applied ledger.
type UnitOfWork interface {
	Within(ctx context.Context, fn func(s Stores) error) error
}
