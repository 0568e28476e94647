// Package types defines the shared domain model for the FolioBase billing
// core: plan catalog entries, subscription and payment ledger records, the
// billing event variants consumed by the reconciliation engine, and the
// application error taxonomy.
package types

import "time"

// PlanKey is the internal identifier for a subscription tier. It is stable
// across provider price changes; the catalog maps it to the provider price
// identifier that was in effect at a given time.
type PlanKey string

const (
	PlanFree         PlanKey = "free"
	PlanIndividual   PlanKey = "individual"
	PlanProfessional PlanKey = "professional"
	PlanAgency       PlanKey = "agency"
)

// SubscriptionStatus mirrors the provider's subscription lifecycle states
// that the ledger tracks.
type SubscriptionStatus string

const (
	SubStatusTrialing   SubscriptionStatus = "trialing"
	SubStatusActive     SubscriptionStatus = "active"
	SubStatusPastDue    SubscriptionStatus = "past_due"
	SubStatusCanceled   SubscriptionStatus = "canceled"
	SubStatusIncomplete SubscriptionStatus = "incomplete"
)

// ValidSubscriptionStatus reports whether s is one of the lifecycle states
// the ledger accepts. Events carrying anything else are malformed.
func ValidSubscriptionStatus(s SubscriptionStatus) bool {
	switch s {
	case SubStatusTrialing, SubStatusActive, SubStatusPastDue,
		SubStatusCanceled, SubStatusIncomplete:
		return true
	}
	return false
}

// PaymentStatus is the outcome state of a payment attempt.
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentPending   PaymentStatus = "pending"
	PaymentRefunded  PaymentStatus = "refunded"
)

// IsTerminal reports whether the status is final. Once a terminal status is
// recorded for a provider_payment_id, no later event may overwrite it; a
// contradictory event is a reconciliation conflict.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentSucceeded, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// ValidPaymentStatus reports whether s is a known payment outcome.
func ValidPaymentStatus(s PaymentStatus) bool {
	return s.IsTerminal() || s == PaymentPending
}

// PlanCatalogEntry maps a plan key to the provider price identifier that was
// active during [EffectiveFrom, EffectiveTo). A nil EffectiveTo means the
// mapping is still open-ended.
//
// Invariant: for any instant, at most one entry per plan key (and at most
// one per price id) covers that instant.
type PlanCatalogEntry struct {
	PlanKey         PlanKey    `json:"plan_key"`
	ProviderPriceID string     `json:"provider_price_id"`
	EffectiveFrom   time.Time  `json:"effective_from"`
	EffectiveTo     *time.Time `json:"effective_to,omitempty"`
}

// Covers reports whether the entry's effective range contains at.
func (e PlanCatalogEntry) Covers(at time.Time) bool {
	if at.Before(e.EffectiveFrom) {
		return false
	}
	return e.EffectiveTo == nil || at.Before(*e.EffectiveTo)
}

// Subscription is a row in the subscription ledger. Rows are created on the
// first event or snapshot referencing an unknown provider_subscription_id
// and are never physically deleted; cancellation is a status transition.
//
// ProviderEventSeq is monotonically non-decreasing across updates to the
// same row. An incoming event with a lower or equal sequence is a no-op.
// A nil ProviderEventSeq marks a row whose state came only from a snapshot,
// before any sequenced event was observed.
type Subscription struct {
	ID                     string             `json:"id"`
	UserID                 string             `json:"user_id"`
	PlanKey                PlanKey            `json:"plan_key"`
	ProviderSubscriptionID string             `json:"provider_subscription_id"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodStart     time.Time          `json:"current_period_start"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end"`
	UpdatedAt              time.Time          `json:"updated_at"`
	ProviderEventSeq       *int64             `json:"provider_event_seq,omitempty"`
}

// SeqOrZero returns the stored event sequence, treating "never sequenced"
// (nil) as the zero baseline.
func (s *Subscription) SeqOrZero() int64 {
	if s.ProviderEventSeq == nil {
		return 0
	}
	return *s.ProviderEventSeq
}

// Payment is an append-only row in the payment ledger. AmountCents is the
// amount in the currency's minor unit, as reported by the provider.
type Payment struct {
	ID                string        `json:"id"`
	SubscriptionID    string        `json:"subscription_id"`
	ProviderPaymentID string        `json:"provider_payment_id"`
	AmountCents       int64         `json:"amount"`
	Currency          string        `json:"currency"`
	Status            PaymentStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	ProviderEventSeq  int64         `json:"provider_event_seq"`
}

// CurrentStatus is the Query Facade's answer to "what is this user's plan
// right now". It is derived purely from the subscription ledger.
type CurrentStatus struct {
	PlanKey   PlanKey            `json:"plan_key"`
	Status    SubscriptionStatus `json:"status"`
	PeriodEnd time.Time          `json:"period_end"`
}
