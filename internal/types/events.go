package types

import "time"

// EventType tags the billing event variants the reconciliation engine
// understands. Anything else delivered by the ingestion layer is ignored
// before it reaches the engine.
type EventType string

const (
	EventSubscriptionUpserted EventType = "subscription_upserted"
	EventSubscriptionCanceled EventType = "subscription_canceled"
	EventPaymentRecorded      EventType = "payment_recorded"
)

// BillingEvent is a single incremental billing fact delivered by the
// provider, possibly duplicated or out of order. ProviderID names the
// provider-side entity the event is about (subscription id for the
// subscription variants, payment id for PaymentRecorded). Sequence is the
// provider's per-entity ordering number; exactly one payload field is set,
// matching Type.
type BillingEvent struct {
	Type       EventType            `json:"type"`
	ProviderID string               `json:"provider_id"`
	Sequence   int64                `json:"sequence"`
	OccurredAt time.Time            `json:"occurred_at"`
	Sub        *SubscriptionPayload `json:"subscription,omitempty"`
	Payment    *PaymentPayload      `json:"payment,omitempty"`
}

// SubscriptionPayload carries the provider's view of a subscription for
// SubscriptionUpserted and SubscriptionCanceled events. PriceID is resolved
// to a plan key through the catalog at event time.
type SubscriptionPayload struct {
	UserID             string             `json:"user_id"`
	PriceID            string             `json:"price_id"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
}

// PaymentPayload carries a payment outcome for PaymentRecorded events.
// ProviderSubscriptionID links the payment to its subscription; if that
// subscription is not yet known locally, the engine synthesizes a
// placeholder row so the foreign key holds.
type PaymentPayload struct {
	ProviderSubscriptionID string        `json:"provider_subscription_id"`
	AmountCents            int64         `json:"amount"`
	Currency               string        `json:"currency"`
	Status                 PaymentStatus `json:"status"`
}

// ApplyOutcome classifies what the engine did with a single event.
type ApplyOutcome string

const (
	// OutcomeCreated: the event referenced an unknown provider id and a new
	// ledger row was created.
	OutcomeCreated ApplyOutcome = "created"
	// OutcomeApplied: the event advanced an existing row.
	OutcomeApplied ApplyOutcome = "applied"
	// OutcomeDuplicate: same sequence as stored; idempotent no-op.
	OutcomeDuplicate ApplyOutcome = "duplicate"
	// OutcomeStale: lower sequence than stored; ignored with a
	// StaleEventIgnored diagnostic.
	OutcomeStale ApplyOutcome = "stale"
	// OutcomeConflict: the event contradicts a terminal payment status and
	// was surfaced instead of applied.
	OutcomeConflict ApplyOutcome = "conflict"
	// OutcomeRejected: the event failed validation (malformed, unknown
	// price) and was skipped.
	OutcomeRejected ApplyOutcome = "rejected"
)

// ApplyResult reports the outcome of applying one event. Err is set for
// conflict and rejected outcomes; informational outcomes (duplicate, stale)
// carry no error.
type ApplyResult struct {
	ProviderID string       `json:"provider_id"`
	Sequence   int64        `json:"sequence"`
	Outcome    ApplyOutcome `json:"outcome"`
	Err        error        `json:"-"`
}

// SnapshotSubscription is one subscription in a provider full-state dump.
// ObservedAt is the provider-reported state timestamp used to decide whether
// the snapshot is ahead of or behind the locally reconciled state.
type SnapshotSubscription struct {
	ProviderSubscriptionID string             `json:"provider_subscription_id"`
	UserID                 string             `json:"user_id"`
	PriceID                string             `json:"price_id"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodStart     time.Time          `json:"current_period_start"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end"`
	ObservedAt             time.Time          `json:"observed_at"`
}

// ProviderSnapshot is a full point-in-time dump of provider-side billing
// state, used for drift correction when events were missed entirely.
// Partial is set when the fetch could not enumerate every subscription
// (provider pagination cut short); a partial snapshot never triggers
// absence reporting.
type ProviderSnapshot struct {
	TakenAt       time.Time              `json:"taken_at"`
	Subscriptions []SnapshotSubscription `json:"subscriptions"`
	Partial       bool                   `json:"partial,omitempty"`
}

// SnapshotReport summarizes an ApplySnapshot pass.
type SnapshotReport struct {
	Overwritten int `json:"overwritten"`
	Created     int `json:"created"`
	Behind      int `json:"behind"` // SnapshotBehindLocal occurrences
	Rejected    int `json:"rejected"`
	// MissingLocally lists provider_subscription_ids present locally but
	// absent from a complete snapshot for longer than the grace window.
	// These are reported for operator review, never auto-canceled.
	MissingLocally []string `json:"missing_locally,omitempty"`
}
