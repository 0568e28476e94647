// Package handlers contains the HTTP handler implementations for the
// FolioBase billing API: provider webhook ingestion and the read-only
// billing query endpoints.
//
// The webhook handler is NOT behind auth middleware -- it is called directly
// by the payment provider. Security is provided by verifying the
// Stripe-Signature header against the endpoint signing secret.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"foliobase/internal/core"
	"foliobase/internal/external"
	"foliobase/internal/types"
)

// maxWebhookBodySize caps provider webhook payloads at 64 KB. Real payloads
// are a few kilobytes; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// Provider event types the webhook handler translates into billing events.
const (
	eventTypeSubCreated     = "customer.subscription.created"
	eventTypeSubUpdated     = "customer.subscription.updated"
	eventTypeSubDeleted     = "customer.subscription.deleted"
	eventTypeInvoicePaid    = "invoice.paid"
	eventTypeInvoiceFailed  = "invoice.payment_failed"
	eventTypeInvoicePending = "invoice.payment_action_required"
)

// EventApplier is the slice of the reconciliation engine the webhook handler
// needs. Satisfied by *reconcile.Engine.
type EventApplier interface {
	ApplyEvent(ctx context.Context, event types.BillingEvent) (types.ApplyResult, error)
}

// ProviderWebhookHandler ingests asynchronous billing events from the
// payment provider. It is unauthenticated (no session) but verifies the
// provider signature before touching any state.
type ProviderWebhookHandler struct {
	verifier external.WebhookVerifier
	engine   EventApplier
	secret   types.SecretString
	logger   *slog.Logger
}

// NewProviderWebhookHandler creates the webhook handler with its
// dependencies.
func NewProviderWebhookHandler(
	verifier external.WebhookVerifier,
	engine EventApplier,
	secret types.SecretString,
	logger *slog.Logger,
) *ProviderWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderWebhookHandler{
		verifier: verifier,
		engine:   engine,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Kept separate from the query
// routes because the webhook surface is public.
func (h *ProviderWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/webhooks/stripe", h.Handle)
}

// Handle processes one incoming provider webhook delivery.
//
//  1. Reads the raw body with a size limit.
//  2. Verifies the Stripe-Signature header.
//  3. Parses the provider event and translates it into a billing event.
//  4. Applies it through the reconciliation engine.
//
// Domain outcomes (duplicate, stale, conflict, rejected) are acknowledged
// with 200 so the provider does not redeliver an event that will never
// apply. Only persistence failures return 500: those deliveries must come
// back.
func (h *ProviderWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	var raw providerWebhookEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event JSON",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"invalid webhook event JSON",
			err,
		))
		return
	}

	event, ok := raw.toBillingEvent()
	if !ok {
		h.logger.InfoContext(r.Context(), "ignoring unhandled webhook event type",
			"event_id", raw.ID,
			"event_type", raw.Type,
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	result, err := h.engine.ApplyEvent(r.Context(), event)
	if err != nil {
		// Persistence failure: surface a 500 so the provider redelivers.
		h.logger.ErrorContext(r.Context(), "webhook event persistence failed",
			"event_id", raw.ID,
			"event_type", raw.Type,
			"provider_id", event.ProviderID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	if result.Err != nil {
		// Domain outcome (conflict, rejected): logged for investigation but
		// acknowledged, a redelivery would hit the same wall.
		h.logger.WarnContext(r.Context(), "webhook event not applied",
			"event_id", raw.ID,
			"event_type", raw.Type,
			"provider_id", result.ProviderID,
			"outcome", string(result.Outcome),
			"error", result.Err,
		)
	} else {
		h.logger.InfoContext(r.Context(), "webhook event processed",
			"event_id", raw.ID,
			"event_type", raw.Type,
			"provider_id", result.ProviderID,
			"outcome", string(result.Outcome),
		)
	}

	w.WriteHeader(http.StatusOK)
}

// ---------------------------------------------------------------------------
// Provider event parsing
// ---------------------------------------------------------------------------

// providerWebhookEvent is a minimal representation of a provider webhook
// event, tailored to the fields the translation needs. The full stripe.Event
// type is deliberately not imported here to keep the handler decoupled and
// testing straightforward.
type providerWebhookEvent struct {
	ID      string           `json:"id"`
	Type    string           `json:"type"`
	Created int64            `json:"created"`
	Data    providerEventRaw `json:"data"`
}

type providerEventRaw struct {
	Object json.RawMessage `json:"object"`
}

// providerSubscriptionObj carries the subscription fields used from
// customer.subscription.* event objects.
type providerSubscriptionObj struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// providerInvoiceObj carries the invoice fields used from invoice.* event
// objects.
type providerInvoiceObj struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	AmountPaid   int64  `json:"amount_paid"`
	AmountDue    int64  `json:"amount_due"`
	Currency     string `json:"currency"`
}

// toBillingEvent translates the provider event into the engine's event
// shape. Returns false for event types the billing core does not consume.
// The provider's created epoch doubles as the per-entity sequence number;
// it is monotonic per entity across the deliveries we care about, and
// redeliveries of the same event carry the same value.
func (e *providerWebhookEvent) toBillingEvent() (types.BillingEvent, bool) {
	switch e.Type {
	case eventTypeSubCreated, eventTypeSubUpdated:
		return e.subscriptionEvent(types.EventSubscriptionUpserted)
	case eventTypeSubDeleted:
		return e.subscriptionEvent(types.EventSubscriptionCanceled)
	case eventTypeInvoicePaid:
		return e.paymentEvent(types.PaymentSucceeded)
	case eventTypeInvoiceFailed:
		return e.paymentEvent(types.PaymentFailed)
	case eventTypeInvoicePending:
		return e.paymentEvent(types.PaymentPending)
	default:
		return types.BillingEvent{}, false
	}
}

func (e *providerWebhookEvent) subscriptionEvent(t types.EventType) (types.BillingEvent, bool) {
	var sub providerSubscriptionObj
	if err := json.Unmarshal(e.Data.Object, &sub); err != nil {
		return types.BillingEvent{}, false
	}

	var priceID string
	if len(sub.Items.Data) > 0 {
		priceID = sub.Items.Data[0].Price.ID
	}

	return types.BillingEvent{
		Type:       t,
		ProviderID: sub.ID,
		Sequence:   e.Created,
		OccurredAt: time.Unix(e.Created, 0).UTC(),
		Sub: &types.SubscriptionPayload{
			UserID:             sub.Metadata["user_id"],
			PriceID:            priceID,
			Status:             mapProviderSubscriptionStatus(sub.Status),
			CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
			CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		},
	}, true
}

func (e *providerWebhookEvent) paymentEvent(status types.PaymentStatus) (types.BillingEvent, bool) {
	var inv providerInvoiceObj
	if err := json.Unmarshal(e.Data.Object, &inv); err != nil {
		return types.BillingEvent{}, false
	}

	amount := inv.AmountPaid
	if status != types.PaymentSucceeded {
		amount = inv.AmountDue
	}

	return types.BillingEvent{
		Type:       types.EventPaymentRecorded,
		ProviderID: inv.ID,
		Sequence:   e.Created,
		OccurredAt: time.Unix(e.Created, 0).UTC(),
		Payment: &types.PaymentPayload{
			ProviderSubscriptionID: inv.Subscription,
			AmountCents:            amount,
			Currency:               inv.Currency,
			Status:                 status,
		},
	}, true
}

// mapProviderSubscriptionStatus folds the provider's wider status vocabulary
// into the ledger's lifecycle states. Unknown statuses pass through and are
// rejected by event validation.
func mapProviderSubscriptionStatus(s string) types.SubscriptionStatus {
	switch s {
	case "unpaid":
		return types.SubStatusPastDue
	case "incomplete_expired":
		return types.SubStatusCanceled
	default:
		return types.SubscriptionStatus(s)
	}
}
