package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"foliobase/internal/types"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

// mockWebhookVerifier implements external.WebhookVerifier for testing.
type mockWebhookVerifier struct {
	err error
}

func (m *mockWebhookVerifier) Verify(payload []byte, header string, secret types.SecretString) error {
	return m.err
}

// mockEventApplier records the events it receives and returns a canned
// result.
type mockEventApplier struct {
	events []types.BillingEvent
	result types.ApplyResult
	err    error
}

func (m *mockEventApplier) ApplyEvent(ctx context.Context, event types.BillingEvent) (types.ApplyResult, error) {
	m.events = append(m.events, event)
	if m.err != nil {
		return types.ApplyResult{}, m.err
	}
	res := m.result
	if res.ProviderID == "" {
		res.ProviderID = event.ProviderID
	}
	if res.Outcome == "" {
		res.Outcome = types.OutcomeApplied
	}
	return res, nil
}

func newWebhookTestRouter(verifier *mockWebhookVerifier, applier *mockEventApplier) http.Handler {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := NewProviderWebhookHandler(verifier, applier, types.SecretString("whsec_test"), logger)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func postWebhook(t *testing.T, router http.Handler, body []byte, signed bool) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/billing/webhooks/stripe", bytes.NewReader(body))
	if signed {
		req.Header.Set("Stripe-Signature", "t=1700000000,v1=sig")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func subscriptionEventBody(t *testing.T, eventType, subID, priceID, status string, created int64) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"id":      "evt_" + subID,
		"type":    eventType,
		"created": created,
		"data": map[string]any{
			"object": map[string]any{
				"id":                   subID,
				"status":               status,
				"metadata":             map[string]string{"user_id": "user-1"},
				"current_period_start": created - 86400,
				"current_period_end":   created + 86400,
				"items": map[string]any{
					"data": []map[string]any{
						{"price": map[string]any{"id": priceID}},
					},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("failed to marshal event body: %v", err)
	}
	return body
}

func invoiceEventBody(t *testing.T, eventType, invoiceID, subID string, created int64) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"id":      "evt_" + invoiceID,
		"type":    eventType,
		"created": created,
		"data": map[string]any{
			"object": map[string]any{
				"id":           invoiceID,
				"subscription": subID,
				"amount_paid":  2900,
				"amount_due":   2900,
				"currency":     "usd",
			},
		},
	})
	if err != nil {
		t.Fatalf("failed to marshal event body: %v", err)
	}
	return body
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestWebhook_MissingSignature(t *testing.T) {
	applier := &mockEventApplier{}
	router := newWebhookTestRouter(&mockWebhookVerifier{}, applier)

	rec := postWebhook(t, router, []byte(`{}`), false)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
	if len(applier.events) != 0 {
		t.Error("engine should not be called without a signature")
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	applier := &mockEventApplier{}
	verifier := &mockWebhookVerifier{err: errors.New("signature mismatch")}
	router := newWebhookTestRouter(verifier, applier)

	body := subscriptionEventBody(t, eventTypeSubUpdated, "sub_1", "price_pro", "active", 1700000000)
	rec := postWebhook(t, router, body, true)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
	if len(applier.events) != 0 {
		t.Error("engine should not be called on signature failure")
	}
}

func TestWebhook_MalformedJSON(t *testing.T) {
	applier := &mockEventApplier{}
	router := newWebhookTestRouter(&mockWebhookVerifier{}, applier)

	rec := postWebhook(t, router, []byte(`{not json`), true)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
}

func TestWebhook_SubscriptionUpdated_Translated(t *testing.T) {
	applier := &mockEventApplier{}
	router := newWebhookTestRouter(&mockWebhookVerifier{}, applier)

	body := subscriptionEventBody(t, eventTypeSubUpdated, "sub_42", "price_pro", "active", 1700000000)
	rec := postWebhook(t, router, body, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if len(applier.events) != 1 {
		t.Fatalf("expected 1 applied event, got %d", len(applier.events))
	}

	ev := applier.events[0]
	if ev.Type != types.EventSubscriptionUpserted {
		t.Errorf("type: got %s, want %s", ev.Type, types.EventSubscriptionUpserted)
	}
	if ev.ProviderID != "sub_42" {
		t.Errorf("provider_id: got %s, want sub_42", ev.ProviderID)
	}
	if ev.Sequence != 1700000000 {
		t.Errorf("sequence: got %d, want 1700000000", ev.Sequence)
	}
	if !ev.OccurredAt.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Errorf("occurred_at: got %v", ev.OccurredAt)
	}
	if ev.Sub == nil {
		t.Fatal("subscription payload must be set")
	}
	if ev.Sub.UserID != "user-1" {
		t.Errorf("user_id: got %s, want user-1", ev.Sub.UserID)
	}
	if ev.Sub.PriceID != "price_pro" {
		t.Errorf("price_id: got %s, want price_pro", ev.Sub.PriceID)
	}
	if ev.Sub.Status != types.SubStatusActive {
		t.Errorf("status: got %s, want active", ev.Sub.Status)
	}
}

func TestWebhook_SubscriptionDeleted_BecomesCancel(t *testing.T) {
	applier := &mockEventApplier{}
	router := newWebhookTestRouter(&mockWebhookVerifier{}, applier)

	body := subscriptionEventBody(t, eventTypeSubDeleted, "sub_42", "price_pro", "canceled", 1700000100)
	rec := postWebhook(t, router, body, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if len(applier.events) != 1 {
		t.Fatalf("expected 1 applied event, got %d", len(applier.events))
	}
	if applier.events[0].Type != types.EventSubscriptionCanceled {
		t.Errorf("type: got %s, want %s", applier.events[0].Type, types.EventSubscriptionCanceled)
	}
}

func TestWebhook_UnpaidStatusFoldsToPastDue(t *testing.T) {
	applier := &mockEventApplier{}
	router := newWebhookTestRouter(&mockWebhookVerifier{}, applier)

	body := subscriptionEventBody(t, eventTypeSubUpdated, "sub_42", "price_pro", "unpaid", 1700000000)
	postWebhook(t, router, body, true)

	if len(applier.events) != 1 {
		t.Fatalf("expected 1 applied event, got %d", len(applier.events))
	}
	if applier.events[0].Sub.Status != types.SubStatusPastDue {
		t.Errorf("status: got %s, want past_due", applier.events[0].Sub.Status)
	}
}

func TestWebhook_InvoicePaid_BecomesPayment(t *testing.T) {
	applier := &mockEventApplier{}
	router := newWebhookTestRouter(&mockWebhookVerifier{}, applier)

	body := invoiceEventBody(t, eventTypeInvoicePaid, "in_77", "sub_42", 1700000200)
	rec := postWebhook(t, router, body, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if len(applier.events) != 1 {
		t.Fatalf("expected 1 applied event, got %d", len(applier.events))
	}

	ev := applier.events[0]
	if ev.Type != types.EventPaymentRecorded {
		t.Errorf("type: got %s, want %s", ev.Type, types.EventPaymentRecorded)
	}
	if ev.ProviderID != "in_77" {
		t.Errorf("provider_id: got %s, want in_77", ev.ProviderID)
	}
	if ev.Payment == nil {
		t.Fatal("payment payload must be set")
	}
	if ev.Payment.ProviderSubscriptionID != "sub_42" {
		t.Errorf("provider_subscription_id: got %s", ev.Payment.ProviderSubscriptionID)
	}
	if ev.Payment.AmountCents != 2900 {
		t.Errorf("amount: got %d, want 2900", ev.Payment.AmountCents)
	}
	if ev.Payment.Status != types.PaymentSucceeded {
		t.Errorf("status: got %s, want succeeded", ev.Payment.Status)
	}
}

func TestWebhook_InvoiceFailed_BecomesFailedPayment(t *testing.T) {
	applier := &mockEventApplier{}
	router := newWebhookTestRouter(&mockWebhookVerifier{}, applier)

	body := invoiceEventBody(t, eventTypeInvoiceFailed, "in_78", "sub_42", 1700000300)
	postWebhook(t, router, body, true)

	if len(applier.events) != 1 {
		t.Fatalf("expected 1 applied event, got %d", len(applier.events))
	}
	if applier.events[0].Payment.Status != types.PaymentFailed {
		t.Errorf("status: got %s, want failed", applier.events[0].Payment.Status)
	}
}

func TestWebhook_UnhandledEventTypeAcknowledged(t *testing.T) {
	applier := &mockEventApplier{}
	router := newWebhookTestRouter(&mockWebhookVerifier{}, applier)

	body := []byte(`{"id":"evt_1","type":"customer.created","created":1700000000,"data":{"object":{}}}`)
	rec := postWebhook(t, router, body, true)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200 for unhandled type, got %d", rec.Code)
	}
	if len(applier.events) != 0 {
		t.Error("engine should not be called for unhandled event types")
	}
}

func TestWebhook_PersistenceFailureReturns500(t *testing.T) {
	applier := &mockEventApplier{
		err: types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription", errors.New("connection reset")),
	}
	router := newWebhookTestRouter(&mockWebhookVerifier{}, applier)

	body := subscriptionEventBody(t, eventTypeSubUpdated, "sub_42", "price_pro", "active", 1700000000)
	rec := postWebhook(t, router, body, true)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500 so the provider redelivers, got %d", rec.Code)
	}
}

func TestWebhook_DomainConflictAcknowledged(t *testing.T) {
	applier := &mockEventApplier{
		result: types.ApplyResult{
			ProviderID: "in_77",
			Outcome:    types.OutcomeConflict,
			Err:        types.NewAppError(types.ErrCodePaymentConflict, "terminal status contradiction", nil),
		},
	}
	router := newWebhookTestRouter(&mockWebhookVerifier{}, applier)

	body := invoiceEventBody(t, eventTypeInvoicePaid, "in_77", "sub_42", 1700000400)
	rec := postWebhook(t, router, body, true)

	// A conflict will never apply; redelivery would hit the same wall.
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200 for domain conflict, got %d", rec.Code)
	}
}
