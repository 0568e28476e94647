package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"foliobase/internal/types"
)

// fakeApplier returns a canned result or error per provider id.
type fakeApplier struct {
	applied []types.BillingEvent
	errFor  map[string]error
	results map[string]types.ApplyResult
}

func (f *fakeApplier) ApplyEvent(ctx context.Context, event types.BillingEvent) (types.ApplyResult, error) {
	f.applied = append(f.applied, event)
	if err, ok := f.errFor[event.ProviderID]; ok {
		return types.ApplyResult{}, err
	}
	if res, ok := f.results[event.ProviderID]; ok {
		return res, nil
	}
	return types.ApplyResult{
		ProviderID: event.ProviderID,
		Sequence:   event.Sequence,
		Outcome:    types.OutcomeApplied,
	}, nil
}

func newTestHandler(applier *fakeApplier) *Handler {
	return &Handler{
		engine: applier,
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
}

func sqsRecord(t *testing.T, messageID string, event types.BillingEvent) events.SQSMessage {
	t.Helper()

	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return events.SQSMessage{MessageId: messageID, Body: string(body)}
}

func testEvent(providerID string, seq int64) types.BillingEvent {
	return types.BillingEvent{
		Type:       types.EventSubscriptionUpserted,
		ProviderID: providerID,
		Sequence:   seq,
		OccurredAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Sub: &types.SubscriptionPayload{
			UserID:  "user-1",
			PriceID: "price_pro",
			Status:  types.SubStatusActive,
		},
	}
}

func TestHandle_AppliesBatch(t *testing.T) {
	applier := &fakeApplier{}
	h := newTestHandler(applier)

	resp, err := h.Handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{
			sqsRecord(t, "m1", testEvent("sub_1", 1)),
			sqsRecord(t, "m2", testEvent("sub_2", 1)),
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected no batch failures, got %v", resp.BatchItemFailures)
	}
	if len(applier.applied) != 2 {
		t.Errorf("expected 2 applied events, got %d", len(applier.applied))
	}
}

func TestHandle_PersistenceFailureReportsBatchItem(t *testing.T) {
	applier := &fakeApplier{
		errFor: map[string]error{
			"sub_2": types.NewAppError(types.ErrCodeInternalDB, "insert failed", errors.New("connection reset")),
		},
	}
	h := newTestHandler(applier)

	resp, err := h.Handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{
			sqsRecord(t, "m1", testEvent("sub_1", 1)),
			sqsRecord(t, "m2", testEvent("sub_2", 1)),
			sqsRecord(t, "m3", testEvent("sub_3", 1)),
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.BatchItemFailures) != 1 {
		t.Fatalf("expected 1 batch failure, got %d", len(resp.BatchItemFailures))
	}
	if resp.BatchItemFailures[0].ItemIdentifier != "m2" {
		t.Errorf("expected failure for m2, got %s", resp.BatchItemFailures[0].ItemIdentifier)
	}
}

func TestHandle_DomainOutcomeAcknowledged(t *testing.T) {
	applier := &fakeApplier{
		results: map[string]types.ApplyResult{
			"sub_1": {
				ProviderID: "sub_1",
				Sequence:   1,
				Outcome:    types.OutcomeConflict,
				Err:        types.NewAppError(types.ErrCodePaymentConflict, "terminal status contradiction", nil),
			},
		},
	}
	h := newTestHandler(applier)

	resp, err := h.Handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{sqsRecord(t, "m1", testEvent("sub_1", 1))},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A conflict will never apply; redelivery would reproduce it.
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected domain conflict to be acknowledged, got failures %v", resp.BatchItemFailures)
	}
}

func TestHandle_UnparseableBodyAcknowledged(t *testing.T) {
	applier := &fakeApplier{}
	h := newTestHandler(applier)

	resp, err := h.Handle(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{{MessageId: "m1", Body: "{not json"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected parse failure to be dropped, got failures %v", resp.BatchItemFailures)
	}
	if len(applier.applied) != 0 {
		t.Error("engine should not be called for unparseable messages")
	}
}
