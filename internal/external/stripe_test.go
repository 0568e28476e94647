package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"

	"foliobase/internal/types"
)

func newTestSnapshotClient(t *testing.T, handler http.Handler) *SnapshotClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base := NewBaseClient(srv.Client(), "stripe-test",
		RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: 2 * time.Millisecond},
		"FolioBase/test",
		WithSleepFunc(func(time.Duration) {}),
	)
	return NewSnapshotClientWithBase(base, SnapshotClientConfig{
		SecretKey: types.SecretString("sk_test_123"),
		BaseURL:   srv.URL,
	})
}

func subscriptionJSON(id, status, priceID, userID string) map[string]any {
	return map[string]any{
		"id":                   id,
		"status":               status,
		"current_period_start": time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
		"current_period_end":   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC).Unix(),
		"metadata":             map[string]any{"user_id": userID},
		"items": map[string]any{
			"data": []map[string]any{
				{"price": map[string]any{"id": priceID}},
			},
		},
	}
}

func TestSnapshotClient_FetchSnapshot_CollectsAllStatuses(t *testing.T) {
	client := newTestSnapshotClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/subscriptions", r.URL.Path)
		require.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))

		var data []map[string]any
		// One subscription in the active stream, one canceled; the other
		// status streams are empty.
		switch r.URL.Query().Get("status") {
		case "active":
			data = append(data, subscriptionJSON("sub_1", "active", "price_ind", "user_1"))
		case "canceled":
			data = append(data, subscriptionJSON("sub_2", "canceled", "price_pro", "user_2"))
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data, "has_more": false})
	}))

	snap, err := client.FetchSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Subscriptions, 2)
	assert.False(t, snap.Partial)
	assert.False(t, snap.TakenAt.IsZero())

	byID := map[string]types.SnapshotSubscription{}
	for _, s := range snap.Subscriptions {
		byID[s.ProviderSubscriptionID] = s
		assert.Equal(t, snap.TakenAt, s.ObservedAt)
	}
	assert.Equal(t, types.SubStatusActive, byID["sub_1"].Status)
	assert.Equal(t, "price_ind", byID["sub_1"].PriceID)
	assert.Equal(t, "user_1", byID["sub_1"].UserID)
	assert.Equal(t, types.SubStatusCanceled, byID["sub_2"].Status)
}

func TestSnapshotClient_FetchSnapshot_Paginates(t *testing.T) {
	client := newTestSnapshotClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "active" {
			json.NewEncoder(w).Encode(map[string]any{"data": []any{}, "has_more": false})
			return
		}
		// Two pages keyed by the cursor.
		if r.URL.Query().Get("starting_after") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"data":     []map[string]any{subscriptionJSON("sub_1", "active", "price_ind", "user_1")},
				"has_more": true,
			})
			return
		}
		require.Equal(t, "sub_1", r.URL.Query().Get("starting_after"))
		json.NewEncoder(w).Encode(map[string]any{
			"data":     []map[string]any{subscriptionJSON("sub_2", "active", "price_ind", "user_2")},
			"has_more": false,
		})
	}))

	snap, err := client.FetchSnapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Subscriptions, 2)
}

func TestSnapshotClient_FetchSnapshot_MapsUnpaidToPastDue(t *testing.T) {
	client := newTestSnapshotClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var data []map[string]any
		if r.URL.Query().Get("status") == "past_due" {
			data = append(data, subscriptionJSON("sub_1", "unpaid", "price_ind", "user_1"))
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data, "has_more": false})
	}))

	snap, err := client.FetchSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Subscriptions, 1)
	assert.Equal(t, types.SubStatusPastDue, snap.Subscriptions[0].Status)
}

func TestSnapshotClient_FetchSnapshot_ProviderError(t *testing.T) {
	var calls atomic.Int64
	client := newTestSnapshotClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"type":"api_error","message":"boom"}}`)
	}))

	_, err := client.FetchSnapshot(context.Background())
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamProvider, appErr.Code)
	// Retried at least once before giving up.
	assert.GreaterOrEqual(t, calls.Load(), int64(2))
}

func TestStripeVerifier_Verify(t *testing.T) {
	secret := types.SecretString("whsec_test_secret")
	payload := []byte(`{"type":"invoice.paid"}`)

	sp := stripe.GenerateTestSignedPayload(&stripe.UnsignedPayload{
		Payload: payload,
		Secret:  secret.Unmask(),
	})

	v := &StripeVerifier{}
	require.NoError(t, v.Verify(sp.Payload, sp.Header, secret))

	// Wrong secret fails.
	require.Error(t, v.Verify(sp.Payload, sp.Header, types.SecretString("whsec_wrong")))

	// Tampered payload fails.
	require.Error(t, v.Verify([]byte(`{"type":"invoice.voided"}`), sp.Header, secret))
}

func TestSnapshotFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json.zst")

	snap := &types.ProviderSnapshot{
		TakenAt: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		Subscriptions: []types.SnapshotSubscription{
			{
				ProviderSubscriptionID: "sub_1",
				UserID:                 "user_1",
				PriceID:                "price_ind",
				Status:                 types.SubStatusActive,
				ObservedAt:             time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
			},
		},
	}

	require.NoError(t, WriteSnapshotFile(path, snap))

	got, err := ReadSnapshotFile(path)
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestReadSnapshotFile_Missing(t *testing.T) {
	_, err := ReadSnapshotFile(filepath.Join(t.TempDir(), "nope.zst"))
	require.Error(t, err)
}
