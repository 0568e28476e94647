package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"golang.org/x/sync/errgroup"

	"foliobase/internal/types"
)

// stripeAPIBase is the default Stripe API base URL. Overridable in tests via
// SnapshotClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// snapshotStatuses are the subscription lifecycle filters fetched for a
// snapshot. Stripe's list endpoint defaults to excluding canceled
// subscriptions, so each status is enumerated explicitly; the per-status
// streams are independent and fetched concurrently.
var snapshotStatuses = []string{
	"trialing", "active", "past_due", "canceled", "incomplete",
}

// maxSnapshotPages caps pagination per status. Hitting the cap marks the
// snapshot partial rather than failing it.
const maxSnapshotPages = 200

// snapshotPageSize is Stripe's maximum list page size.
const snapshotPageSize = 100

// SnapshotClientConfig holds the configuration for creating a SnapshotClient.
type SnapshotClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// SnapshotClient fetches a full dump of provider-side subscription state by
// paging through the Stripe REST API. Calls go through BaseClient for
// circuit breaking and retry; per-status streams are fetched concurrently.
type SnapshotClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

// NewSnapshotClient creates a SnapshotClient with the default retry policy.
func NewSnapshotClient(httpClient *http.Client, cfg SnapshotClientConfig) *SnapshotClient {
	base := NewBaseClient(
		httpClient,
		"stripe-snapshot",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"FolioBase/1.0",
	)
	return NewSnapshotClientWithBase(base, cfg)
}

// NewSnapshotClientWithBase creates a SnapshotClient with a pre-configured
// BaseClient. Tests use this to control retry and breaker behavior.
func NewSnapshotClientWithBase(base *BaseClient, cfg SnapshotClientConfig) *SnapshotClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// stripeSubscription is the subset of Stripe's subscription object the
// snapshot needs. Decoded locally to stay decoupled from the stripe-go
// resource structs.
type stripeSubscription struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Metadata           struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
	Items struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeSubscriptionList struct {
	Data    []stripeSubscription `json:"data"`
	HasMore bool                 `json:"has_more"`
}

// FetchSnapshot enumerates every subscription visible to the account and
// returns them as a ProviderSnapshot. TakenAt and the per-entry ObservedAt
// are the fetch start time: Stripe reports live state, so the observation
// time is when the read happened, not any field of the object.
func (s *SnapshotClient) FetchSnapshot(ctx context.Context) (*types.ProviderSnapshot, error) {
	takenAt := time.Now().UTC()

	var mu sync.Mutex
	var all []types.SnapshotSubscription
	partial := false

	g, gctx := errgroup.WithContext(ctx)
	for _, status := range snapshotStatuses {
		g.Go(func() error {
			subs, truncated, err := s.fetchStatusPages(gctx, status, takenAt)
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, subs...)
			if truncated {
				partial = true
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Info("provider snapshot fetched",
		slog.Int("subscriptions", len(all)),
		slog.Bool("partial", partial),
	)

	return &types.ProviderSnapshot{
		TakenAt:       takenAt,
		Subscriptions: all,
		Partial:       partial,
	}, nil
}

// fetchStatusPages pages through one status filter. Returns truncated=true
// when the page cap was reached before has_more went false.
func (s *SnapshotClient) fetchStatusPages(ctx context.Context, status string, observedAt time.Time) ([]types.SnapshotSubscription, bool, error) {
	var out []types.SnapshotSubscription
	cursor := ""

	for page := 0; page < maxSnapshotPages; page++ {
		params := url.Values{}
		params.Set("status", status)
		params.Set("limit", fmt.Sprintf("%d", snapshotPageSize))
		if cursor != "" {
			params.Set("starting_after", cursor)
		}

		list, err := s.listSubscriptions(ctx, params)
		if err != nil {
			return nil, false, err
		}

		for _, sub := range list.Data {
			out = append(out, mapSnapshotSubscription(&sub, observedAt))
		}

		if !list.HasMore || len(list.Data) == 0 {
			return out, false, nil
		}
		cursor = list.Data[len(list.Data)-1].ID
	}

	s.logger.Warn("snapshot pagination cap reached; marking partial",
		slog.String("status", status),
	)
	return out, true, nil
}

func (s *SnapshotClient) listSubscriptions(ctx context.Context, params url.Values) (*stripeSubscriptionList, error) {
	reqURL := s.baseURL + "/v1/subscriptions?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to build subscriptions request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)

	resp, err := s.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp)
	}

	var list stripeSubscriptionList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode subscriptions response", err)
	}
	return &list, nil
}

func mapSnapshotSubscription(sub *stripeSubscription, observedAt time.Time) types.SnapshotSubscription {
	var priceID string
	if len(sub.Items.Data) > 0 {
		priceID = sub.Items.Data[0].Price.ID
	}
	return types.SnapshotSubscription{
		ProviderSubscriptionID: sub.ID,
		UserID:                 sub.Metadata.UserID,
		PriceID:                priceID,
		Status:                 mapSubscriptionStatus(sub.Status),
		CurrentPeriodStart:     time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:       time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		ObservedAt:             observedAt,
	}
}

// mapSubscriptionStatus folds Stripe's lifecycle vocabulary into the ledger's.
// Stripe's unpaid and incomplete_expired states both mean the subscription
// is not collectible; the ledger tracks them as past_due and canceled.
func mapSubscriptionStatus(status string) types.SubscriptionStatus {
	switch status {
	case "unpaid":
		return types.SubStatusPastDue
	case "incomplete_expired":
		return types.SubStatusCanceled
	default:
		return types.SubscriptionStatus(status)
	}
}

// stripeErrorResponse is the JSON error envelope returned by the Stripe API.
type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *SnapshotClient) handleErrorResponse(resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamProvider,
			fmt.Sprintf("provider returned status %d and response body was unreadable", resp.StatusCode),
			readErr)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamProvider,
			fmt.Sprintf("provider returned status %d with non-JSON body", resp.StatusCode),
			jsonErr)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimit,
			"provider rate limit exceeded", nil)
	default:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamProvider,
			fmt.Sprintf("provider error (%d): %s", resp.StatusCode, stripeErr.Error.Message), nil,
			map[string]any{"provider_code": stripeErr.Error.Code})
	}
}
