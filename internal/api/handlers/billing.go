package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"foliobase/internal/core"
	"foliobase/internal/types"
)

// maxPaymentPageSize bounds the limit query parameter on the payment
// listing endpoint.
const maxPaymentPageSize = 200

// StatusReader is the slice of the query facade the billing handler needs.
// Satisfied by *query.Facade.
type StatusReader interface {
	GetCurrentStatus(ctx context.Context, userID string) (*types.CurrentStatus, error)
	ListPayments(ctx context.Context, subscriptionID string, limit int) ([]types.Payment, error)
}

// BillingQueryHandler serves the read-only billing endpoints. It answers
// entirely from the local ledgers and never triggers reconciliation.
type BillingQueryHandler struct {
	reader StatusReader
	logger *slog.Logger
}

// NewBillingQueryHandler creates the query handler.
func NewBillingQueryHandler(reader StatusReader, logger *slog.Logger) *BillingQueryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingQueryHandler{reader: reader, logger: logger}
}

// RegisterRoutes mounts the billing query endpoints.
func (h *BillingQueryHandler) RegisterRoutes(r chi.Router) {
	r.Get("/billing/users/{userID}/status", h.GetCurrentStatus)
	r.Get("/billing/subscriptions/{subscriptionID}/payments", h.ListPayments)
}

// GetCurrentStatus returns the user's current plan, lifecycle status, and
// period end. A user with no subscription on record yields a 404 with the
// not_found_subscription code; the portfolio frontend treats that as the
// free tier.
func (h *BillingQueryHandler) GetCurrentStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	status, err := h.reader.GetCurrentStatus(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: status})
}

// ListPayments returns the subscription's payment history, newest first.
// The limit query parameter caps the page; an unknown subscription id yields
// an empty list.
func (h *BillingQueryHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	subscriptionID := chi.URLParam(r, "subscriptionID")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			core.Error(w, r, types.NewAppErrorWithDetails(
				types.ErrCodeValidationMissingField,
				"limit must be a positive integer",
				err,
				map[string]any{"limit": raw},
			))
			return
		}
		limit = parsed
	}
	if limit > maxPaymentPageSize {
		limit = maxPaymentPageSize
	}

	payments, err := h.reader.ListPayments(r.Context(), subscriptionID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	// An empty history serializes as [], not null.
	if payments == nil {
		payments = []types.Payment{}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: payments})
}
