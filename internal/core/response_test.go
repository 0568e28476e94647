package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"foliobase/internal/types"
)

// --- JSON helper tests ---

func TestJSON_Success(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	data := APIResponse{Data: map[string]string{"plan_key": "professional"}}
	JSON(w, r, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var body APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	dataMap, ok := body.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected data to be a map, got %T", body.Data)
	}
	if dataMap["plan_key"] != "professional" {
		t.Errorf("expected plan_key=professional, got %v", dataMap["plan_key"])
	}
}

func TestJSON_MarshalFailure(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := types.WithRequestID(r.Context(), "req-marshal-fail")
	r = r.WithContext(ctx)

	// Channels cannot be marshalled to JSON.
	unmarshalable := make(chan int)
	JSON(w, r, http.StatusOK, unmarshalable)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", resp.StatusCode)
	}

	var errResp APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode fallback error: %v", err)
	}
	if errResp.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("expected code %s, got %s", types.ErrCodeInternalUnexpected, errResp.Error.Code)
	}
	if errResp.Error.RequestID != "req-marshal-fail" {
		t.Errorf("expected request_id req-marshal-fail, got %s", errResp.Error.RequestID)
	}
}

// --- Error helper tests ---

func TestError_AppError_Validation(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/billing/status", nil)
	ctx := types.WithRequestID(r.Context(), "req-val-001")
	r = r.WithContext(ctx)

	appErr := types.NewAppError(
		types.ErrCodeValidationMissingField,
		"user_id must not be empty",
		nil,
	)
	Error(w, r, appErr)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}

	var errResp APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if errResp.Error.Code != string(types.ErrCodeValidationMissingField) {
		t.Errorf("expected code %s, got %s", types.ErrCodeValidationMissingField, errResp.Error.Code)
	}
	if errResp.Error.RequestID != "req-val-001" {
		t.Errorf("expected request_id req-val-001, got %s", errResp.Error.RequestID)
	}
}

func TestError_AppError_WithDetails(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/billing/events", nil)

	appErr := types.NewAppErrorWithDetails(
		types.ErrCodePaymentConflict,
		"terminal payment status contradiction",
		nil,
		map[string]any{"provider_payment_id": "pi_123", "stored_status": "succeeded"},
	)
	Error(w, r, appErr)

	resp := w.Result()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected status 409, got %d", resp.StatusCode)
	}

	var errResp APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if errResp.Error.Details["provider_payment_id"] != "pi_123" {
		t.Errorf("expected details.provider_payment_id=pi_123, got %v", errResp.Error.Details["provider_payment_id"])
	}
}

func TestError_GenericError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/billing/status", nil)
	ctx := types.WithRequestID(r.Context(), "req-generic-001")
	r = r.WithContext(ctx)

	genericErr := errors.New("pgx: connection refused to db-internal.example.com:5432")
	Error(w, r, genericErr)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", resp.StatusCode)
	}

	var errResp APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if errResp.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("expected code %s, got %s", types.ErrCodeInternalUnexpected, errResp.Error.Code)
	}
	// Must NOT leak internal error details.
	if strings.Contains(errResp.Error.Message, "connection refused") {
		t.Error("internal error details should not be exposed to client")
	}
	if errResp.Error.RequestID != "req-generic-001" {
		t.Errorf("expected request_id req-generic-001, got %s", errResp.Error.RequestID)
	}
}

func TestError_WrappedAppError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/billing/status", nil)

	appErr := types.NewAppError(
		types.ErrCodeNotSubscribed,
		"no subscription on record",
		nil,
	)
	wrappedErr := errors.Join(errors.New("handler context"), appErr)
	Error(w, r, wrappedErr)

	resp := w.Result()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404 from wrapped AppError, got %d", resp.StatusCode)
	}
}

func TestError_AllErrorCodeCategories(t *testing.T) {
	tests := []struct {
		name           string
		code           types.ErrorCode
		expectedStatus int
	}{
		{"validation missing_field -> 400", types.ErrCodeValidationMissingField, http.StatusBadRequest},
		{"validation invalid_json -> 400", types.ErrCodeValidationInvalidJSON, http.StatusBadRequest},
		{"auth signature missing -> 401", types.ErrCodeAuthSignatureMissing, http.StatusUnauthorized},
		{"auth signature invalid -> 401", types.ErrCodeAuthSignatureInvalid, http.StatusUnauthorized},
		{"not subscribed -> 404", types.ErrCodeNotSubscribed, http.StatusNotFound},
		{"not found payment -> 404", types.ErrCodeNotFoundPayment, http.StatusNotFound},
		{"payment conflict -> 409", types.ErrCodePaymentConflict, http.StatusConflict},
		{"concurrent conflict -> 409", types.ErrCodeConflictConcurrent, http.StatusConflict},
		{"internal db -> 500", types.ErrCodeInternalDB, http.StatusInternalServerError},
		{"internal unexpected -> 500", types.ErrCodeInternalUnexpected, http.StatusInternalServerError},
		{"upstream provider -> 502", types.ErrCodeUpstreamProvider, http.StatusBadGateway},
		{"upstream rate limit -> 429", types.ErrCodeUpstreamRateLimit, http.StatusTooManyRequests},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/", nil)

			appErr := types.NewAppError(tc.code, "test", nil)
			Error(w, r, appErr)

			resp := w.Result()
			if resp.StatusCode != tc.expectedStatus {
				t.Errorf("code %s: expected status %d, got %d", tc.code, tc.expectedStatus, resp.StatusCode)
			}
		})
	}
}

// --- DecodeJSON tests ---

func TestDecodeJSON_Success(t *testing.T) {
	body := `{"provider_subscription_id":"sub_123","sequence":42}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")

	var dst struct {
		ProviderSubscriptionID string `json:"provider_subscription_id"`
		Sequence               int64  `json:"sequence"`
	}
	err := DecodeJSON(w, r, &dst)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if dst.ProviderSubscriptionID != "sub_123" {
		t.Errorf("expected provider_subscription_id sub_123, got %q", dst.ProviderSubscriptionID)
	}
	if dst.Sequence != 42 {
		t.Errorf("expected sequence 42, got %d", dst.Sequence)
	}
}

func TestDecodeJSON_UnknownField(t *testing.T) {
	body := `{"provider_subscription_id":"sub_123","bogus":"value"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	var dst struct {
		ProviderSubscriptionID string `json:"provider_subscription_id"`
	}
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeValidationInvalidJSON {
		t.Errorf("expected code %s, got %s", types.ErrCodeValidationInvalidJSON, appErr.Code)
	}
	if !strings.Contains(appErr.Message, "unknown field") {
		t.Errorf("expected message about unknown field, got %q", appErr.Message)
	}
}

func TestDecodeJSON_SyntaxError(t *testing.T) {
	body := `{invalid json`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	var dst struct{}
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for syntax error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if !strings.Contains(appErr.Message, "malformed JSON") {
		t.Errorf("expected message about malformed JSON, got %q", appErr.Message)
	}
}

func TestDecodeJSON_EmptyBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))

	var dst struct{}
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for empty body, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if !strings.Contains(appErr.Message, "empty") {
		t.Errorf("expected message about empty body, got %q", appErr.Message)
	}
}

func TestDecodeJSON_TypeMismatch(t *testing.T) {
	body := `{"sequence":"not_a_number"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	var dst struct {
		Sequence int64 `json:"sequence"`
	}
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for type mismatch, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Details["field"] != "sequence" {
		t.Errorf("expected details.field=sequence, got %v", appErr.Details["field"])
	}
}

func TestDecodeJSON_ExceedsMaxSize(t *testing.T) {
	largeBody := strings.Repeat("x", maxRequestBodySize+1)
	body := `{"data":"` + largeBody + `"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	var dst struct {
		Data string `json:"data"`
	}
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for oversized body, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeValidationInvalidJSON {
		t.Errorf("expected code %s, got %s", types.ErrCodeValidationInvalidJSON, appErr.Code)
	}
}

func TestDecodeJSON_MultipleJSONValues(t *testing.T) {
	body := `{"a":"first"}{"a":"second"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	var dst struct {
		A string `json:"a"`
	}
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for multiple JSON values, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if !strings.Contains(appErr.Message, "single JSON object") {
		t.Errorf("expected message about single JSON object, got %q", appErr.Message)
	}
}
