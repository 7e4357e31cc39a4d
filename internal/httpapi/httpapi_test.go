package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"vetstore/backend/internal/cache"
	"vetstore/backend/internal/domain"
	"vetstore/backend/internal/metrics"
	"vetstore/backend/internal/service"
	"vetstore/backend/internal/store/memory"
)

func newTestAPI(t *testing.T) http.Handler {
	t.Helper()
	return newTestAPIWithCron(t, "test-cron-secret")
}

func newTestAPIWithCron(t *testing.T, cronSecret string) http.Handler {
	t.Helper()
	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopAvailabilityCache{}, metrics.New(), zerolog.Nop(), 15*time.Minute, 30*time.Second)
	auth := NewAuthManager("test-secret-at-least-this-long-ok", time.Hour, repo)
	api := New(svc, auth, metrics.New(), "*", cronSecret)
	return api.Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: username, Password: password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s failed: status=%d body=%s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatalf("expected access token for %s", username)
	}
	return resp.AccessToken
}

func TestLoginIssuesTenantScopedToken(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: "admin", Password: "admin123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TenantID != "adris-vet" || resp.Role != domain.RoleAdmin {
		t.Fatalf("unexpected claims: %+v", resp)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: "admin", Password: "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/inventory/low-stock", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/inventory/low-stock", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestStockMutationForbiddenForCustomers(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "owner", "customer123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/inventory/receive", token, domain.ReceiveStockRequest{
		ProductID: "prod-shampoo", Quantity: 1, UnitCost: 100,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestReceiveStockEndpoint(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "vet", "staff123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/inventory/receive", token, domain.ReceiveStockRequest{
		ProductID: "prod-dogfood-15kg", Quantity: 5, UnitCost: 150000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result domain.ReceiveStockResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.NewStock != 30 {
		t.Fatalf("expected 30 units after receiving 5 on 25, got %d", result.NewStock)
	}
}

func TestAvailabilityEndpointOpenToCustomers(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "owner", "customer123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/inventory/prod-shampoo/availability", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result domain.AvailabilityResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.ProductID != "prod-shampoo" || result.Available != 12 {
		t.Fatalf("unexpected availability: %+v", result)
	}

	// The raw inventory record stays staff-only.
	rec = doJSON(t, api, http.MethodGet, "/api/v1/inventory/prod-shampoo", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for customer inventory read, got %d", rec.Code)
	}
}

func TestCheckoutEndpoint(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "owner", "customer123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		LineItems: []domain.CheckoutLine{{ProductID: "prod-dogfood-15kg", Quantity: 1}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var result domain.CheckoutResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Order.Total != 313500 {
		t.Fatalf("expected total 313500, got %d", result.Order.Total)
	}
	if result.Invoice.ID == "" {
		t.Fatalf("expected invoice in checkout response")
	}
}

func TestCheckoutMissingPrescriptionMapsTo422(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "owner", "customer123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		LineItems: []domain.CheckoutLine{{ProductID: "prod-antiparasitic", Quantity: 1}},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPaymentAndRefundEndpoints(t *testing.T) {
	api := newTestAPI(t)
	customer := login(t, api, "owner", "customer123")
	staff := login(t, api, "vet", "staff123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/checkout", customer, domain.CheckoutRequest{
		LineItems: []domain.CheckoutLine{{ProductID: "prod-dogfood-15kg", Quantity: 1}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout failed: %d", rec.Code)
	}
	var checkout domain.CheckoutResult
	if err := json.Unmarshal(rec.Body.Bytes(), &checkout); err != nil {
		t.Fatalf("decode: %v", err)
	}
	invoiceID := checkout.Invoice.ID

	rec = doJSON(t, api, http.MethodPost, fmt.Sprintf("/api/v1/invoices/%s/payments", invoiceID), staff,
		map[string]int64{"amount": 100000})
	if rec.Code != http.StatusOK {
		t.Fatalf("payment failed: %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPost, fmt.Sprintf("/api/v1/invoices/%s/refunds", invoiceID), staff,
		domain.RefundRequest{Amount: 60000, Reason: "producto vencido"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("refund failed: %d: %s", rec.Code, rec.Body.String())
	}
	var refund domain.RefundResult
	if err := json.Unmarshal(rec.Body.Bytes(), &refund); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if refund.NewAmountPaid != 40000 || refund.NewStatus != domain.InvoiceRefundedPartial {
		t.Fatalf("unexpected refund result: %+v", refund)
	}

	rec = doJSON(t, api, http.MethodPost, fmt.Sprintf("/api/v1/invoices/%s/refunds", invoiceID), staff,
		domain.RefundRequest{Amount: 50000, Reason: "duplicado"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("over-refund must map to 409, got %d", rec.Code)
	}
}

func TestCommissionSummaryRequiresAdmin(t *testing.T) {
	api := newTestAPI(t)

	staff := login(t, api, "vet", "staff123")
	rec := doJSON(t, api, http.MethodGet, "/api/v1/commissions/summary", staff, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff, got %d", rec.Code)
	}

	admin := login(t, api, "admin", "admin123")
	rec = doJSON(t, api, http.MethodGet, "/api/v1/commissions/summary", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDischargeEndpointIsIdempotent(t *testing.T) {
	api := newTestAPI(t)
	staff := login(t, api, "vet", "staff123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/hospitalizations/hosp-001/discharge", staff, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("discharge failed: %d: %s", rec.Code, rec.Body.String())
	}
	var first domain.DischargeResult
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.AlreadyInvoiced || first.Invoice.Total != 450000 {
		t.Fatalf("unexpected first discharge: %+v", first)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/hospitalizations/hosp-001/discharge", staff, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat discharge failed: %d", rec.Code)
	}
	var second domain.DischargeResult
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !second.AlreadyInvoiced {
		t.Fatalf("repeat discharge must report already invoiced")
	}
}

func TestCronEndpointsGuardedBySecret(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/cron/release-expired-reservations", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/cron/release-expired-reservations", "wrong-secret", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/cron/release-expired-reservations", "test-cron-secret", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with secret, got %d: %s", rec.Code, rec.Body.String())
	}
	var sweep domain.SweepResult
	if err := json.Unmarshal(rec.Body.Bytes(), &sweep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sweep.ReleasedCount != 0 {
		t.Fatalf("fresh store has nothing to sweep, got %d", sweep.ReleasedCount)
	}
}

func TestCronEndpointsDisabledWithoutSecret(t *testing.T) {
	api := newTestAPIWithCron(t, "")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/cron/release-expired-reservations", "anything", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when cron is disabled, got %d", rec.Code)
	}
}

func TestRoutePatternBoundsMetricCardinality(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/api/v1/inventory/prod-dogfood-15kg/availability", "/api/v1/inventory/:id/availability"},
		{"/api/v1/inventory/prod-shampoo", "/api/v1/inventory/:id"},
		{"/api/v1/inventory/receive", "/api/v1/inventory/receive"},
		{"/api/v1/inventory/reorder-suggestions", "/api/v1/inventory/reorder-suggestions"},
		{"/api/v1/reservations/resv-9f2ab31c/release", "/api/v1/reservations/:id/release"},
		{"/api/v1/invoices/inv-77aa01/refunds", "/api/v1/invoices/:id/refunds"},
		{"/api/v1/invoices/inv-77aa01", "/api/v1/invoices/:id"},
		{"/api/v1/hospitalizations/hosp-001/discharge", "/api/v1/hospitalizations/:id/discharge"},
		{"/api/v1/checkout", "/api/v1/checkout"},
		{"/healthz", "/healthz"},
	}
	for _, tc := range cases {
		if got := routePattern(tc.path); got != tc.want {
			t.Fatalf("routePattern(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestCommissionBatchEndpoint(t *testing.T) {
	api := newTestAPI(t)
	customer := login(t, api, "owner", "customer123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/checkout", customer, domain.CheckoutRequest{
		LineItems: []domain.CheckoutLine{{ProductID: "prod-dogfood-15kg", Quantity: 1}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout failed: %d", rec.Code)
	}

	now := time.Now().UTC()
	rec = doJSON(t, api, http.MethodPost, "/api/v1/cron/commission-batch", "test-cron-secret", map[string]string{
		"period_start": now.Add(-time.Hour).Format(time.RFC3339),
		"period_end":   now.Add(time.Hour).Format(time.RFC3339),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("batch failed: %d: %s", rec.Code, rec.Body.String())
	}
	var batch domain.BatchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &batch); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if batch.InvoicesCreated != 1 {
		t.Fatalf("expected one commission invoice, got %d", batch.InvoicesCreated)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/cron/commission-batch", "test-cron-secret", map[string]string{
		"period_start": "not-a-time",
		"period_end":   now.Format(time.RFC3339),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed period, got %d", rec.Code)
	}
}
