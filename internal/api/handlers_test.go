package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/app"
	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/domain"
	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/store"
	"github.com/google/uuid"
)

const testInternalKey = "internal-test-key"

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	svc := app.NewService(store.NewMemoryRepository(), nil, nil, nil, app.Options{})
	return EscrowRoutes(NewEscrowHandlers(svc), RouterConfig{
		InternalAPIKey: testInternalKey,
		AllowedOrigins: []string{"*"},
	})
}

func doRequest(t *testing.T, router http.Handler, method, path string, caller *domain.Caller, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set(internalAPIKeyHeader, testInternalKey)
		req.Header.Set(callerIDHeader, caller.ID.String())
		req.Header.Set(callerRoleHeader, string(caller.Role))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	rec := doRequest(t, newTestRouter(t), http.MethodGet, "/health", nil, nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "healthy" {
		t.Fatalf("unexpected health response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestEscrowRoutesRequireAuthentication(t *testing.T) {
	router := newTestRouter(t)
	rec := doRequest(t, router, http.MethodGet, "/escrow/accounts/me", nil, nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/escrow/accounts/me", nil, nil, map[string]string{internalAPIKeyHeader: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong internal key, got %d", rec.Code)
	}
}

func TestDepositHoldReleaseOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	tenant := domain.Caller{ID: uuid.New(), Role: domain.RoleTenant}
	landlord := domain.Caller{ID: uuid.New(), Role: domain.RoleLandlord}
	admin := domain.Caller{ID: uuid.New(), Role: domain.RoleAdmin}

	rec := doRequest(t, router, http.MethodPost, "/escrow/deposits", &tenant, map[string]int64{"amount": 20_000}, map[string]string{"Idempotency-Key": "dep-http-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("deposit: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var deposit domain.DepositResult
	decodeResponse(t, rec, &deposit)
	if deposit.AccountBalance != 20_000 {
		t.Fatalf("expected balance 20000, got %d", deposit.AccountBalance)
	}

	rec = doRequest(t, router, http.MethodPost, "/escrow/deposits", &tenant, map[string]int64{"amount": 20_000}, map[string]string{"Idempotency-Key": "dep-http-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("replayed deposit: expected 200, got %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodPost, "/escrow/holds", &tenant, map[string]interface{}{
		"payee_id": landlord.ID.String(),
		"amount":   15_000,
		"purpose":  "plumbing",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("hold: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var held domain.EscrowTransaction
	decodeResponse(t, rec, &held)

	rec = doRequest(t, router, http.MethodPost, "/escrow/transactions/"+held.ID.String()+"/release", &tenant, map[string]string{"release_type": "FORCE"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("force by tenant: expected 403, got %d", rec.Code)
	}
	var failure errorResponse
	decodeResponse(t, rec, &failure)
	if failure.Error != "Forbidden" {
		t.Fatalf("expected Forbidden kind, got %q", failure.Error)
	}

	rec = doRequest(t, router, http.MethodGet, "/escrow/transactions/"+held.ID.String()+"/score", &landlord, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("score: expected 200, got %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodPost, "/escrow/transactions/"+held.ID.String()+"/release", &admin, map[string]string{"release_type": "FORCE"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("force by admin: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var release domain.ReleaseResult
	decodeResponse(t, rec, &release)
	if !release.FundsReleased || release.Status != domain.TransactionStatusCompleted {
		t.Fatalf("unexpected release result: %+v", release)
	}

	rec = doRequest(t, router, http.MethodGet, "/escrow/accounts/me", &landlord, nil, nil)
	var account domain.EscrowAccount
	decodeResponse(t, rec, &account)
	if account.Balance != 15_000 {
		t.Fatalf("expected landlord balance 15000, got %d", account.Balance)
	}

	rec = doRequest(t, router, http.MethodGet, "/escrow/transactions/"+held.ID.String(), &landlord, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get transaction: expected 200, got %d", rec.Code)
	}
	rec = doRequest(t, router, http.MethodGet, "/escrow/transactions?limit=5", &tenant, nil, nil)
	var history []domain.EscrowTransaction
	decodeResponse(t, rec, &history)
	if len(history) != 2 {
		t.Fatalf("expected deposit and hold in history, got %d", len(history))
	}
}

func TestErrorStatusMapping(t *testing.T) {
	router := newTestRouter(t)
	tenant := domain.Caller{ID: uuid.New(), Role: domain.RoleTenant}
	landlord := domain.Caller{ID: uuid.New(), Role: domain.RoleLandlord}

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		kind   string
	}{
		{name: "invalid amount", method: http.MethodPost, path: "/escrow/deposits", body: map[string]int64{"amount": 0}, status: http.StatusBadRequest, kind: "InvalidAmount"},
		{name: "unknown field", method: http.MethodPost, path: "/escrow/deposits", body: map[string]interface{}{"amount": 5, "bonus": 1}, status: http.StatusBadRequest, kind: "InvalidInput"},
		{name: "insufficient funds", method: http.MethodPost, path: "/escrow/holds", body: map[string]interface{}{"payee_id": landlord.ID.String(), "amount": 100}, status: http.StatusUnprocessableEntity, kind: "InsufficientFunds"},
		{name: "missing transaction", method: http.MethodGet, path: "/escrow/transactions/" + uuid.NewString(), status: http.StatusNotFound, kind: "TransactionNotFound"},
		{name: "bad transaction id", method: http.MethodGet, path: "/escrow/transactions/not-a-uuid", status: http.StatusBadRequest, kind: "InvalidInput"},
		{name: "resolve by non-admin", method: http.MethodPost, path: "/escrow/disputes/" + uuid.NewString() + "/resolve", body: map[string]string{"outcome": "refund"}, status: http.StatusForbidden, kind: "Forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, router, tc.method, tc.path, &tenant, tc.body, nil)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			var failure errorResponse
			decodeResponse(t, rec, &failure)
			if failure.Error != tc.kind {
				t.Fatalf("expected kind %q, got %q", tc.kind, failure.Error)
			}
		})
	}
}

func TestReusedPaymentReferenceIsConflict(t *testing.T) {
	router := newTestRouter(t)
	tenant := domain.Caller{ID: uuid.New(), Role: domain.RoleTenant}
	landlord := domain.Caller{ID: uuid.New(), Role: domain.RoleLandlord}
	body := map[string]interface{}{
		"payee_id":          landlord.ID.String(),
		"amount":            30_000,
		"purpose":           "roofing",
		"payment_reference": "PSK_ref_roof",
	}

	rec := doRequest(t, router, http.MethodPost, "/escrow/holds", &tenant, body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first hold: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, router, http.MethodPost, "/escrow/holds", &tenant, body, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second hold: expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var failure errorResponse
	decodeResponse(t, rec, &failure)
	if failure.Error != "PaymentReferenceInUse" {
		t.Fatalf("expected kind PaymentReferenceInUse, got %q", failure.Error)
	}
}

func TestDisputeLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	tenant := domain.Caller{ID: uuid.New(), Role: domain.RoleTenant}
	vendor := domain.Caller{ID: uuid.New(), Role: domain.RoleVendor}
	admin := domain.Caller{ID: uuid.New(), Role: domain.RoleAdmin}

	doRequest(t, router, http.MethodPost, "/escrow/deposits", &tenant, map[string]int64{"amount": 5_000}, nil)
	rec := doRequest(t, router, http.MethodPost, "/escrow/holds", &tenant, map[string]interface{}{"payee_id": vendor.ID.String(), "amount": 5_000}, nil)
	var held domain.EscrowTransaction
	decodeResponse(t, rec, &held)

	rec = doRequest(t, router, http.MethodPost, "/escrow/transactions/"+held.ID.String()+"/disputes", &tenant, map[string]string{"reason": "unfinished"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create dispute: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created disputeCreatedResponse
	decodeResponse(t, rec, &created)

	rec = doRequest(t, router, http.MethodPost, "/escrow/transactions/"+held.ID.String()+"/disputes", &vendor, map[string]string{"reason": "again"}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate dispute: expected 409, got %d", rec.Code)
	}
	rec = doRequest(t, router, http.MethodPost, "/escrow/transactions/"+held.ID.String()+"/release", &admin, map[string]string{"release_type": "FORCE"}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("release with open dispute: expected 409, got %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodPost, "/escrow/disputes/"+created.DisputeID.String()+"/resolve", &admin, map[string]string{"outcome": "refund", "note": "agreed"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resolved domain.ResolveDisputeResult
	decodeResponse(t, rec, &resolved)
	if resolved.TransactionStatus != domain.TransactionStatusFailed {
		t.Fatalf("expected FAILED, got %s", resolved.TransactionStatus)
	}

	rec = doRequest(t, router, http.MethodGet, "/escrow/transactions/"+held.ID.String()+"/disputes", &vendor, nil, nil)
	var disputes []domain.EscrowDispute
	decodeResponse(t, rec, &disputes)
	if len(disputes) != 1 || disputes[0].Status != domain.DisputeStatusResolved {
		t.Fatalf("unexpected disputes: %+v", disputes)
	}
}

func TestGetCallerMissing(t *testing.T) {
	if _, ok := GetCaller(context.Background()); ok {
		t.Fatal("expected no caller in empty context")
	}
}
