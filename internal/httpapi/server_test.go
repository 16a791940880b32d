package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/modaworks/tryon/internal/billing"
	"github.com/modaworks/tryon/internal/tryon"
	"github.com/modaworks/tryon/internal/wallet"
	"github.com/modaworks/tryon/pkg/ledger"
)

type stubOrchestrator struct {
	requestJobID  string
	requestErr    error
	lastTenantID  string
	lastParams    tryon.Params
	completeCalls int
	completeErr   error
	processingErr error
}

func (stub *stubOrchestrator) Request(ctx context.Context, tenantID string, customerID string, params tryon.Params) (string, error) {
	stub.lastTenantID = tenantID
	stub.lastParams = params
	if stub.requestErr != nil {
		return "", stub.requestErr
	}
	return stub.requestJobID, nil
}

func (stub *stubOrchestrator) MarkProcessing(ctx context.Context, jobID string) error {
	return stub.processingErr
}

func (stub *stubOrchestrator) Complete(ctx context.Context, jobID string, outcome tryon.Outcome) error {
	stub.completeCalls++
	return stub.completeErr
}

type stubJobs struct {
	jobs map[string]tryon.Job
}

func (stub *stubJobs) GetJob(ctx context.Context, jobID string) (tryon.Job, error) {
	job, ok := stub.jobs[jobID]
	if !ok {
		return tryon.Job{}, tryon.ErrUnknownJob
	}
	return job, nil
}

type stubLedger struct {
	accounts map[string]ledger.Account
	grantErr error
	granted  ledger.Credits
}

func (stub *stubLedger) Balance(ctx context.Context, tenantID ledger.TenantID) (ledger.Account, error) {
	account, ok := stub.accounts[tenantID.String()]
	if !ok {
		return ledger.Account{}, ledger.ErrUnknownAccount
	}
	return account, nil
}

func (stub *stubLedger) Grant(ctx context.Context, tenantID ledger.TenantID, amount ledger.Credits, metadata ledger.MetadataJSON) error {
	if stub.grantErr != nil {
		return stub.grantErr
	}
	stub.granted += amount
	return nil
}

type stubWallets struct {
	wallets   map[string]wallet.Wallet
	accrueErr error
	accrued   int64
}

func (stub *stubWallets) Get(ctx context.Context, customerID string) (wallet.Wallet, error) {
	customerWallet, ok := stub.wallets[customerID]
	if !ok {
		return wallet.Wallet{}, wallet.ErrUnknownWallet
	}
	return customerWallet, nil
}

func (stub *stubWallets) Accrue(ctx context.Context, customerID string, amount int64) error {
	if stub.accrueErr != nil {
		return stub.accrueErr
	}
	stub.accrued += amount
	return nil
}

type serverFixture struct {
	server       *Server
	orchestrator *stubOrchestrator
	jobs         *stubJobs
	ledger       *stubLedger
	wallets      *stubWallets
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	orchestrator := &stubOrchestrator{requestJobID: "job-1"}
	jobs := &stubJobs{jobs: map[string]tryon.Job{}}
	ledgerStub := &stubLedger{accounts: map[string]ledger.Account{}}
	wallets := &stubWallets{wallets: map[string]wallet.Wallet{}}
	server, err := NewServer(Config{ListenAddr: ":0"}, orchestrator, jobs, ledgerStub, wallets, zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &serverFixture{
		server:       server,
		orchestrator: orchestrator,
		jobs:         jobs,
		ledger:       ledgerStub,
		wallets:      wallets,
	}
}

func (fixture *serverFixture) do(t *testing.T, method string, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	fixture.server.setupRouter().ServeHTTP(recorder, request)
	return recorder
}

func TestTryOnAccepted(t *testing.T) {
	fixture := newServerFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/api/tryon", map[string]any{
		"tenant_id":         "tenant-a",
		"customer_id":       "cust-1",
		"product_id":        "sku-1",
		"person_image_ref":  "person.png",
		"garment_image_ref": "garment.png",
	})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response["job_id"] != "job-1" {
		t.Fatalf("expected job-1, got %q", response["job_id"])
	}
	if fixture.orchestrator.lastTenantID != "tenant-a" {
		t.Fatalf("expected tenant forwarded, got %q", fixture.orchestrator.lastTenantID)
	}
	if fixture.orchestrator.lastParams.ProductID != "sku-1" {
		t.Fatalf("unexpected params: %+v", fixture.orchestrator.lastParams)
	}
}

func TestTryOnRejectsMissingParams(t *testing.T) {
	fixture := newServerFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/api/tryon", map[string]any{
		"tenant_id":  "tenant-a",
		"product_id": "sku-1",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestTryOnMapsInsufficientFunds(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.orchestrator.requestErr = ledger.ErrInsufficientFunds

	recorder := fixture.do(t, http.MethodPost, "/api/tryon", map[string]any{
		"tenant_id":         "tenant-a",
		"product_id":        "sku-1",
		"person_image_ref":  "person.png",
		"garment_image_ref": "garment.png",
	})
	if recorder.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", recorder.Code)
	}
}

func TestTryOnMapsUnknownTenant(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.orchestrator.requestErr = fmt.Errorf("directory: %w", billing.ErrUnknownTenant)

	recorder := fixture.do(t, http.MethodPost, "/api/tryon", map[string]any{
		"tenant_id":         "tenant-missing",
		"product_id":        "sku-1",
		"person_image_ref":  "person.png",
		"garment_image_ref": "garment.png",
	})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestGetJobPayload(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.jobs.jobs["job-1"] = tryon.Job{
		JobID:         "job-1",
		TenantID:      "tenant-a",
		Status:        tryon.JobStatusSucceeded,
		ChargeSource:  billing.ChargeReservation,
		ReservationID: "res-1",
		Result:        &tryon.Result{ImageRefs: []string{"out.png"}},
	}

	recorder := fixture.do(t, http.MethodGet, "/api/jobs/job-1", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response["status"] != "succeeded" {
		t.Fatalf("expected succeeded, got %v", response["status"])
	}
	if response["reservation_id"] != "res-1" {
		t.Fatalf("expected reservation ref, got %v", response["reservation_id"])
	}

	recorder = fixture.do(t, http.MethodGet, "/api/jobs/missing", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestCompleteForwardsOutcome(t *testing.T) {
	fixture := newServerFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/api/jobs/job-1/complete", map[string]any{
		"success":         true,
		"image_refs":      []string{"out.png"},
		"duration_millis": 900,
	})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if fixture.orchestrator.completeCalls != 1 {
		t.Fatalf("expected 1 complete call, got %d", fixture.orchestrator.completeCalls)
	}

	fixture.orchestrator.completeErr = tryon.ErrUnknownJob
	recorder = fixture.do(t, http.MethodPost, "/api/jobs/missing/complete", map[string]any{"success": false, "error_summary": "x"})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.ledger.accounts["tenant-a"] = ledger.Account{
		TenantID:       "tenant-a",
		CreditsBalance: 7,
		OverdraftLimit: 2,
	}

	recorder := fixture.do(t, http.MethodGet, "/api/tenants/tenant-a/balance", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response["spendable"].(float64) != 9 {
		t.Fatalf("expected spendable 9, got %v", response["spendable"])
	}

	recorder = fixture.do(t, http.MethodGet, "/api/tenants/tenant-missing/balance", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestGrantEndpoint(t *testing.T) {
	fixture := newServerFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/api/tenants/tenant-a/grant", map[string]any{"amount": 50})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if fixture.ledger.granted != 50 {
		t.Fatalf("expected 50 granted, got %d", fixture.ledger.granted)
	}

	fixture.ledger.grantErr = ledger.ErrInvalidCredits
	recorder = fixture.do(t, http.MethodPost, "/api/tenants/tenant-a/grant", map[string]any{"amount": -1})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestWalletEndpoints(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.wallets.wallets["cust-1"] = wallet.Wallet{
		CustomerID:          "cust-1",
		BonusCredits:        3,
		AccumulatedLifetime: 12,
	}

	recorder := fixture.do(t, http.MethodGet, "/api/customers/cust-1/wallet", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response["bonus_credits"].(float64) != 3 {
		t.Fatalf("expected 3 bonus credits, got %v", response["bonus_credits"])
	}

	recorder = fixture.do(t, http.MethodPost, "/api/customers/cust-1/accrue", map[string]any{"amount": 5})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	if fixture.wallets.accrued != 5 {
		t.Fatalf("expected 5 accrued, got %d", fixture.wallets.accrued)
	}

	recorder = fixture.do(t, http.MethodGet, "/api/customers/missing/wallet", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestHealthz(t *testing.T) {
	fixture := newServerFixture(t)

	recorder := fixture.do(t, http.MethodGet, "/healthz", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}
