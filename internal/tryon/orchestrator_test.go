package tryon

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/modaworks/tryon/internal/billing"
	"github.com/modaworks/tryon/pkg/ledger"
)

func TestRequestCreatesPendingJobAndDispatches(t *testing.T) {
	t.Parallel()
	fixture := newOrchestratorFixture(t)
	fixture.resolver.charge = billing.Charge{Source: billing.ChargeReservation, ReservationID: "res-1"}

	jobID, err := fixture.orchestrator.Request(context.Background(), "tenant-1", "cust-1", mustParams(t))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	job := fixture.store.mustJob(t, jobID)
	if job.Status != JobStatusPending {
		t.Fatalf("expected pending, got %s", job.Status)
	}
	if job.ReservationID != "res-1" || job.ChargeSource != billing.ChargeReservation {
		t.Fatalf("job not linked to its reservation: %+v", job)
	}
	if len(fixture.dispatcher.submitted) != 1 || fixture.dispatcher.submitted[0] != jobID {
		t.Fatalf("expected one dispatch for %s, got %v", jobID, fixture.dispatcher.submitted)
	}
}

func TestRequestSurvivesDispatchFailure(t *testing.T) {
	t.Parallel()
	fixture := newOrchestratorFixture(t)
	fixture.resolver.charge = billing.Charge{Source: billing.ChargeReservation, ReservationID: "res-2"}
	fixture.dispatcher.err = errors.New("worker unreachable")

	jobID, err := fixture.orchestrator.Request(context.Background(), "tenant-1", "", mustParams(t))
	if err != nil {
		t.Fatalf("dispatch failure must not fail the request: %v", err)
	}
	job := fixture.store.mustJob(t, jobID)
	if job.Status != JobStatusPending {
		t.Fatalf("job must stay pending for the sweeper, got %s", job.Status)
	}
}

func TestRequestRollsBackReservationWhenJobCreateFails(t *testing.T) {
	t.Parallel()
	fixture := newOrchestratorFixture(t)
	fixture.resolver.charge = billing.Charge{Source: billing.ChargeReservation, ReservationID: "res-3"}
	fixture.store.createErr = errors.New("write failed")

	_, err := fixture.orchestrator.Request(context.Background(), "tenant-1", "", mustParams(t))
	if err == nil {
		t.Fatal("expected create failure to propagate")
	}
	if fixture.ledgerStub.rollbacks["res-3"] != 1 {
		t.Fatalf("expected reservation rollback, got %v", fixture.ledgerStub.rollbacks)
	}
}

func TestRequestRefundsWalletWhenJobCreateFails(t *testing.T) {
	t.Parallel()
	fixture := newOrchestratorFixture(t)
	fixture.resolver.charge = billing.Charge{Source: billing.ChargeWallet}
	fixture.store.createErr = errors.New("write failed")

	_, err := fixture.orchestrator.Request(context.Background(), "tenant-1", "cust-9", mustParams(t))
	if err == nil {
		t.Fatal("expected create failure to propagate")
	}
	if fixture.wallets.refunds["cust-9"] != 1 {
		t.Fatalf("expected wallet refund, got %v", fixture.wallets.refunds)
	}
}

func TestRequestPropagatesAdmissionDenial(t *testing.T) {
	t.Parallel()
	fixture := newOrchestratorFixture(t)
	fixture.resolver.err = ledger.ErrInsufficientFunds

	_, err := fixture.orchestrator.Request(context.Background(), "tenant-1", "", mustParams(t))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(fixture.store.jobs) != 0 {
		t.Fatal("denied request must not create a job")
	}
}

func TestCompleteSuccessCommitsExactlyOnce(t *testing.T) {
	t.Parallel()
	fixture := newOrchestratorFixture(t)
	jobID := fixture.seedJob(t, billing.ChargeReservation, "res-4")
	outcome := Outcome{Success: true, Result: &Result{ImageRefs: []string{"img-1"}, CostCredits: 1}}

	if err := fixture.orchestrator.Complete(context.Background(), jobID, outcome); err != nil {
		t.Fatalf("complete: %v", err)
	}
	job := fixture.store.mustJob(t, jobID)
	if job.Status != JobStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", job.Status)
	}
	if job.Result == nil || len(job.Result.ImageRefs) != 1 {
		t.Fatalf("expected stored result, got %+v", job.Result)
	}
	if fixture.ledgerStub.commits["res-4"] != 1 {
		t.Fatalf("expected one commit, got %v", fixture.ledgerStub.commits)
	}

	// Duplicate worker callback: a pure no-op.
	if err := fixture.orchestrator.Complete(context.Background(), jobID, outcome); err != nil {
		t.Fatalf("duplicate complete: %v", err)
	}
	if fixture.ledgerStub.commits["res-4"] != 1 {
		t.Fatalf("duplicate complete must not commit again, got %v", fixture.ledgerStub.commits)
	}
}

func TestCompleteFailureRollsBack(t *testing.T) {
	t.Parallel()
	fixture := newOrchestratorFixture(t)
	jobID := fixture.seedJob(t, billing.ChargeReservation, "res-5")

	if err := fixture.orchestrator.Complete(context.Background(), jobID, Outcome{Success: false, ErrorSummary: "upstream timeout"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	job := fixture.store.mustJob(t, jobID)
	if job.Status != JobStatusFailed || job.ErrorSummary != "upstream timeout" {
		t.Fatalf("expected failed job with summary, got %+v", job)
	}
	if fixture.ledgerStub.rollbacks["res-5"] != 1 {
		t.Fatalf("expected one rollback, got %v", fixture.ledgerStub.rollbacks)
	}
}

func TestCompleteFailureRefundsWalletCharge(t *testing.T) {
	t.Parallel()
	fixture := newOrchestratorFixture(t)
	jobID := fixture.seedWalletJob(t, "cust-7")

	if err := fixture.orchestrator.Complete(context.Background(), jobID, Outcome{Success: false, ErrorSummary: "boom"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if fixture.wallets.refunds["cust-7"] != 1 {
		t.Fatalf("expected wallet refund, got %v", fixture.wallets.refunds)
	}
}

func TestCompleteCommitShortfallStillDelivers(t *testing.T) {
	t.Parallel()
	fixture := newOrchestratorFixture(t)
	jobID := fixture.seedJob(t, billing.ChargeReservation, "res-6")
	fixture.ledgerStub.commitErr = ledger.ErrInsufficientFunds

	err := fixture.orchestrator.Complete(context.Background(), jobID, Outcome{Success: true, Result: &Result{}})
	if err != nil {
		t.Fatalf("commit shortfall is written off, not surfaced: %v", err)
	}
	if fixture.store.mustJob(t, jobID).Status != JobStatusSucceeded {
		t.Fatal("asset must still be delivered")
	}
	if fixture.ledgerStub.rollbacks["res-6"] != 1 {
		t.Fatalf("written-off reservation must be cancelled, rollbacks=%d", fixture.ledgerStub.rollbacks["res-6"])
	}
}

func TestCompleteRollbackOfConfirmedIsCritical(t *testing.T) {
	t.Parallel()
	fixture := newOrchestratorFixture(t)
	jobID := fixture.seedJob(t, billing.ChargeReservation, "res-7")
	fixture.ledgerStub.rollbackErr = ledger.ErrReservationConfirmed

	err := fixture.orchestrator.Complete(context.Background(), jobID, Outcome{Success: false, ErrorSummary: "late failure"})
	if !errors.Is(err, ErrChargeSettlementFailed) {
		t.Fatalf("expected ErrChargeSettlementFailed, got %v", err)
	}
}

func TestMarkProcessingLosingRaceIsFine(t *testing.T) {
	t.Parallel()
	fixture := newOrchestratorFixture(t)
	jobID := fixture.seedJob(t, billing.ChargeReservation, "res-8")
	if err := fixture.orchestrator.Complete(context.Background(), jobID, Outcome{Success: true, Result: &Result{}}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := fixture.orchestrator.MarkProcessing(context.Background(), jobID); err != nil {
		t.Fatalf("processing after terminal must be a no-op: %v", err)
	}
	if fixture.store.mustJob(t, jobID).Status != JobStatusSucceeded {
		t.Fatal("terminal state must not regress")
	}
}

// --- helpers ---

type orchestratorFixture struct {
	orchestrator *Orchestrator
	store        *stubJobStore
	resolver     *stubResolver
	ledgerStub   *stubSettleLedger
	wallets      *stubRefunder
	dispatcher   *stubDispatcher
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	fixture := &orchestratorFixture{
		store:      newStubJobStore(),
		resolver:   &stubResolver{},
		ledgerStub: newStubSettleLedger(),
		wallets:    &stubRefunder{refunds: make(map[string]int)},
		dispatcher: &stubDispatcher{},
	}
	orchestrator, err := NewOrchestrator(fixture.store, fixture.resolver, fixture.ledgerStub, fixture.wallets, fixture.dispatcher, func() int64 { return 100 }, zap.NewNop())
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	fixture.orchestrator = orchestrator
	return fixture
}

func (f *orchestratorFixture) seedJob(t *testing.T, source billing.ChargeSource, reservationID string) string {
	t.Helper()
	f.resolver.charge = billing.Charge{Source: source, ReservationID: reservationID}
	jobID, err := f.orchestrator.Request(context.Background(), "tenant-1", "", mustParams(t))
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return jobID
}

func (f *orchestratorFixture) seedWalletJob(t *testing.T, customerID string) string {
	t.Helper()
	f.resolver.charge = billing.Charge{Source: billing.ChargeWallet}
	jobID, err := f.orchestrator.Request(context.Background(), "tenant-1", customerID, mustParams(t))
	if err != nil {
		t.Fatalf("seed wallet job: %v", err)
	}
	return jobID
}

func mustParams(t *testing.T) Params {
	t.Helper()
	params, err := NewParams("prod-1", "person.png", "garment.png", "scene-beach", nil)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	return params
}

type stubJobStore struct {
	jobs      map[string]Job
	createErr error
}

func newStubJobStore() *stubJobStore {
	return &stubJobStore{jobs: make(map[string]Job)}
}

func (s *stubJobStore) CreateJob(ctx context.Context, job Job) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.jobs[job.JobID] = job
	return nil
}

func (s *stubJobStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return Job{}, ErrUnknownJob
	}
	return job, nil
}

func (s *stubJobStore) MarkProcessing(ctx context.Context, jobID string) error {
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	if job.Status != JobStatusPending {
		return ErrJobClosed
	}
	job.Status = JobStatusProcessing
	s.jobs[jobID] = job
	return nil
}

func (s *stubJobStore) SetJobOutcome(ctx context.Context, jobID string, status JobStatus, result *Result, errorSummary string) error {
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	if job.Status.Terminal() {
		return ErrJobClosed
	}
	job.Status = status
	job.Result = result
	job.ErrorSummary = errorSummary
	s.jobs[jobID] = job
	return nil
}

func (s *stubJobStore) ListStalePending(ctx context.Context, olderThanUnixUTC int64, limit int) ([]Job, error) {
	var stale []Job
	for _, job := range s.jobs {
		if job.Status == JobStatusPending && job.CreatedUnixUTC < olderThanUnixUTC {
			stale = append(stale, job)
		}
	}
	return stale, nil
}

func (s *stubJobStore) mustJob(t *testing.T, jobID string) Job {
	t.Helper()
	job, ok := s.jobs[jobID]
	if !ok {
		t.Fatalf("job %s not found", jobID)
	}
	return job
}

type stubResolver struct {
	charge billing.Charge
	err    error
}

func (s *stubResolver) Authorize(ctx context.Context, tenantID string, customerID string) (billing.Charge, error) {
	if s.err != nil {
		return billing.Charge{}, s.err
	}
	return s.charge, nil
}

type stubSettleLedger struct {
	commits     map[string]int
	rollbacks   map[string]int
	commitErr   error
	rollbackErr error
}

func newStubSettleLedger() *stubSettleLedger {
	return &stubSettleLedger{commits: make(map[string]int), rollbacks: make(map[string]int)}
}

func (s *stubSettleLedger) Commit(ctx context.Context, tenantID ledger.TenantID, reservationID ledger.ReservationID) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	s.commits[reservationID.String()]++
	return nil
}

func (s *stubSettleLedger) Rollback(ctx context.Context, tenantID ledger.TenantID, reservationID ledger.ReservationID) error {
	if s.rollbackErr != nil {
		return s.rollbackErr
	}
	s.rollbacks[reservationID.String()]++
	return nil
}

type stubRefunder struct {
	refunds map[string]int
}

func (s *stubRefunder) Refund(ctx context.Context, customerID string) error {
	s.refunds[customerID]++
	return nil
}

type stubDispatcher struct {
	submitted []string
	err       error
}

func (s *stubDispatcher) Submit(ctx context.Context, jobID string) error {
	if s.err != nil {
		return s.err
	}
	s.submitted = append(s.submitted, jobID)
	return nil
}
