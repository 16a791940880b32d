package tryon

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modaworks/tryon/internal/billing"
	"github.com/modaworks/tryon/pkg/ledger"
)

// Resolver decides which balance funds a request.
type Resolver interface {
	Authorize(ctx context.Context, tenantID string, customerID string) (billing.Charge, error)
}

// Ledger settles reservation-funded charges.
type Ledger interface {
	Commit(ctx context.Context, tenantID ledger.TenantID, reservationID ledger.ReservationID) error
	Rollback(ctx context.Context, tenantID ledger.TenantID, reservationID ledger.ReservationID) error
}

// Wallets refunds wallet-funded charges when generation fails.
type Wallets interface {
	Refund(ctx context.Context, customerID string) error
}

// Dispatcher hands a job off to the generation worker. At-least-once: a
// failed submit leaves the job pending for the sweeper.
type Dispatcher interface {
	Submit(ctx context.Context, jobID string) error
}

// Orchestrator ties the credit cascade, the job store, and the dispatcher
// together. The synchronous path ends at the dispatch attempt; generation
// completion arrives later through Complete.
type Orchestrator struct {
	store      Store
	resolver   Resolver
	ledger     Ledger
	wallets    Wallets
	dispatcher Dispatcher
	nowFn      func() int64
	logger     *zap.Logger
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(store Store, resolver Resolver, ledgerService Ledger, wallets Wallets, dispatcher Dispatcher, now func() int64, logger *zap.Logger) (*Orchestrator, error) {
	if store == nil || resolver == nil || ledgerService == nil || wallets == nil || dispatcher == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:      store,
		resolver:   resolver,
		ledger:     ledgerService,
		wallets:    wallets,
		dispatcher: dispatcher,
		nowFn:      now,
		logger:     logger,
	}, nil
}

// Request accepts one generation request: authorize the charge, persist the
// job, then hand off asynchronously. The caller gets a job id as soon as
// the durable record exists; it never waits on the worker.
func (orchestrator *Orchestrator) Request(ctx context.Context, tenantID string, customerID string, params Params) (string, error) {
	if _, err := ledger.NewTenantID(tenantID); err != nil {
		return "", err
	}
	charge, err := orchestrator.resolver.Authorize(ctx, tenantID, customerID)
	if err != nil {
		return "", err
	}
	job := Job{
		JobID:          uuid.NewString(),
		TenantID:       tenantID,
		CustomerID:     customerID,
		Status:         JobStatusPending,
		ChargeSource:   charge.Source,
		ReservationID:  charge.ReservationID,
		Params:         params,
		CreatedUnixUTC: orchestrator.nowFn(),
	}
	if err := orchestrator.store.CreateJob(ctx, job); err != nil {
		// A charge without a job is an orphaned charge-in-waiting; undo it.
		orchestrator.undoCharge(ctx, job, charge)
		return "", err
	}
	if err := orchestrator.dispatcher.Submit(ctx, job.JobID); err != nil {
		// Expected transient failure. The sweeper re-dispatches pending jobs.
		orchestrator.logger.Warn("dispatch failed, leaving job for sweeper",
			zap.String("job_id", job.JobID),
			zap.Error(err))
	}
	return job.JobID, nil
}

// MarkProcessing records the advisory processing state. Losing the race to
// a terminal transition is fine.
func (orchestrator *Orchestrator) MarkProcessing(ctx context.Context, jobID string) error {
	err := orchestrator.store.MarkProcessing(ctx, jobID)
	if errors.Is(err, ErrJobClosed) {
		return nil
	}
	return err
}

// Complete settles one terminal outcome for a job. Idempotent under
// at-least-once delivery: a job already terminal is a no-op, and when two
// completions race only the compare-and-set winner settles the charge.
func (orchestrator *Orchestrator) Complete(ctx context.Context, jobID string, outcome Outcome) error {
	job, err := orchestrator.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	status := JobStatusFailed
	var result *Result
	errorSummary := outcome.ErrorSummary
	if outcome.Success {
		status = JobStatusSucceeded
		result = outcome.Result
		errorSummary = ""
	}
	if err := orchestrator.store.SetJobOutcome(ctx, jobID, status, result, errorSummary); err != nil {
		if errors.Is(err, ErrJobClosed) {
			return nil
		}
		return err
	}
	if outcome.Success {
		return orchestrator.settleSuccess(ctx, job)
	}
	return orchestrator.settleFailure(ctx, job)
}

func (orchestrator *Orchestrator) settleSuccess(ctx context.Context, job Job) error {
	if job.ChargeSource != billing.ChargeReservation {
		return nil
	}
	tenantID, reservationID, err := job.reservationRef()
	if err != nil {
		return err
	}
	err = orchestrator.ledger.Commit(ctx, tenantID, reservationID)
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		// Balance drained between reserve and commit. The asset already
		// exists and is delivered; the shortfall is written off. The
		// reservation is cancelled so it does not linger open after its
		// job closed.
		orchestrator.logger.Warn("commit denied after successful generation, delivering anyway",
			zap.String("job_id", job.JobID),
			zap.String("tenant_id", job.TenantID),
			zap.String("reservation_id", job.ReservationID))
		if rollbackErr := orchestrator.ledger.Rollback(ctx, tenantID, reservationID); rollbackErr != nil {
			orchestrator.logger.Error("failed to cancel written-off reservation",
				zap.String("job_id", job.JobID),
				zap.String("reservation_id", job.ReservationID),
				zap.Error(rollbackErr))
		}
		return nil
	}
	if errors.Is(err, ledger.ErrReservationClosed) {
		// A concurrent settle already confirmed it.
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChargeSettlementFailed, err)
	}
	return nil
}

func (orchestrator *Orchestrator) settleFailure(ctx context.Context, job Job) error {
	switch job.ChargeSource {
	case billing.ChargeReservation:
		tenantID, reservationID, err := job.reservationRef()
		if err != nil {
			return err
		}
		err = orchestrator.ledger.Rollback(ctx, tenantID, reservationID)
		if errors.Is(err, ledger.ErrReservationConfirmed) {
			// Rollback after commit means a logic error upstream.
			orchestrator.logger.Error("invariant violation: rollback of a confirmed reservation",
				zap.String("job_id", job.JobID),
				zap.String("tenant_id", job.TenantID),
				zap.String("reservation_id", job.ReservationID))
			return fmt.Errorf("%w: %v", ErrChargeSettlementFailed, err)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrChargeSettlementFailed, err)
		}
		return nil
	case billing.ChargeWallet:
		if err := orchestrator.wallets.Refund(ctx, job.CustomerID); err != nil {
			return fmt.Errorf("%w: %v", ErrChargeSettlementFailed, err)
		}
		return nil
	}
	return nil
}

func (orchestrator *Orchestrator) undoCharge(ctx context.Context, job Job, charge billing.Charge) {
	switch charge.Source {
	case billing.ChargeReservation:
		tenantID, reservationID, err := job.reservationRef()
		if err == nil {
			err = orchestrator.ledger.Rollback(ctx, tenantID, reservationID)
		}
		if err != nil {
			orchestrator.logger.Error("failed to roll back reservation for lost job",
				zap.String("reservation_id", charge.ReservationID),
				zap.Error(err))
		}
	case billing.ChargeWallet:
		if err := orchestrator.wallets.Refund(ctx, job.CustomerID); err != nil {
			orchestrator.logger.Error("failed to refund wallet for lost job",
				zap.String("customer_id", job.CustomerID),
				zap.Error(err))
		}
	}
}

func (job Job) reservationRef() (ledger.TenantID, ledger.ReservationID, error) {
	tenantID, err := ledger.NewTenantID(job.TenantID)
	if err != nil {
		return ledger.TenantID{}, ledger.ReservationID{}, err
	}
	reservationID, err := ledger.NewReservationID(job.ReservationID)
	if err != nil {
		return ledger.TenantID{}, ledger.ReservationID{}, err
	}
	return tenantID, reservationID, nil
}
