package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the reservation protocol logic over a Store.
//
// Reserve admits a request against the spendable balance without moving
// money; Commit performs the actual debit; Rollback cancels without ever
// debiting. Splitting admission from the charge lets callers accept a
// request, run expensive asynchronous work, and only pay once the work
// produced something worth paying for.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Reserve admits one generation slot against the tenant's spendable balance.
// Sandbox accounts always succeed and never see a balance check; everyone
// else needs spendable balance > 0. No debit happens here.
func (service *Service) Reserve(ctx context.Context, tenantID TenantID) (ReserveResult, error) {
	var result ReserveResult
	var sandbox bool
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccount(ctx, tenantID.String())
		if err != nil {
			return err
		}
		sandbox = account.SandboxMode
		nowUnixUTC := service.nowFn()
		reservation := Reservation{
			ReservationID:  uuid.NewString(),
			TenantID:       tenantID.String(),
			Status:         ReservationStatusReserved,
			Sandbox:        account.SandboxMode,
			CreatedUnixUTC: nowUnixUTC,
			ExpiresUnixUTC: nowUnixUTC + reservationTTLSeconds,
		}
		remaining := UnlimitedBalance
		if !account.SandboxMode {
			if account.Spendable() <= 0 {
				return ErrInsufficientFunds
			}
			remaining = account.Spendable()
		}
		if err := transactionStore.CreateReservation(ctx, reservation); err != nil {
			return err
		}
		reservationID, err := NewReservationID(reservation.ReservationID)
		if err != nil {
			return err
		}
		result = ReserveResult{ReservationID: reservationID, RemainingBalance: remaining}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		TenantID:      tenantID,
		ReservationID: reservationRef(result.ReservationID),
		Amount:        reservationCost,
		Sandbox:       sandbox,
		Error:         operationError,
	})
	return result, operationError
}

// Commit turns a reservation into an actual debit. The reservation must
// still be in the reserved state and unexpired, and non-sandbox accounts
// must still have spendable balance at commit time. The debit and the
// status flip share one transaction.
func (service *Service) Commit(ctx context.Context, tenantID TenantID, reservationID ReservationID) error {
	var sandbox bool
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reservation, err := transactionStore.GetReservation(ctx, tenantID.String(), reservationID.String())
		if err != nil {
			return err
		}
		if reservation.Status.Terminal() {
			return ErrReservationClosed
		}
		nowUnixUTC := service.nowFn()
		if reservation.ExpiredAt(nowUnixUTC) {
			return ErrReservationExpired
		}
		sandbox = reservation.Sandbox
		if reservation.Sandbox {
			return transactionStore.UpdateReservationStatus(ctx, tenantID.String(), reservationID.String(), ReservationStatusReserved, ReservationStatusConfirmed)
		}
		account, err := transactionStore.GetAccount(ctx, tenantID.String())
		if err != nil {
			return err
		}
		if account.Spendable() <= 0 {
			return ErrInsufficientFunds
		}
		if err := transactionStore.UpdateReservationStatus(ctx, tenantID.String(), reservationID.String(), ReservationStatusReserved, ReservationStatusConfirmed); err != nil {
			return err
		}
		if err := transactionStore.AddToBalance(ctx, tenantID.String(), -reservationCost); err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, Entry{
			EntryID:        uuid.NewString(),
			TenantID:       tenantID.String(),
			Type:           EntryDebit,
			Amount:         -reservationCost,
			ReservationID:  reservationID.String(),
			MetadataJSON:   "{}",
			CreatedUnixUTC: nowUnixUTC,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCommit,
		TenantID:      tenantID,
		ReservationID: &reservationID,
		Amount:        reservationCost,
		Sandbox:       sandbox,
		Error:         operationError,
	})
	return operationError
}

// Rollback cancels a reservation without debiting. Idempotent: rolling back
// an already cancelled reservation succeeds with no side effects. Rolling
// back a confirmed reservation is refused; a confirmed charge can only be
// reversed by an explicit refund, never undone here.
func (service *Service) Rollback(ctx context.Context, tenantID TenantID, reservationID ReservationID) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reservation, err := transactionStore.GetReservation(ctx, tenantID.String(), reservationID.String())
		if err != nil {
			return err
		}
		switch reservation.Status {
		case ReservationStatusCancelled:
			return nil
		case ReservationStatusConfirmed:
			return ErrReservationConfirmed
		}
		return transactionStore.UpdateReservationStatus(ctx, tenantID.String(), reservationID.String(), ReservationStatusReserved, ReservationStatusCancelled)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationRollback,
		TenantID:      tenantID,
		ReservationID: &reservationID,
		Error:         operationError,
	})
	return operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func reservationRef(id ReservationID) *ReservationID {
	if id.String() == "" {
		return nil
	}
	return &id
}
