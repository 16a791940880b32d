package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Grant tops up a tenant account and records a grant entry.
func (service *Service) Grant(requestContext context.Context, tenantID TenantID, amount Credits, metadata MetadataJSON) error {
	if amount <= 0 {
		return fmt.Errorf("%w: grant must be positive", ErrInvalidCredits)
	}
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetAccount(ctx, tenantID.String()); err != nil {
			return err
		}
		if err := transactionStore.AddToBalance(ctx, tenantID.String(), amount); err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, Entry{
			EntryID:        uuid.NewString(),
			TenantID:       tenantID.String(),
			Type:           EntryGrant,
			Amount:         amount,
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(requestContext, OperationLog{
		Operation: operationGrant,
		TenantID:  tenantID,
		Amount:    amount,
		Error:     operationError,
	})
	return operationError
}

// Balance returns the current account view for a tenant.
func (service *Service) Balance(requestContext context.Context, tenantID TenantID) (Account, error) {
	return service.store.GetAccount(requestContext, tenantID.String())
}
