package wallet

import (
	"context"
	"fmt"
)

// LifetimeCeiling caps how many bonus credits a customer can ever accrue.
const LifetimeCeiling int64 = 300

// Wallet is a cross-tenant bonus balance attached to an end customer
// rather than a retailer.
type Wallet struct {
	CustomerID          string
	BonusCredits        int64
	AccumulatedLifetime int64
	VIPActive           bool
	VIPExpiresUnixUTC   int64
}

// Store is the persistence contract used by Service. DebitBonus must be a
// single conditional decrement guarded by bonus_credits > 0.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetWallet(ctx context.Context, customerID string) (Wallet, error)
	SaveWallet(ctx context.Context, wallet Wallet) error
	DebitBonus(ctx context.Context, customerID string) error
}

// Service mutates customer bonus wallets. Bonus credits are never
// reserved; they are only atomically decremented and, on a failed
// generation, credited back.
type Service struct {
	store Store
}

// NewService wires a Service.
func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	return &Service{store: store}, nil
}

// Get returns the wallet for a customer.
func (service *Service) Get(ctx context.Context, customerID string) (Wallet, error) {
	return service.store.GetWallet(ctx, customerID)
}

// Debit removes one bonus credit. Fails with ErrNoBonusCredits when the
// wallet is empty or was drained by a concurrent request.
func (service *Service) Debit(ctx context.Context, customerID string) error {
	return service.store.DebitBonus(ctx, customerID)
}

// Refund returns one bonus credit after a failed wallet-funded generation.
// The lifetime counter is untouched; a refund is not new accrual.
func (service *Service) Refund(ctx context.Context, customerID string) error {
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		wallet, err := transactionStore.GetWallet(ctx, customerID)
		if err != nil {
			return err
		}
		wallet.BonusCredits++
		return transactionStore.SaveWallet(ctx, wallet)
	})
}

// Accrue grants bonus credits, clamped so the lifetime total never exceeds
// LifetimeCeiling. Granting past the ceiling is a silent no-op for the
// excess.
func (service *Service) Accrue(ctx context.Context, customerID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: accrual must be positive", ErrInvalidBonusAmount)
	}
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		wallet, err := transactionStore.GetWallet(ctx, customerID)
		if err != nil {
			return err
		}
		headroom := LifetimeCeiling - wallet.AccumulatedLifetime
		if headroom <= 0 {
			return nil
		}
		granted := amount
		if granted > headroom {
			granted = headroom
		}
		wallet.BonusCredits += granted
		wallet.AccumulatedLifetime += granted
		return transactionStore.SaveWallet(ctx, wallet)
	})
}
