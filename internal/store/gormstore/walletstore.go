package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/modaworks/tryon/internal/wallet"
)

// WalletStore implements wallet.Store using GORM.
type WalletStore struct {
	db *gorm.DB
}

// NewWalletStore returns a WalletStore backed by gorm.DB.
func NewWalletStore(db *gorm.DB) *WalletStore {
	return &WalletStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *WalletStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &WalletStore{db: transaction})
	})
}

func (store *WalletStore) GetWallet(ctx context.Context, customerID string) (wallet.Wallet, error) {
	var model GlobalWallet
	err := withRowLock(store.db.WithContext(ctx)).
		Where("customer_id = ?", customerID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, wallet.ErrUnknownWallet)
		}
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	var vipExpires int64
	if model.VIPExpiresAt != nil {
		vipExpires = model.VIPExpiresAt.Unix()
	}
	return wallet.Wallet{
		CustomerID:          model.CustomerID,
		BonusCredits:        model.BonusCredits,
		AccumulatedLifetime: model.AccumulatedLifetime,
		VIPActive:           model.VIPActive,
		VIPExpiresUnixUTC:   vipExpires,
	}, nil
}

func (store *WalletStore) SaveWallet(ctx context.Context, customerWallet wallet.Wallet) error {
	var vipExpiresAt *time.Time
	if customerWallet.VIPExpiresUnixUTC != 0 {
		value := time.Unix(customerWallet.VIPExpiresUnixUTC, 0).UTC()
		vipExpiresAt = &value
	}
	result := store.db.WithContext(ctx).
		Model(&GlobalWallet{}).
		Where("customer_id = ?", customerWallet.CustomerID).
		Updates(map[string]any{
			"bonus_credits":        customerWallet.BonusCredits,
			"accumulated_lifetime": customerWallet.AccumulatedLifetime,
			"vip_active":           customerWallet.VIPActive,
			"vip_expires_at":       vipExpiresAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, wallet.ErrUnknownWallet)
	}
	return nil
}

// DebitBonus is a single guarded decrement so concurrent requests can
// never drive the balance negative.
func (store *WalletStore) DebitBonus(ctx context.Context, customerID string) error {
	result := store.db.WithContext(ctx).
		Model(&GlobalWallet{}).
		Where("customer_id = ? AND bonus_credits > 0", customerID).
		UpdateColumn("bonus_credits", gorm.Expr("bonus_credits - 1"))
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&GlobalWallet{}).Where("customer_id = ?", customerID).Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectWallet, errorCodeGet, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectWallet, errorCodeUpdate, wallet.ErrUnknownWallet)
		}
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, wallet.ErrNoBonusCredits)
	}
	return nil
}
