package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/modaworks/tryon/pkg/ledger"
)

// LedgerStore implements ledger.Store using GORM.
type LedgerStore struct {
	db *gorm.DB
}

// NewLedgerStore returns a LedgerStore backed by gorm.DB.
func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *LedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &LedgerStore{db: transaction})
	})
}

func (store *LedgerStore) GetAccount(ctx context.Context, tenantID string) (ledger.Account, error) {
	var model Account
	err := withRowLock(store.db.WithContext(ctx)).
		Where("tenant_id = ?", tenantID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return ledger.Account{
		TenantID:       model.TenantID,
		CreditsBalance: ledger.Credits(model.CreditsBalance),
		OverdraftLimit: ledger.Credits(model.OverdraftLimit),
		SandboxMode:    model.SandboxMode,
	}, nil
}

func (store *LedgerStore) AddToBalance(ctx context.Context, tenantID string, delta ledger.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("tenant_id = ?", tenantID).
		UpdateColumn("credits_balance", gorm.Expr("credits_balance + ?", delta.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *LedgerStore) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	model := Reservation{
		ReservationID: reservation.ReservationID,
		TenantID:      reservation.TenantID,
		Status:        reservation.Status.String(),
		Sandbox:       reservation.Sandbox,
		CreatedAt:     time.Unix(reservation.CreatedUnixUTC, 0).UTC(),
		ExpiresAt:     time.Unix(reservation.ExpiresUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, ledger.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *LedgerStore) GetReservation(ctx context.Context, tenantID string, reservationID string) (ledger.Reservation, error) {
	var model Reservation
	err := withRowLock(store.db.WithContext(ctx)).
		Where("tenant_id = ? AND reservation_id = ?", tenantID, reservationID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrUnknownReservation)
		}
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	status, err := ledger.ParseReservationStatus(model.Status)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return ledger.Reservation{
		ReservationID:  model.ReservationID,
		TenantID:       model.TenantID,
		Status:         status,
		Sandbox:        model.Sandbox,
		CreatedUnixUTC: model.CreatedAt.Unix(),
		ExpiresUnixUTC: model.ExpiresAt.Unix(),
	}, nil
}

func (store *LedgerStore) UpdateReservationStatus(ctx context.Context, tenantID string, reservationID string, from, to ledger.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("tenant_id = ? AND reservation_id = ? AND status = ?", tenantID, reservationID, from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, ledger.ErrReservationClosed)
	}
	return nil
}

func (store *LedgerStore) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	var reservationID *string
	if entry.ReservationID != "" {
		value := entry.ReservationID
		reservationID = &value
	}
	model := LedgerEntry{
		EntryID:       entry.EntryID,
		TenantID:      entry.TenantID,
		Type:          entry.Type.String(),
		Amount:        entry.Amount.Int64(),
		ReservationID: reservationID,
		Metadata:      metadataJSON(entry.MetadataJSON),
		CreatedAt:     time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

// ListEntries returns the audit trail for a tenant, newest first.
func (store *LedgerStore) ListEntries(ctx context.Context, tenantID string, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entryType, err := ledger.ParseEntryType(row.Type)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		reservationID := ""
		if row.ReservationID != nil {
			reservationID = *row.ReservationID
		}
		entries = append(entries, ledger.Entry{
			EntryID:        row.EntryID,
			TenantID:       row.TenantID,
			Type:           entryType,
			Amount:         ledger.Credits(row.Amount),
			ReservationID:  reservationID,
			MetadataJSON:   string(row.Metadata),
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return entries, nil
}

func metadataJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON([]byte(raw))
}
