package gormstore

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/modaworks/tryon/internal/billing"
)

// Directory implements billing.Directory from the tenants and customers
// tables.
type Directory struct {
	db *gorm.DB
}

// NewDirectory returns a Directory backed by gorm.DB.
func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

func (directory *Directory) GetTenantPlan(ctx context.Context, tenantID string) (billing.Plan, error) {
	var model Tenant
	err := directory.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", wrapStoreError(errorSubjectTenant, errorCodeGet, billing.ErrUnknownTenant)
		}
		return "", wrapStoreError(errorSubjectTenant, errorCodeGet, err)
	}
	plan, err := billing.ParsePlan(model.Plan)
	if err != nil {
		return "", wrapStoreError(errorSubjectTenant, errorCodeInvalid, err)
	}
	return plan, nil
}

func (directory *Directory) GetCustomerHomeTenant(ctx context.Context, customerID string) (string, error) {
	var model Customer
	err := directory.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", wrapStoreError(errorSubjectCustomer, errorCodeGet, billing.ErrUnknownCustomer)
		}
		return "", wrapStoreError(errorSubjectCustomer, errorCodeGet, err)
	}
	return model.HomeTenantID, nil
}
