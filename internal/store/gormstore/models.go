package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Tenant represents the tenants table.
type Tenant struct {
	TenantID  string    `gorm:"primaryKey"`
	Name      string    `gorm:"not null"`
	Plan      string    `gorm:"not null;default:standard"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Tenant) TableName() string { return "tenants" }

// Customer represents the customers table. The home tenant is the retailer
// the customer signed up with; it drives the cross-tenant wallet branch.
type Customer struct {
	CustomerID   string    `gorm:"primaryKey"`
	HomeTenantID string    `gorm:"not null;index"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (Customer) TableName() string { return "customers" }

// Account mirrors the accounts table: one balance row per tenant.
type Account struct {
	TenantID       string    `gorm:"primaryKey"`
	CreditsBalance int64     `gorm:"not null"`
	OverdraftLimit int64     `gorm:"not null;default:0"`
	SandboxMode    bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// GlobalWallet mirrors the global_wallets table, keyed by customer.
type GlobalWallet struct {
	CustomerID          string     `gorm:"primaryKey"`
	BonusCredits        int64      `gorm:"not null;default:0"`
	AccumulatedLifetime int64      `gorm:"not null;default:0"`
	VIPActive           bool       `gorm:"column:vip_active;not null;default:false"`
	VIPExpiresAt        *time.Time `gorm:"column:vip_expires_at"`
	UpdatedAt           time.Time  `gorm:"not null"`
}

func (GlobalWallet) TableName() string { return "global_wallets" }

// Reservation mirrors the reservations table.
type Reservation struct {
	ReservationID string    `gorm:"primaryKey"`
	TenantID      string    `gorm:"not null;index:idx_reservations_tenant"`
	Status        string    `gorm:"not null"`
	Sandbox       bool      `gorm:"not null;default:false"`
	CreatedAt     time.Time `gorm:"not null"`
	ExpiresAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

func (reservation *Reservation) BeforeCreate(tx *gorm.DB) error {
	if reservation.ReservationID == "" {
		reservation.ReservationID = uuid.NewString()
	}
	return nil
}

// Job mirrors the jobs table: the durable record of one generation request.
type Job struct {
	JobID         string         `gorm:"primaryKey"`
	TenantID      string         `gorm:"not null;index:idx_jobs_tenant_created,priority:1"`
	CustomerID    string         `gorm:""`
	Status        string         `gorm:"not null;index:idx_jobs_status_created,priority:1"`
	ChargeSource  string         `gorm:"not null"`
	ReservationID *string        `gorm:"index"`
	Params        datatypes.JSON `gorm:"not null"`
	Result        datatypes.JSON `gorm:""`
	ErrorSummary  string         `gorm:""`
	CreatedAt     time.Time      `gorm:"not null;index:idx_jobs_tenant_created,priority:2;index:idx_jobs_status_created,priority:2"`
	UpdatedAt     time.Time      `gorm:"not null"`
}

func (Job) TableName() string { return "jobs" }

func (job *Job) BeforeCreate(tx *gorm.DB) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the ledger_entries audit table.
type LedgerEntry struct {
	EntryID       string         `gorm:"primaryKey"`
	TenantID      string         `gorm:"not null;index:idx_entries_tenant_created,priority:1"`
	Type          string         `gorm:"not null"`
	Amount        int64          `gorm:"not null"`
	ReservationID *string        `gorm:"index"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_entries_tenant_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Models lists every table for schema migration.
func Models() []any {
	return []any{
		&Tenant{},
		&Customer{},
		&Account{},
		&GlobalWallet{},
		&Reservation{},
		&Job{},
		&LedgerEntry{},
	}
}
