package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Credits is an integer generation-credit amount.
type Credits int64

// UnlimitedBalance is the remaining balance reported for sandbox reservations.
const UnlimitedBalance Credits = math.MaxInt64

// Int64 returns the raw amount.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// TenantID identifies a retailer account.
type TenantID struct {
	value string
}

// ReservationID identifies a reservation.
type ReservationID struct {
	value string
}

// MetadataJSON stores arbitrary entry metadata.
type MetadataJSON struct {
	value string
}

// NewTenantID validates and normalizes a tenant id.
func NewTenantID(raw string) (TenantID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TenantID{}, fmt.Errorf("%w: empty value", ErrInvalidTenantID)
	}
	return TenantID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TenantID) String() string {
	return id.value
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusReserved  ReservationStatus = "reserved"
	ReservationStatusConfirmed ReservationStatus = "confirmed"
	ReservationStatusCancelled ReservationStatus = "cancelled"
)

// ParseReservationStatus maps a stored status string to the closed enum.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(raw) {
	case ReservationStatusReserved, ReservationStatusConfirmed, ReservationStatusCancelled:
		return ReservationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
}

// String returns the stored representation.
func (status ReservationStatus) String() string {
	return string(status)
}

// Terminal reports whether the status admits no further transitions.
func (status ReservationStatus) Terminal() bool {
	return status == ReservationStatusConfirmed || status == ReservationStatusCancelled
}

// Account is the durable per-tenant balance record. Mutated only inside
// ledger transactions.
type Account struct {
	TenantID       string
	CreditsBalance Credits
	OverdraftLimit Credits
	SandboxMode    bool
}

// Spendable is the balance a new reservation is admitted against.
func (account Account) Spendable() Credits {
	return account.CreditsBalance + account.OverdraftLimit
}

// Reservation is a provisional admission ticket for one unit of paid
// generation. It is not a charge until confirmed.
type Reservation struct {
	ReservationID  string
	TenantID       string
	Status         ReservationStatus
	Sandbox        bool
	CreatedUnixUTC int64
	ExpiresUnixUTC int64
}

// ExpiredAt reports whether the reservation TTL has elapsed.
func (reservation Reservation) ExpiredAt(nowUnixUTC int64) bool {
	return reservation.ExpiresUnixUTC != 0 && nowUnixUTC > reservation.ExpiresUnixUTC
}

// EntryType enumerates audit entry kinds.
type EntryType string

const (
	EntryGrant EntryType = "grant"
	EntryDebit EntryType = "debit"
)

// ParseEntryType maps a stored entry type string to the closed enum.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryGrant, EntryDebit:
		return EntryType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
}

// String returns the stored representation.
func (entryType EntryType) String() string {
	return string(entryType)
}

// A single immutable audit line tying a balance mutation to its cause.
type Entry struct {
	EntryID        string
	TenantID       string
	Type           EntryType
	Amount         Credits
	ReservationID  string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// ReserveResult is returned by a successful Reserve.
type ReserveResult struct {
	ReservationID    ReservationID
	RemainingBalance Credits
}

// Store is the persistence contract used by Service. Implementations must
// provide serializable read-modify-write semantics inside WithTx and
// compare-and-set semantics for UpdateReservationStatus.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetAccount(ctx context.Context, tenantID string) (Account, error)
	AddToBalance(ctx context.Context, tenantID string, delta Credits) error
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, tenantID string, reservationID string) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, tenantID string, reservationID string, from, to ReservationStatus) error
	InsertEntry(ctx context.Context, entry Entry) error
}
