package ledger

const (
	operationReserve  = "reserve"
	operationCommit   = "commit"
	operationRollback = "rollback"
	operationGrant    = "grant"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// Every reservation covers exactly one generation slot.
	reservationCost Credits = 1

	// Reservations left untouched past this TTL may not be committed.
	reservationTTLSeconds int64 = 24 * 60 * 60
)
