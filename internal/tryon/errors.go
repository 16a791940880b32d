package tryon

import "errors"

// Domain-level error values returned by the orchestrator and job store.
var (
	ErrUnknownJob             = errors.New("unknown job")
	ErrJobClosed              = errors.New("job closed")
	ErrInvalidJobStatus       = errors.New("invalid job status")
	ErrInvalidParams          = errors.New("invalid params")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrChargeSettlementFailed = errors.New("charge settlement failed")
)
