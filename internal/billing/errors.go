package billing

import "errors"

// Domain-level error values returned by the resolver.
var (
	ErrUnknownTenant       = errors.New("unknown tenant")
	ErrUnknownCustomer     = errors.New("unknown customer")
	ErrInvalidPlan         = errors.New("invalid plan")
	ErrInvalidChargeSource = errors.New("invalid charge source")
)
