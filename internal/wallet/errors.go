package wallet

import "errors"

// Domain-level error values returned by the wallet service.
var (
	ErrUnknownWallet        = errors.New("unknown wallet")
	ErrNoBonusCredits       = errors.New("no bonus credits")
	ErrInvalidBonusAmount   = errors.New("invalid bonus amount")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)
