package billing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/modaworks/tryon/internal/wallet"
	"github.com/modaworks/tryon/pkg/ledger"
)

// Plan is a tenant subscription type.
type Plan string

const (
	PlanStandard      Plan = "standard"
	PlanUnlimitedTest Plan = "unlimited_test"
)

// ParsePlan maps a stored plan string to the closed enum.
func ParsePlan(raw string) (Plan, error) {
	switch Plan(raw) {
	case PlanStandard, PlanUnlimitedTest:
		return Plan(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPlan, raw)
}

// String returns the stored representation.
func (plan Plan) String() string {
	return string(plan)
}

// ChargeSource names which balance absorbed a generation charge.
type ChargeSource string

const (
	ChargeNone        ChargeSource = "none"
	ChargeWallet      ChargeSource = "wallet"
	ChargeReservation ChargeSource = "reservation"
)

// ParseChargeSource maps a stored charge source string to the closed enum.
func ParseChargeSource(raw string) (ChargeSource, error) {
	switch ChargeSource(raw) {
	case ChargeNone, ChargeWallet, ChargeReservation:
		return ChargeSource(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChargeSource, raw)
}

// String returns the stored representation.
func (source ChargeSource) String() string {
	return string(source)
}

// Charge is the resolver's decision for one generation request.
type Charge struct {
	Source           ChargeSource
	ReservationID    string
	RemainingBalance ledger.Credits
}

// Directory resolves tenant and customer facts the cascade needs.
type Directory interface {
	GetTenantPlan(ctx context.Context, tenantID string) (Plan, error)
	GetCustomerHomeTenant(ctx context.Context, customerID string) (string, error)
}

// Ledger is the reservation protocol the standard branch falls through to.
type Ledger interface {
	Reserve(ctx context.Context, tenantID ledger.TenantID) (ledger.ReserveResult, error)
}

// Wallets is the bonus-wallet surface the VIP branch debits.
type Wallets interface {
	Get(ctx context.Context, customerID string) (wallet.Wallet, error)
	Debit(ctx context.Context, customerID string) error
}

// Resolver decides which account absorbs a generation charge, before any
// reservation is made. The cascade order is a billing policy: swapping
// priorities changes who subsidizes generation cost, so it is fixed here
// and nowhere else.
//
//  1. Unlimited-test tenant: never charged, usage counted for cost audits.
//  2. Cross-tenant customer with bonus credits: direct wallet decrement.
//  3. Everything else: the tenant's reservation ledger.
type Resolver struct {
	directory Directory
	wallets   Wallets
	ledger    Ledger
	logger    *zap.Logger
}

// NewResolver wires a Resolver.
func NewResolver(directory Directory, wallets Wallets, ledgerService Ledger, logger *zap.Logger) (*Resolver, error) {
	if directory == nil || wallets == nil || ledgerService == nil {
		return nil, errors.New("resolver: nil dependency")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{directory: directory, wallets: wallets, ledger: ledgerService, logger: logger}, nil
}

// Authorize runs the cascade for one request. An ErrInsufficientFunds from
// the ledger branch propagates unchanged for the caller to map to a
// payment-required response.
func (resolver *Resolver) Authorize(ctx context.Context, tenantID string, customerID string) (Charge, error) {
	plan, err := resolver.directory.GetTenantPlan(ctx, tenantID)
	if err != nil {
		return Charge{}, err
	}
	if plan == PlanUnlimitedTest {
		unlimitedTestUsage.WithLabelValues(tenantID).Inc()
		resolver.logger.Debug("unlimited-test tenant, no charge", zap.String("tenant_id", tenantID))
		return Charge{Source: ChargeNone, RemainingBalance: ledger.UnlimitedBalance}, nil
	}
	if charge, ok := resolver.tryWalletDebit(ctx, tenantID, customerID); ok {
		return charge, nil
	}
	parsedTenantID, err := ledger.NewTenantID(tenantID)
	if err != nil {
		return Charge{}, err
	}
	result, err := resolver.ledger.Reserve(ctx, parsedTenantID)
	if err != nil {
		return Charge{}, err
	}
	reservationCharges.Inc()
	return Charge{
		Source:           ChargeReservation,
		ReservationID:    result.ReservationID.String(),
		RemainingBalance: result.RemainingBalance,
	}, nil
}

// tryWalletDebit attempts branch 2: a customer visiting a foreign tenant
// with a positive bonus balance pays from the global wallet.
func (resolver *Resolver) tryWalletDebit(ctx context.Context, tenantID string, customerID string) (Charge, bool) {
	if customerID == "" {
		return Charge{}, false
	}
	homeTenant, err := resolver.directory.GetCustomerHomeTenant(ctx, customerID)
	if err != nil {
		return Charge{}, false
	}
	if homeTenant == tenantID {
		return Charge{}, false
	}
	customerWallet, err := resolver.wallets.Get(ctx, customerID)
	if err != nil || customerWallet.BonusCredits <= 0 {
		return Charge{}, false
	}
	if err := resolver.wallets.Debit(ctx, customerID); err != nil {
		// Drained by a concurrent request; fall through to the ledger.
		if !errors.Is(err, wallet.ErrNoBonusCredits) {
			resolver.logger.Warn("wallet debit failed", zap.String("customer_id", customerID), zap.Error(err))
		}
		return Charge{}, false
	}
	walletCharges.Inc()
	return Charge{
		Source:           ChargeWallet,
		RemainingBalance: ledger.Credits(customerWallet.BonusCredits - 1),
	}, true
}
