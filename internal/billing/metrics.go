package billing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	unlimitedTestUsage = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tryon_unlimited_test_generations_total",
		Help: "Generations served to unlimited-test tenants without charge, for cost auditing.",
	}, []string{"tenant_id"})

	walletCharges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tryon_wallet_charges_total",
		Help: "Generations funded by customer bonus wallets.",
	})

	reservationCharges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tryon_reservation_charges_total",
		Help: "Generations admitted through the tenant reservation ledger.",
	})
)
