package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchSubmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tryon_dispatch_submits_total",
		Help: "Job ids pushed to the generation queue.",
	})

	dispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tryon_dispatch_failures_total",
		Help: "Failed queue pushes, recovered later by the sweeper.",
	})
)
