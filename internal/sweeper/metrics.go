package sweeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sweptJobs = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tryon_swept_jobs_total",
	Help: "Stale pending jobs re-dispatched by the reconciliation sweep.",
})
