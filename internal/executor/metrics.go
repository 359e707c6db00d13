package executor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raidctl_steps_total",
			Help: "Provisioning steps by kind and final status",
		},
		[]string{"kind", "status"},
	)
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raidctl_step_duration_seconds",
			Help:    "Provisioning step duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		},
		[]string{"kind"},
	)
	rollbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "raidctl_rollbacks_total",
		Help: "Rollbacks run after a fatal step failure or cancellation",
	})
	applies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raidctl_applies_total",
			Help: "Plan applications by result",
		},
		[]string{"result"},
	)
)

// Collectors returns the executor metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{stepsTotal, stepDuration, rollbacks, applies}
}
