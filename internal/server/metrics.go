package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/freebrew/liveRAID/internal/executor"
)

// NewRegistry returns a registry with the executor metrics, Go runtime
// metrics and a build info gauge.
func NewRegistry(version, rev string) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "raidctl_build_info",
		Help:        "Build info of raidctl.",
		ConstLabels: prometheus.Labels{"version": version, "rev": rev},
	})
	buildInfo.Set(1)
	reg.MustRegister(buildInfo, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range executor.Collectors() {
		reg.MustRegister(c)
	}
	return reg
}
