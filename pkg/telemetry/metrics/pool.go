package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"flow-hq/domains/pkg/config"
	"flow-hq/domains/pkg/pool"
)

// NewPoolMetrics registers collectors that read pool statistics at scrape
// time.
func NewPoolMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry, stats func() pool.Stats) {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}
	}

	registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts(opts("pool_idle_connections", "Idle upstream connections in the pool")),
			func() float64 { return float64(stats().Idle) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts(opts("pool_hits_total", "Leases served from the idle pool")),
			func() float64 { return float64(stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts(opts("pool_misses_total", "Leases that found no reusable connection")),
			func() float64 { return float64(stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts(opts("pool_dials_total", "Upstream dials attempted")),
			func() float64 { return float64(stats().Dials) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts(opts("pool_evictions_total", "Idle connections closed by age, idle timeout, capacity or peer close")),
			func() float64 { return float64(stats().Evictions) }),
	)
}
