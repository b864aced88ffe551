package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"flow-hq/domains/pkg/config"
)

// ProxyMetrics tracks the data plane.
type ProxyMetrics struct {
	exchangesTotal   *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	errorsTotal      *prometheus.CounterVec
	activeClients    prometheus.Gauge
	shedTotal        prometheus.Counter
	tunnelsActive    prometheus.Gauge
	reloadsTotal     *prometheus.CounterVec
}

// NewProxyMetrics creates and registers the data-plane metrics.
func NewProxyMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *ProxyMetrics {
	pm := &ProxyMetrics{
		exchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "exchanges_total",
				Help:      "Total number of proxied exchanges by final status",
			},
			[]string{"host", "status"},
		),

		exchangeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "exchange_duration_seconds",
				Help:      "Duration of proxied exchanges in seconds",
				Buckets:   cfg.ExchangeDurationBuckets,
			},
			[]string{"host"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of data-plane errors by kind",
			},
			[]string{"kind"},
		),

		activeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "active_clients",
			Help:      "Client connections currently being served",
		}),

		shedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "shed_total",
			Help:      "Client connections rejected because the engine was full",
		}),

		tunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "tunnels_active",
			Help:      "Upgraded connections currently relaying bytes",
		}),

		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "reloads_total",
				Help:      "Route table reloads by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		pm.exchangesTotal,
		pm.exchangeDuration,
		pm.errorsTotal,
		pm.activeClients,
		pm.shedTotal,
		pm.tunnelsActive,
		pm.reloadsTotal,
	)

	return pm
}
