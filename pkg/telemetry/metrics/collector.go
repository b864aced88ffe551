package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"flow-hq/domains/pkg/config"
	"flow-hq/domains/pkg/pool"
)

// Collector owns the proxy metrics. All methods are safe on a nil
// Collector so the engine can run without metrics.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	proxy *ProxyMetrics

	poolOnce sync.Once

	hosts *CardinalityLimiter
}

// NewCollector creates a collector registered on registry (a fresh
// registry when nil).
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = config.DefaultMetricsSubsystem
	}
	if len(cfg.ExchangeDurationBuckets) == 0 {
		cfg.ExchangeDurationBuckets = config.DefaultExchangeDurationBuckets
	}

	return &Collector{
		config:   cfg,
		registry: registry,
		proxy:    NewProxyMetrics(cfg, registry),
		hosts:    NewCardinalityLimiter(256),
	}
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// RecordExchange records a completed exchange. status 0 means the
// connection was reset.
func (c *Collector) RecordExchange(host string, status int, duration time.Duration) {
	if !c.enabled() {
		return
	}
	host = c.hostLabel(host)
	c.proxy.exchangesTotal.WithLabelValues(host, statusLabel(status)).Inc()
	c.proxy.exchangeDuration.WithLabelValues(host).Observe(duration.Seconds())
}

// RecordError counts a data-plane error by kind.
func (c *Collector) RecordError(kind string) {
	if !c.enabled() || kind == "" {
		return
	}
	c.proxy.errorsTotal.WithLabelValues(kind).Inc()
}

// ClientConnected tracks a newly served client connection.
func (c *Collector) ClientConnected() {
	if c.enabled() {
		c.proxy.activeClients.Inc()
	}
}

// ClientDisconnected undoes ClientConnected.
func (c *Collector) ClientDisconnected() {
	if c.enabled() {
		c.proxy.activeClients.Dec()
	}
}

// RecordShed counts a connection rejected for overload.
func (c *Collector) RecordShed() {
	if c.enabled() {
		c.proxy.shedTotal.Inc()
	}
}

// TunnelOpened tracks a WebSocket tunnel.
func (c *Collector) TunnelOpened() {
	if c.enabled() {
		c.proxy.tunnelsActive.Inc()
	}
}

// TunnelClosed undoes TunnelOpened.
func (c *Collector) TunnelClosed() {
	if c.enabled() {
		c.proxy.tunnelsActive.Dec()
	}
}

// RecordReload counts a route table reload.
func (c *Collector) RecordReload(err error) {
	if !c.enabled() {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	c.proxy.reloadsTotal.WithLabelValues(result).Inc()
}

// RegisterPool exposes p's counters. Only the first call has an effect.
func (c *Collector) RegisterPool(p *pool.Pool) {
	if !c.enabled() || p == nil {
		return
	}
	c.poolOnce.Do(func() {
		NewPoolMetrics(c.config, c.registry, p.Stats)
	})
}

// Path returns the HTTP path the metrics endpoint is mounted on.
func (c *Collector) Path() string {
	if c == nil || c.config.Path == "" {
		return config.DefaultPrometheusPath
	}
	return c.config.Path
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) hostLabel(host string) string {
	if host == "" {
		return "none"
	}
	if !c.hosts.Allow(host) {
		return "other"
	}
	return host
}

func statusLabel(status int) string {
	if status == 0 {
		return "reset"
	}
	return strconv.Itoa(status)
}

// CardinalityLimiter caps the number of distinct label values.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a limiter allowing maxCardinality values.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether value is already known or there is room for it.
func (cl *CardinalityLimiter) Allow(value string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[value]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.current[value]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[value] = struct{}{}
	return true
}

// Count returns the number of distinct values seen.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
