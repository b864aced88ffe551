package config

import "time"

// Config is the root configuration structure for the local domains proxy.
// It contains the engine selection, the data-plane tunables, the connection
// pool limits and the ambient telemetry settings.
type Config struct {
	// Engine selects which proxy implementation `domains up` starts when no
	// --engine flag is given.
	// Options: "native", "container"
	// Default: "native"
	Engine string `yaml:"engine"`

	// StateDir is the directory holding routes.json, owner.json and the
	// engine runtime artifacts (pid file, logs, rendered container config).
	// Default: "<user config dir>/domains"
	StateDir string `yaml:"state_dir"`

	// Proxy contains the native engine's listener, timeout and admission
	// settings.
	Proxy ProxyConfig `yaml:"proxy"`

	// Pool contains the upstream keep-alive connection pool limits.
	Pool PoolConfig `yaml:"pool"`

	// Native contains settings for launching the native daemon.
	Native NativeConfig `yaml:"native"`

	// Container contains settings for the container-based engine.
	Container ContainerConfig `yaml:"container"`

	// Admin contains the loopback admin HTTP server configuration
	// (metrics and health endpoints of the native daemon).
	Admin AdminConfig `yaml:"admin"`

	// Events contains the data-plane error event store configuration.
	Events EventsConfig `yaml:"events"`

	// Telemetry contains configuration for logging, metrics and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ProxyConfig contains configuration for the native proxy engine.
type ProxyConfig struct {
	// ListenAddress is the address the engine binds.
	// Default: "127.0.0.1:80"
	ListenAddress string `yaml:"listen_address"`

	// MaxActiveClients is the number of concurrently open client
	// connections. Connections accepted beyond it receive 503 and are closed.
	// Default: 128
	MaxActiveClients int `yaml:"max_active_clients"`

	// UpstreamConnectTimeoutMS bounds opening an upstream connection and
	// waiting for the first byte of its response.
	// Default: 10000
	UpstreamConnectTimeoutMS int `yaml:"upstream_connect_timeout_ms"`

	// UpstreamIOTimeoutMS bounds stalls while exchanging bytes with the
	// upstream.
	// Default: 15000
	UpstreamIOTimeoutMS int `yaml:"upstream_io_timeout_ms"`

	// ClientIOTimeoutMS bounds stalls while exchanging bytes with the
	// client, including idle waits between keep-alive requests.
	// Default: 30000
	ClientIOTimeoutMS int `yaml:"client_io_timeout_ms"`

	// MaxHeaderBytes limits the request line plus header block.
	// Default: 1048576 (1MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// ShutdownGrace is how long in-flight connections are drained before
	// they are force-closed.
	// Default: 5s
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// ReloadDebounce coalesces bursts of routes.json changes into a single
	// reload.
	// Default: 100ms
	ReloadDebounce time.Duration `yaml:"reload_debounce"`
}

// UpstreamConnectTimeout returns UpstreamConnectTimeoutMS as a duration.
func (c ProxyConfig) UpstreamConnectTimeout() time.Duration {
	return time.Duration(c.UpstreamConnectTimeoutMS) * time.Millisecond
}

// UpstreamIOTimeout returns UpstreamIOTimeoutMS as a duration.
func (c ProxyConfig) UpstreamIOTimeout() time.Duration {
	return time.Duration(c.UpstreamIOTimeoutMS) * time.Millisecond
}

// ClientIOTimeout returns ClientIOTimeoutMS as a duration.
func (c ProxyConfig) ClientIOTimeout() time.Duration {
	return time.Duration(c.ClientIOTimeoutMS) * time.Millisecond
}

// PoolConfig contains configuration for the upstream connection pool.
type PoolConfig struct {
	// MaxIdlePerKey is the number of idle connections kept per upstream.
	// Default: 8
	MaxIdlePerKey int `yaml:"max_idle_per_key"`

	// MaxIdleTotal is the number of idle connections kept across all
	// upstreams. It is raised to MaxIdlePerKey when configured lower.
	// Default: 256
	MaxIdleTotal int `yaml:"max_idle_total"`

	// IdleTimeoutMS evicts connections idle for longer than this.
	// Default: 15000
	IdleTimeoutMS int `yaml:"idle_timeout_ms"`

	// MaxAgeMS evicts connections older than this regardless of use.
	// Default: 120000
	MaxAgeMS int `yaml:"max_age_ms"`

	// ReapSchedule is the cron spec for the background reaper.
	// Default: "@every 5s"
	ReapSchedule string `yaml:"reap_schedule"`
}

// IdleTimeout returns IdleTimeoutMS as a duration.
func (c PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

// MaxAge returns MaxAgeMS as a duration.
func (c PoolConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMS) * time.Millisecond
}

// NativeConfig contains settings for launching the native daemon.
type NativeConfig struct {
	// StartupTimeout is how long `up` waits for the daemon's health
	// endpoint to answer.
	// Default: 5s
	StartupTimeout time.Duration `yaml:"startup_timeout"`

	// StopTimeout is how long `down` waits after SIGTERM before SIGKILL.
	// Default: 2s
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// ContainerConfig contains settings for the container-based engine.
type ContainerConfig struct {
	// Name is the container name used by compose and `docker exec`.
	// Default: "domains-proxy"
	Name string `yaml:"name"`

	// Image is the reverse-proxy image.
	// Default: "nginx:1.27-alpine"
	Image string `yaml:"image"`
}

// AdminConfig contains configuration for the admin HTTP server.
type AdminConfig struct {
	// Enabled controls whether the native daemon starts the admin server.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the admin server address.
	// Default: "127.0.0.1:9480"
	ListenAddress string `yaml:"listen_address"`
}

// EventsConfig contains configuration for the data-plane error event store.
type EventsConfig struct {
	// Enabled controls whether data-plane errors are persisted.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Driver selects the database/sql driver.
	// Options: "sqlite" (modernc.org/sqlite, pure Go), "sqlite3" (mattn/go-sqlite3, cgo)
	// Default: "sqlite"
	Driver string `yaml:"driver"`

	// Path is the database file. Empty means "<state_dir>/events.db".
	Path string `yaml:"path"`

	// AsyncBuffer is the size of the recorder queue. Events are dropped
	// rather than blocking the data plane when it is full.
	// Default: 1024
	AsyncBuffer int `yaml:"async_buffer"`

	// BusyTimeout is the SQLite busy timeout.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// RetentionDays deletes events older than this. 0 keeps events forever.
	// Default: 7
	RetentionDays int `yaml:"retention_days"`

	// PruneSchedule is the cron expression for retention pruning.
	// Default: "0 3 * * *"
	PruneSchedule string `yaml:"prune_schedule"`
}

// TelemetryConfig contains configuration for observability.
type TelemetryConfig struct {
	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Health contains health check configuration.
	Health HealthConfig `yaml:"health"`
}

// LoggingConfig contains configuration for structured logging.
type LoggingConfig struct {
	// Level is the minimum log level to emit.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text", "console"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig contains configuration for Prometheus metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP path for the Prometheus endpoint on the admin server.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix.
	// Default: "domains"
	Namespace string `yaml:"namespace"`

	// Subsystem is the metric subsystem name.
	// Default: "proxy"
	Subsystem string `yaml:"subsystem"`

	// ExchangeDurationBuckets defines histogram buckets for proxied
	// exchange duration (seconds).
	// Default: [0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60]
	ExchangeDurationBuckets []float64 `yaml:"exchange_duration_buckets"`
}

// TracingConfig contains configuration for OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Sampler determines the sampling strategy.
	// Options: "always", "never", "ratio"
	// Default: "ratio"
	Sampler string `yaml:"sampler"`

	// SampleRatio is the fraction of exchanges to sample (0.0 to 1.0).
	// Default: 1.0
	SampleRatio float64 `yaml:"sample_ratio"`

	// Exporter is the trace exporter. Only "otlp" is supported.
	// Default: "otlp"
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP gRPC collector endpoint, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint"`

	// ServiceName is the service name in traces.
	// Default: "domainsd"
	ServiceName string `yaml:"service_name"`

	// OTLP contains OTLP exporter specific configuration.
	OTLP OTLPConfig `yaml:"otlp"`
}

// OTLPConfig contains OTLP exporter settings.
type OTLPConfig struct {
	// Insecure disables TLS to the collector.
	Insecure bool `yaml:"insecure"`

	// Timeout bounds each export.
	Timeout time.Duration `yaml:"timeout"`
}

// HealthConfig contains configuration for the admin health checks.
type HealthConfig struct {
	// CheckTimeout bounds each readiness check.
	// Default: 2s
	CheckTimeout time.Duration `yaml:"check_timeout"`
}
