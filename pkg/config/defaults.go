package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default values for configuration fields.
const (
	DefaultEngine = "native"

	// Proxy defaults
	DefaultListenAddress            = "127.0.0.1:80"
	DefaultMaxActiveClients         = 128
	DefaultUpstreamConnectTimeoutMS = 10000
	DefaultUpstreamIOTimeoutMS      = 15000
	DefaultClientIOTimeoutMS        = 30000
	DefaultMaxHeaderBytes           = 1048576 // 1MB
	DefaultShutdownGrace            = 5 * time.Second
	DefaultReloadDebounce           = 100 * time.Millisecond

	// Pool defaults
	DefaultPoolMaxIdlePerKey = 8
	DefaultPoolMaxIdleTotal  = 256
	DefaultPoolIdleTimeoutMS = 15000
	DefaultPoolMaxAgeMS      = 120000
	DefaultPoolReapSchedule  = "@every 5s"

	// Native engine defaults
	DefaultNativeStartupTimeout = 5 * time.Second
	DefaultNativeStopTimeout    = 2 * time.Second

	// Container engine defaults
	DefaultContainerName  = "domains-proxy"
	DefaultContainerImage = "nginx:1.27-alpine"

	// Admin defaults
	DefaultAdminEnabled       = true
	DefaultAdminListenAddress = "127.0.0.1:9480"

	// Events defaults
	DefaultEventsEnabled       = true
	DefaultEventsDriver        = "sqlite"
	DefaultEventsAsyncBuffer   = 1024
	DefaultEventsBusyTimeout   = 5 * time.Second
	DefaultEventsRetentionDays = 7
	DefaultEventsPruneSchedule = "0 3 * * *"

	// Telemetry defaults
	DefaultLoggingLevel        = "info"
	DefaultLoggingFormat       = "json"
	DefaultMetricsEnabled      = true
	DefaultPrometheusPath      = "/metrics"
	DefaultMetricsNamespace    = "domains"
	DefaultMetricsSubsystem    = "proxy"
	DefaultTracingEnabled      = false
	DefaultTracingSampler      = "ratio"
	DefaultTracingSamplingRate = 1.0
	DefaultTracingExporter     = "otlp"
	DefaultTracingServiceName  = "domainsd"
	DefaultHealthCheckTimeout  = 2 * time.Second
)

// DefaultExchangeDurationBuckets covers local upstreams answering in a few
// milliseconds up to long-polling requests.
var DefaultExchangeDurationBuckets = []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60}

// EventsFileName is the default event database inside the state directory.
const EventsFileName = "events.db"

// DefaultStateDir returns "<user config dir>/domains", falling back to
// ".domains" in the working directory when no config dir is known.
func DefaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "domains")
	}
	return ".domains"
}

// Default returns a configuration with every field set to its default.
// YAML files are decoded on top of it so that unset booleans keep their
// default value.
func Default() *Config {
	cfg := &Config{
		Admin:  AdminConfig{Enabled: DefaultAdminEnabled},
		Events: EventsConfig{Enabled: DefaultEventsEnabled},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: DefaultMetricsEnabled},
			Tracing: TracingConfig{Enabled: DefaultTracingEnabled},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	if cfg.Engine == "" {
		cfg.Engine = DefaultEngine
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir()
	}

	// Proxy defaults
	if cfg.Proxy.ListenAddress == "" {
		cfg.Proxy.ListenAddress = DefaultListenAddress
	}
	if cfg.Proxy.MaxActiveClients == 0 {
		cfg.Proxy.MaxActiveClients = DefaultMaxActiveClients
	}
	if cfg.Proxy.UpstreamConnectTimeoutMS == 0 {
		cfg.Proxy.UpstreamConnectTimeoutMS = DefaultUpstreamConnectTimeoutMS
	}
	if cfg.Proxy.UpstreamIOTimeoutMS == 0 {
		cfg.Proxy.UpstreamIOTimeoutMS = DefaultUpstreamIOTimeoutMS
	}
	if cfg.Proxy.ClientIOTimeoutMS == 0 {
		cfg.Proxy.ClientIOTimeoutMS = DefaultClientIOTimeoutMS
	}
	if cfg.Proxy.MaxHeaderBytes == 0 {
		cfg.Proxy.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.Proxy.ShutdownGrace == 0 {
		cfg.Proxy.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Proxy.ReloadDebounce == 0 {
		cfg.Proxy.ReloadDebounce = DefaultReloadDebounce
	}

	// Pool defaults
	if cfg.Pool.MaxIdlePerKey == 0 {
		cfg.Pool.MaxIdlePerKey = DefaultPoolMaxIdlePerKey
	}
	if cfg.Pool.MaxIdleTotal == 0 {
		cfg.Pool.MaxIdleTotal = DefaultPoolMaxIdleTotal
	}
	if cfg.Pool.IdleTimeoutMS == 0 {
		cfg.Pool.IdleTimeoutMS = DefaultPoolIdleTimeoutMS
	}
	if cfg.Pool.MaxAgeMS == 0 {
		cfg.Pool.MaxAgeMS = DefaultPoolMaxAgeMS
	}
	if cfg.Pool.ReapSchedule == "" {
		cfg.Pool.ReapSchedule = DefaultPoolReapSchedule
	}

	// Engine defaults
	if cfg.Native.StartupTimeout == 0 {
		cfg.Native.StartupTimeout = DefaultNativeStartupTimeout
	}
	if cfg.Native.StopTimeout == 0 {
		cfg.Native.StopTimeout = DefaultNativeStopTimeout
	}
	if cfg.Container.Name == "" {
		cfg.Container.Name = DefaultContainerName
	}
	if cfg.Container.Image == "" {
		cfg.Container.Image = DefaultContainerImage
	}

	if cfg.Admin.ListenAddress == "" {
		cfg.Admin.ListenAddress = DefaultAdminListenAddress
	}

	// Events defaults
	if cfg.Events.Driver == "" {
		cfg.Events.Driver = DefaultEventsDriver
	}
	if cfg.Events.AsyncBuffer == 0 {
		cfg.Events.AsyncBuffer = DefaultEventsAsyncBuffer
	}
	if cfg.Events.BusyTimeout == 0 {
		cfg.Events.BusyTimeout = DefaultEventsBusyTimeout
	}
	if cfg.Events.RetentionDays == 0 {
		cfg.Events.RetentionDays = DefaultEventsRetentionDays
	}
	if cfg.Events.PruneSchedule == "" {
		cfg.Events.PruneSchedule = DefaultEventsPruneSchedule
	}

	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLoggingFormat
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultPrometheusPath
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Metrics.Subsystem == "" {
		cfg.Metrics.Subsystem = DefaultMetricsSubsystem
	}
	if len(cfg.Metrics.ExchangeDurationBuckets) == 0 {
		cfg.Metrics.ExchangeDurationBuckets = append([]float64(nil), DefaultExchangeDurationBuckets...)
	}

	if cfg.Tracing.Sampler == "" {
		cfg.Tracing.Sampler = DefaultTracingSampler
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = DefaultTracingSamplingRate
	}
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = DefaultTracingExporter
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = DefaultTracingServiceName
	}

	if cfg.Health.CheckTimeout == 0 {
		cfg.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
}

// Normalize reconciles dependent settings after defaults and overrides.
// The total idle cap is never lower than the per-key cap.
func Normalize(cfg *Config) {
	if cfg.Pool.MaxIdleTotal < cfg.Pool.MaxIdlePerKey {
		cfg.Pool.MaxIdleTotal = cfg.Pool.MaxIdlePerKey
	}
	if cfg.Events.Path == "" {
		cfg.Events.Path = filepath.Join(cfg.StateDir, EventsFileName)
	}
}
