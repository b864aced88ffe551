package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "proxy.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	switch cfg.Engine {
	case "native", "container":
	default:
		errs = append(errs, FieldError{Field: "engine", Message: fmt.Sprintf("must be one of native, container; got %q", cfg.Engine)})
	}
	if cfg.StateDir == "" {
		errs = append(errs, FieldError{Field: "state_dir", Message: "field is required"})
	}

	errs = append(errs, validateProxy(&cfg.Proxy)...)
	errs = append(errs, validatePool(&cfg.Pool)...)
	errs = append(errs, validateEngines(cfg)...)
	errs = append(errs, validateEvents(&cfg.Events)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

func validateProxy(cfg *ProxyConfig) []FieldError {
	var errs []FieldError

	if err := validateHostPort(cfg.ListenAddress); err != nil {
		errs = append(errs, FieldError{Field: "proxy.listen_address", Message: err.Error()})
	}

	errs = append(errs, positive("proxy.max_active_clients", cfg.MaxActiveClients)...)
	errs = append(errs, positive("proxy.upstream_connect_timeout_ms", cfg.UpstreamConnectTimeoutMS)...)
	errs = append(errs, positive("proxy.upstream_io_timeout_ms", cfg.UpstreamIOTimeoutMS)...)
	errs = append(errs, positive("proxy.client_io_timeout_ms", cfg.ClientIOTimeoutMS)...)

	if cfg.MaxHeaderBytes < 1024 {
		errs = append(errs, FieldError{Field: "proxy.max_header_bytes", Message: "must be at least 1024"})
	}
	if cfg.ShutdownGrace < 0 {
		errs = append(errs, FieldError{Field: "proxy.shutdown_grace", Message: "must not be negative"})
	}
	if cfg.ReloadDebounce < 0 {
		errs = append(errs, FieldError{Field: "proxy.reload_debounce", Message: "must not be negative"})
	}

	return errs
}

func validatePool(cfg *PoolConfig) []FieldError {
	var errs []FieldError

	errs = append(errs, positive("pool.max_idle_per_key", cfg.MaxIdlePerKey)...)
	errs = append(errs, positive("pool.max_idle_total", cfg.MaxIdleTotal)...)
	errs = append(errs, positive("pool.idle_timeout_ms", cfg.IdleTimeoutMS)...)
	errs = append(errs, positive("pool.max_age_ms", cfg.MaxAgeMS)...)

	if strings.TrimSpace(cfg.ReapSchedule) == "" {
		errs = append(errs, FieldError{Field: "pool.reap_schedule", Message: "field is required"})
	}

	return errs
}

func validateEngines(cfg *Config) []FieldError {
	var errs []FieldError

	if cfg.Native.StartupTimeout <= 0 {
		errs = append(errs, FieldError{Field: "native.startup_timeout", Message: "must be positive"})
	}
	if cfg.Native.StopTimeout <= 0 {
		errs = append(errs, FieldError{Field: "native.stop_timeout", Message: "must be positive"})
	}
	if cfg.Container.Name == "" {
		errs = append(errs, FieldError{Field: "container.name", Message: "field is required"})
	}
	if cfg.Container.Image == "" {
		errs = append(errs, FieldError{Field: "container.image", Message: "field is required"})
	}
	if cfg.Admin.Enabled {
		if err := validateHostPort(cfg.Admin.ListenAddress); err != nil {
			errs = append(errs, FieldError{Field: "admin.listen_address", Message: err.Error()})
		}
	}

	return errs
}

func validateEvents(cfg *EventsConfig) []FieldError {
	var errs []FieldError

	if !cfg.Enabled {
		return nil
	}

	switch cfg.Driver {
	case "sqlite", "sqlite3":
	default:
		errs = append(errs, FieldError{Field: "events.driver", Message: fmt.Sprintf("must be one of sqlite, sqlite3; got %q", cfg.Driver)})
	}
	if cfg.AsyncBuffer <= 0 {
		errs = append(errs, FieldError{Field: "events.async_buffer", Message: "must be positive"})
	}
	if cfg.RetentionDays < 0 {
		errs = append(errs, FieldError{Field: "events.retention_days", Message: "must not be negative"})
	}
	if cfg.BusyTimeout < 0 || cfg.BusyTimeout > time.Minute {
		errs = append(errs, FieldError{Field: "events.busy_timeout", Message: "must be between 0 and 1m"})
	}

	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, FieldError{Field: "telemetry.logging.level", Message: fmt.Sprintf("unknown level %q", cfg.Logging.Level)})
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text", "console":
	default:
		errs = append(errs, FieldError{Field: "telemetry.logging.format", Message: fmt.Sprintf("unknown format %q", cfg.Logging.Format)})
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "must start with /"})
	}

	if cfg.Tracing.Enabled {
		switch cfg.Tracing.Sampler {
		case "always", "never", "ratio":
		default:
			errs = append(errs, FieldError{Field: "telemetry.tracing.sampler", Message: fmt.Sprintf("unknown sampler %q", cfg.Tracing.Sampler)})
		}
		if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
			errs = append(errs, FieldError{Field: "telemetry.tracing.sample_ratio", Message: "must be between 0.0 and 1.0"})
		}
		if cfg.Tracing.Exporter != "otlp" {
			errs = append(errs, FieldError{Field: "telemetry.tracing.exporter", Message: "only otlp is supported"})
		}
		if cfg.Tracing.Endpoint == "" {
			errs = append(errs, FieldError{Field: "telemetry.tracing.endpoint", Message: "field is required when tracing is enabled"})
		}
	}

	return errs
}

func positive(field string, v int) []FieldError {
	if v <= 0 {
		return []FieldError{{Field: field, Message: fmt.Sprintf("must be greater than 0, got %d", v)}}
	}
	return nil
}

func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port: %v", err)
	}
	if host == "" {
		return fmt.Errorf("host is required")
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
