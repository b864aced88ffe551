package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "DOMAINS_"

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// The configuration is not modified by environment variables; use LoadConfigWithEnvOverrides
// for that functionality.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(cfg)
	Normalize(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention DOMAINS_SECTION_FIELD (e.g., DOMAINS_PROXY_MAX_ACTIVE_CLIENTS).
// Environment variables always take precedence over file-based configuration.
//
// An empty path or a missing file yields the defaults, so the CLI works
// without any configuration file.
//
// The loading sequence is:
// 1. Load YAML from file (if present)
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		loaded, err := LoadConfig(path)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, fs.ErrNotExist):
			cfg = Default()
		default:
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	Normalize(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Numeric tunables that do not parse are reported instead of silently ignored,
// since a typo there changes data-plane behavior.
func applyEnvOverrides(cfg *Config) error {
	var errs []FieldError

	envString("ENGINE", &cfg.Engine)
	envString("STATE_DIR", &cfg.StateDir)

	// Proxy overrides
	envString("PROXY_LISTEN_ADDRESS", &cfg.Proxy.ListenAddress)
	errs = append(errs, envInt("PROXY_MAX_ACTIVE_CLIENTS", &cfg.Proxy.MaxActiveClients)...)
	errs = append(errs, envInt("PROXY_UPSTREAM_CONNECT_TIMEOUT_MS", &cfg.Proxy.UpstreamConnectTimeoutMS)...)
	errs = append(errs, envInt("PROXY_UPSTREAM_IO_TIMEOUT_MS", &cfg.Proxy.UpstreamIOTimeoutMS)...)
	errs = append(errs, envInt("PROXY_CLIENT_IO_TIMEOUT_MS", &cfg.Proxy.ClientIOTimeoutMS)...)
	errs = append(errs, envInt("PROXY_MAX_HEADER_BYTES", &cfg.Proxy.MaxHeaderBytes)...)
	errs = append(errs, envDuration("PROXY_SHUTDOWN_GRACE", &cfg.Proxy.ShutdownGrace)...)

	// Pool overrides
	errs = append(errs, envInt("POOL_MAX_IDLE_PER_KEY", &cfg.Pool.MaxIdlePerKey)...)
	errs = append(errs, envInt("POOL_MAX_IDLE_TOTAL", &cfg.Pool.MaxIdleTotal)...)
	errs = append(errs, envInt("POOL_IDLE_TIMEOUT_MS", &cfg.Pool.IdleTimeoutMS)...)
	errs = append(errs, envInt("POOL_MAX_AGE_MS", &cfg.Pool.MaxAgeMS)...)

	envString("CONTAINER_NAME", &cfg.Container.Name)
	envString("CONTAINER_IMAGE", &cfg.Container.Image)
	envString("ADMIN_LISTEN_ADDRESS", &cfg.Admin.ListenAddress)
	errs = append(errs, envBool("ADMIN_ENABLED", &cfg.Admin.Enabled)...)

	// Events overrides
	errs = append(errs, envBool("EVENTS_ENABLED", &cfg.Events.Enabled)...)
	envString("EVENTS_DRIVER", &cfg.Events.Driver)
	envString("EVENTS_PATH", &cfg.Events.Path)
	errs = append(errs, envInt("EVENTS_RETENTION_DAYS", &cfg.Events.RetentionDays)...)

	// Telemetry overrides
	envString("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	errs = append(errs, envBool("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)...)
	errs = append(errs, envBool("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)...)
	envString("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	if val := os.Getenv(EnvPrefix + "TELEMETRY_TRACING_SAMPLE_RATIO"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Telemetry.Tracing.SampleRatio = f
		} else {
			errs = append(errs, FieldError{Field: EnvPrefix + "TELEMETRY_TRACING_SAMPLE_RATIO", Message: "must be a number"})
		}
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func envString(name string, dst *string) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*dst = val
	}
}

func envInt(name string, dst *int) []FieldError {
	val := os.Getenv(EnvPrefix + name)
	if val == "" {
		return nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return []FieldError{{Field: EnvPrefix + name, Message: fmt.Sprintf("must be an integer, got %q", val)}}
	}
	*dst = i
	return nil
}

func envBool(name string, dst *bool) []FieldError {
	val := os.Getenv(EnvPrefix + name)
	if val == "" {
		return nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return []FieldError{{Field: EnvPrefix + name, Message: fmt.Sprintf("must be a boolean, got %q", val)}}
	}
	*dst = b
	return nil
}

func envDuration(name string, dst *time.Duration) []FieldError {
	val := os.Getenv(EnvPrefix + name)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return []FieldError{{Field: EnvPrefix + name, Message: fmt.Sprintf("must be a duration, got %q", val)}}
	}
	*dst = d
	return nil
}
