package config

import (
	"errors"
	"strings"
	"testing"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := Default()
	cfg.StateDir = t.TempDir()
	Normalize(cfg)
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	if err := Validate(validConfig(t)); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown engine", func(c *Config) { c.Engine = "caddy" }, "engine"},
		{"bad listen address", func(c *Config) { c.Proxy.ListenAddress = "80" }, "proxy.listen_address"},
		{"zero max clients", func(c *Config) { c.Proxy.MaxActiveClients = 0 }, "proxy.max_active_clients"},
		{"negative connect timeout", func(c *Config) { c.Proxy.UpstreamConnectTimeoutMS = -1 }, "proxy.upstream_connect_timeout_ms"},
		{"zero io timeout", func(c *Config) { c.Proxy.UpstreamIOTimeoutMS = 0 }, "proxy.upstream_io_timeout_ms"},
		{"zero client timeout", func(c *Config) { c.Proxy.ClientIOTimeoutMS = 0 }, "proxy.client_io_timeout_ms"},
		{"tiny header limit", func(c *Config) { c.Proxy.MaxHeaderBytes = 10 }, "proxy.max_header_bytes"},
		{"zero per key", func(c *Config) { c.Pool.MaxIdlePerKey = 0 }, "pool.max_idle_per_key"},
		{"zero idle timeout", func(c *Config) { c.Pool.IdleTimeoutMS = 0 }, "pool.idle_timeout_ms"},
		{"zero max age", func(c *Config) { c.Pool.MaxAgeMS = 0 }, "pool.max_age_ms"},
		{"unknown driver", func(c *Config) { c.Events.Driver = "postgres" }, "events.driver"},
		{"bad log level", func(c *Config) { c.Telemetry.Logging.Level = "loud" }, "telemetry.logging.level"},
		{
			"tracing without endpoint",
			func(c *Config) { c.Telemetry.Tracing.Enabled = true },
			"telemetry.tracing.endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}

			var verr ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %T", err)
			}

			found := false
			for _, fe := range verr.Errors {
				if fe.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error for field %q, got %v", tt.field, err)
			}
		})
	}
}

func TestValidationError_Message(t *testing.T) {
	err := ValidationError{Errors: []FieldError{
		{Field: "engine", Message: "bad"},
		{Field: "pool.max_age_ms", Message: "bad"},
	}}

	if !strings.Contains(err.Error(), "2 errors") {
		t.Errorf("expected error count in message, got %q", err.Error())
	}
}

func TestNormalize_RaisesTotalCap(t *testing.T) {
	cfg := validConfig(t)
	cfg.Pool.MaxIdlePerKey = 10
	cfg.Pool.MaxIdleTotal = 3

	Normalize(cfg)

	if cfg.Pool.MaxIdleTotal != 10 {
		t.Errorf("expected total cap 10, got %d", cfg.Pool.MaxIdleTotal)
	}
}

func TestSingleton(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })
	t.Setenv("DOMAINS_STATE_DIR", t.TempDir())

	cfg, err := Initialize("")
	if err != nil {
		t.Fatalf("failed to initialize config: %v", err)
	}
	if Current() != cfg {
		t.Fatal("expected Initialize to publish the loaded config")
	}

	replacement := Default()
	SetConfig(replacement)
	if Current() != replacement {
		t.Error("expected SetConfig to replace the published config")
	}
}
