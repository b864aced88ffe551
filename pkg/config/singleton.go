package config

import (
	"sync/atomic"
)

// current is the configuration the running daemon settled on after file,
// environment and flag overrides.
var current atomic.Pointer[Config]

// SetConfig publishes cfg as the effective configuration. The daemon calls
// it once, after flags are applied; cfg must not be modified afterwards.
func SetConfig(cfg *Config) {
	current.Store(cfg)
}

// Current returns the published configuration, or nil outside the daemon.
func Current() *Config {
	return current.Load()
}

// Initialize loads path with environment overrides and publishes the
// result.
func Initialize(path string) (*Config, error) {
	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		return nil, err
	}
	SetConfig(cfg)
	return cfg, nil
}
