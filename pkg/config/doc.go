// Package config provides configuration management for the local domains
// proxy.
//
// Configuration is optional: with no file, every field takes the default
// documented on its struct field. A YAML file and DOMAINS_* environment
// variables refine it.
//
// # Configuration Loading
//
//	cfg, err := config.LoadConfigWithEnvOverrides("domains.yaml")
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention DOMAINS_SECTION_FIELD:
//
//   - DOMAINS_ENGINE overrides engine
//   - DOMAINS_PROXY_MAX_ACTIVE_CLIENTS overrides proxy.max_active_clients
//   - DOMAINS_POOL_MAX_IDLE_PER_KEY overrides pool.max_idle_per_key
//   - DOMAINS_TELEMETRY_LOGGING_LEVEL overrides telemetry.logging.level
//
// # Configuration Precedence
//
//  1. Default values (defined in defaults.go)
//  2. Values from YAML file
//  3. Environment variable overrides
//  4. Command-line flags (applied by cmd/domains)
//  5. Validation (fails fast if invalid)
//
// # Example Configuration
//
//	engine: native
//
//	proxy:
//	  listen_address: "127.0.0.1:80"
//	  max_active_clients: 128
//	  upstream_connect_timeout_ms: 10000
//
//	pool:
//	  max_idle_per_key: 8
//	  max_idle_total: 256
//
//	telemetry:
//	  logging:
//	    level: "info"
//	    format: "json"
package config
