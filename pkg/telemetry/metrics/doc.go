// Package metrics provides Prometheus metrics for the proxy engine.
//
// # Metrics
//
// With the default namespace "domains" and subsystem "proxy":
//
//   - domains_proxy_exchanges_total{host,status}: proxied exchanges by final status
//   - domains_proxy_exchange_duration_seconds{host}: time from request head to end of response
//   - domains_proxy_errors_total{kind}: data-plane errors by domainerr kind
//   - domains_proxy_active_clients: client connections being served
//   - domains_proxy_shed_total: connections rejected with 503
//   - domains_proxy_tunnels_active: open WebSocket tunnels
//   - domains_proxy_reloads_total{result}: route table reloads
//   - domains_proxy_pool_idle_connections: idle upstream connections
//   - domains_proxy_pool_{hits,misses,dials,evictions}_total: pool counters
//
// Host labels are limited to a fixed number of distinct values; hosts past
// the limit are reported as "other".
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	collector.RegisterPool(p)
//	collector.RecordExchange("a.localhost", 200, elapsed)
//	http.Handle("/metrics", collector.Handler())
package metrics
