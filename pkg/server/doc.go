// Package server provides the admin HTTP server of the native daemon.
//
// The admin server listens on loopback only (127.0.0.1:9480 by default)
// and is separate from the proxy port, so scraping it never competes with
// proxied clients for active slots.
//
// # Endpoints
//
//	GET /metrics   Prometheus exposition (path configurable)
//	GET /healthz   liveness
//	GET /readyz    readiness: every registered health check passes
//	GET /version   build information
//	GET /routes    the route snapshot the proxy is serving
//	GET /stats     proxy counters (active clients, overload rejections)
//	GET /events    recorded data-plane errors; filters kind, host, since, limit
//	GET /config    effective daemon configuration (YAML)
//
// # Usage
//
//	srv := server.NewServer(&cfg.Admin, tel, engine, store)
//	go srv.Start(ctx)
//
// Start returns after ctx is cancelled and the listener has been shut down.
package server
