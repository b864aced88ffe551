// Package telemetry bundles the observability of the native engine.
//
// # Components
//
//   - logging: structured slog logging with per-connection context fields
//   - metrics: Prometheus metrics for exchanges, admission and the pool
//   - tracing: OpenTelemetry spans for proxied exchanges
//   - health: liveness and readiness checks for the admin server
//
// # Usage
//
//	tel, err := telemetry.New(&cfg.Telemetry, version, commit, buildTime)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(ctx)
//
//	tel.Metrics().RecordExchange("app.localhost", 200, time.Since(start))
//	ctx, span := tel.Tracer().Start(ctx, "proxy.exchange")
//	defer span.End()
package telemetry
