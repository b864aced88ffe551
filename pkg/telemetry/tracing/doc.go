// Package tracing emits OpenTelemetry spans for proxied exchanges.
//
// When enabled, each exchange handled by the proxy engine gets a span
// named "proxy.exchange" carrying the routed host, the upstream target,
// the response status and whether the upstream connection came from the
// pool. W3C trace context found on the incoming request is continued, and
// the exchange's context is injected into the request forwarded upstream.
//
// Spans are exported over OTLP/gRPC. With tracing disabled a no-op tracer
// is used.
//
//	telemetry:
//	  tracing:
//	    enabled: true
//	    endpoint: localhost:4317
//	    otlp:
//	      insecure: true
package tracing
