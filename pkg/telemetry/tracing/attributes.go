package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for proxy spans.
const (
	AttrHost      = attribute.Key("domains.host")
	AttrTarget    = attribute.Key("domains.target")
	AttrConnID    = attribute.Key("domains.conn_id")
	AttrReused    = attribute.Key("domains.upstream_reused")
	AttrErrorKind = attribute.Key("domains.error_kind")
	AttrUpgrade   = attribute.Key("domains.upgrade")

	attrMethod = attribute.Key("http.method")
	attrPath   = attribute.Key("http.target")
	attrStatus = attribute.Key("http.status_code")
	attrPeer   = attribute.Key("net.sock.peer.addr")
)

// ExchangeStart returns span options for an exchange.
func ExchangeStart(method, target, client, connID string) trace.SpanStartOption {
	return trace.WithAttributes(
		attrMethod.String(method),
		attrPath.String(target),
		attrPeer.String(client),
		AttrConnID.String(connID),
	)
}

// SetRoute records the matched route on span.
func SetRoute(span trace.Span, host, target string) {
	span.SetAttributes(AttrHost.String(host), AttrTarget.String(target))
}

// SetUpstream records whether the upstream connection was reused.
func SetUpstream(span trace.Span, reused bool) {
	span.SetAttributes(AttrReused.Bool(reused))
}

// SetResult records the status sent to the client and the error kind.
func SetResult(span trace.Span, status int, kind string) {
	if status > 0 {
		span.SetAttributes(attrStatus.Int(status))
	}
	if kind != "" {
		span.SetAttributes(AttrErrorKind.String(kind))
	}
}

// SetUpgrade marks the exchange as switched to a raw tunnel.
func SetUpgrade(span trace.Span, protocol string) {
	span.SetAttributes(AttrUpgrade.String(protocol))
}
