package logging

import (
	"context"
	"log/slog"
)

// Context keys for per-connection log fields.
type contextKey string

const (
	// ConnIDKey is the context key for the client connection id.
	ConnIDKey contextKey = "conn_id"

	// HostKey is the context key for the routed host.
	HostKey contextKey = "host"

	// TargetKey is the context key for the upstream target.
	TargetKey contextKey = "target"
)

// WithConnID adds a connection id to the context.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConnIDKey, id)
}

// GetConnID retrieves the connection id from the context.
func GetConnID(ctx context.Context) string {
	id, _ := ctx.Value(ConnIDKey).(string)
	return id
}

// WithHost adds the routed host to the context.
func WithHost(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, HostKey, host)
}

// GetHost retrieves the routed host from the context.
func GetHost(ctx context.Context) string {
	host, _ := ctx.Value(HostKey).(string)
	return host
}

// WithTarget adds the upstream target to the context.
func WithTarget(ctx context.Context, target string) context.Context {
	return context.WithValue(ctx, TargetKey, target)
}

// GetTarget retrieves the upstream target from the context.
func GetTarget(ctx context.Context) string {
	target, _ := ctx.Value(TargetKey).(string)
	return target
}

func contextAttrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}

	var attrs []slog.Attr
	if id := GetConnID(ctx); id != "" {
		attrs = append(attrs, slog.String(string(ConnIDKey), id))
	}
	if host := GetHost(ctx); host != "" {
		attrs = append(attrs, slog.String(string(HostKey), host))
	}
	if target := GetTarget(ctx); target != "" {
		attrs = append(attrs, slog.String(string(TargetKey), target))
	}
	return attrs
}
