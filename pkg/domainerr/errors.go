package domainerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ValidationError reports a malformed host or target.
type ValidationError struct {
	// Field is the input that failed validation ("host" or "target").
	Field string

	// Value is the rejected input as given by the caller.
	Value string

	// Message explains what is wrong with Value.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Message)
}

// ConflictError reports a duplicate route added without replace, or an
// attempt to start an engine while a different engine owns the port.
type ConflictError struct {
	// Subject is what collided, e.g. a host name or "port 80".
	Subject string

	// Existing describes the current holder (route target or engine kind).
	Existing string

	// Hint is an optional operator action that resolves the conflict.
	Hint string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("%s is already held by %s", e.Subject, e.Existing)
	if e.Hint != "" {
		msg += "; " + e.Hint
	}
	return msg
}

// NotFoundError reports an unknown route.
type NotFoundError struct {
	Host string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no route for %s", e.Host)
}

// PortConflictError reports a listener on the proxy port that is not
// managed by any engine.
type PortConflictError struct {
	// Port is the contested TCP port.
	Port int

	// Owner is a one-line description of the foreign listener
	// (process name and pid, or container name).
	Owner string
}

// Error implements the error interface.
func (e *PortConflictError) Error() string {
	return fmt.Sprintf("port %d is already in use by %s; stop that listener and retry", e.Port, e.Owner)
}

// ConnectTimeoutError reports an upstream that did not accept a connection,
// or did not start answering, within the connect timeout.
type ConnectTimeoutError struct {
	Target string
	Limit  time.Duration
}

// Error implements the error interface.
func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("upstream %s timed out after %s", e.Target, e.Limit)
}

// Timeout reports true so callers can treat it like a net.Error.
func (e *ConnectTimeoutError) Timeout() bool { return true }

// IoTimeoutError reports a stalled read or write on an established
// connection.
type IoTimeoutError struct {
	// Peer is "client" or "upstream".
	Peer  string
	Limit time.Duration
}

// Error implements the error interface.
func (e *IoTimeoutError) Error() string {
	return fmt.Sprintf("%s i/o stalled for %s", e.Peer, e.Limit)
}

// Timeout reports true so callers can treat it like a net.Error.
func (e *IoTimeoutError) Timeout() bool { return true }

// ProtocolError reports a malformed or unsupported request.
type ProtocolError struct {
	Reason string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// OverloadError reports a connection shed because the engine is full.
type OverloadError struct {
	Active int64
	Max    int64
}

// Error implements the error interface.
func (e *OverloadError) Error() string {
	return fmt.Sprintf("proxy overloaded (%d/%d active clients)", e.Active, e.Max)
}

// ProxyError wraps a data-plane failure with the stage it happened in.
// It is logged and recorded; the client connection is reset.
type ProxyError struct {
	// Stage is the exchange phase, e.g. "dial", "request", "response", "tunnel".
	Stage  string
	Host   string
	Target string
	Err    error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("proxy %s failed for %s: %v", e.Stage, e.Host, e.Err)
	}
	return fmt.Sprintf("proxy %s failed for %s -> %s: %v", e.Stage, e.Host, e.Target, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// ErrUpstreamRefused is wrapped when the upstream actively refuses or
// resets the connection attempt.
var ErrUpstreamRefused = errors.New("upstream refused connection")

// Kind returns a stable, low-cardinality label for err. It is used as a
// metric label and as the event kind recorded for doctor.
func Kind(err error) string {
	var (
		validation *ValidationError
		conflict   *ConflictError
		notFound   *NotFoundError
		port       *PortConflictError
		connect    *ConnectTimeoutError
		io         *IoTimeoutError
		protocol   *ProtocolError
		overload   *OverloadError
		proxy      *ProxyError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &port):
		return "port_conflict"
	case errors.As(err, &connect):
		return "connect_timeout"
	case errors.As(err, &io):
		return "io_timeout"
	case errors.As(err, &protocol):
		return "protocol"
	case errors.As(err, &overload):
		return "overload"
	case errors.Is(err, ErrUpstreamRefused):
		return "upstream_refused"
	case errors.As(err, &proxy):
		return "proxy"
	default:
		return "internal"
	}
}

// StatusCode maps a data-plane error to the status sent to the client when
// no response bytes have been written yet.
func StatusCode(err error) int {
	switch Kind(err) {
	case "protocol", "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "overload":
		return http.StatusServiceUnavailable
	case "connect_timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
