package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"flow-hq/domains/pkg/domainerr"
	"flow-hq/domains/pkg/ownership"
)

// Listen binds addr for the engine. An address already in use is reported
// as *domainerr.PortConflictError.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddr}

	ln, err := lc.Listen(ctx, "tcp", addr)
	switch {
	case err == nil:
		return ln, nil
	case errors.Is(err, syscall.EADDRINUSE):
		return nil, &domainerr.PortConflictError{Port: ownership.PortOf(addr), Owner: "another process"}
	case errors.Is(err, syscall.EACCES):
		return nil, fmt.Errorf("bind %s: %w (ports below 1024 need elevated privileges)", addr, err)
	default:
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
}
