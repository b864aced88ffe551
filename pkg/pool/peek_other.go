//go:build !unix

package pool

import "net"

// idleHealthy cannot peek portably here; freshness limits still apply.
func idleHealthy(net.Conn) bool { return true }
