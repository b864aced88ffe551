//go:build unix

package pool

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// idleHealthy peeks at an idle socket without blocking. An idle upstream
// connection must have nothing to read: EOF means the peer closed it and
// pending bytes mean the previous exchange was not fully drained.
func idleHealthy(c net.Conn) bool {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return true
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false
	}

	var (
		n       int
		peekErr error
		buf     [1]byte
	)
	err = raw.Read(func(fd uintptr) bool {
		n, _, peekErr = unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return false
	}

	switch {
	case peekErr != nil:
		return errors.Is(peekErr, unix.EAGAIN) || errors.Is(peekErr, unix.EWOULDBLOCK)
	case n == 0:
		// EOF: the upstream closed the connection while it sat idle.
		return false
	default:
		// Unsolicited bytes left over from the previous exchange.
		return false
	}
}
