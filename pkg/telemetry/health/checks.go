package health

import (
	"context"
	"fmt"
	"net"
	"os"
)

// DialCheck passes when address accepts TCP connections.
func DialCheck(address string) CheckFunc {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return fmt.Errorf("listener %s not accepting: %w", address, err)
		}
		return conn.Close()
	}
}

// FileCheck passes when path is absent or readable. Missing route files
// are valid: they mean an empty table.
func FileCheck(path string) CheckFunc {
	return func(context.Context) error {
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return f.Close()
	}
}
