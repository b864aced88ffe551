package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// tunnel relays raw bytes between an upgraded client and upstream until
// either side closes. Bytes already buffered by the head readers are
// delivered first.
type tunnel struct {
	client   net.Conn
	clientR  *bufio.Reader
	upstream net.Conn
	upR      *bufio.Reader

	// idle closes the tunnel when neither direction moved a byte for
	// this long. Zero disables it.
	idle time.Duration

	lastActive atomic.Int64
	now        func() time.Time
}

// run blocks until both directions are finished. It returns the number of
// bytes sent upstream and to the client.
func (t *tunnel) run(ctx context.Context) (up, down int64, err error) {
	if t.now == nil {
		t.now = time.Now
	}
	t.touch()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := t.pump(t.upstream, t.client, t.clientR)
		up = n
		return err
	})
	g.Go(func() error {
		n, err := t.pump(t.client, t.upstream, t.upR)
		down = n
		return err
	})

	// A failed direction or a cancelled ctx tears down both sides.
	stop := context.AfterFunc(gctx, func() {
		_ = t.client.Close()
		_ = t.upstream.Close()
	})
	defer stop()

	err = g.Wait()
	return up, down, err
}

func (t *tunnel) touch() {
	t.lastActive.Store(t.now().UnixNano())
}

// pump copies from src (through its buffered reader) to dst, then
// half-closes dst so the peer sees EOF.
func (t *tunnel) pump(dst, src net.Conn, r *bufio.Reader) (int64, error) {
	buf := copyBufs.Get().(*[]byte)
	defer copyBufs.Put(buf)
	defer closeWrite(dst)

	var total int64
	for {
		if t.idle > 0 {
			_ = src.SetReadDeadline(t.now().Add(t.idle))
		}
		n, err := r.Read(*buf)
		if n > 0 {
			t.touch()
			if t.idle > 0 {
				_ = dst.SetWriteDeadline(t.now().Add(t.idle))
			}
			if _, werr := dst.Write((*buf)[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}

		// A quiet direction stays open while the other one is busy.
		var te interface{ Timeout() bool }
		if errors.As(err, &te) && te.Timeout() && t.idle > 0 {
			last := time.Unix(0, t.lastActive.Load())
			if t.now().Sub(last) < t.idle {
				continue
			}
		}
		if errors.Is(err, net.ErrClosed) {
			return total, nil
		}
		return total, err
	}
}
