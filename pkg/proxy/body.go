package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"flow-hq/domains/pkg/domainerr"
)

const (
	ioBufferSize = 16 * 1024

	// maxChunkLine bounds a chunk-size line including extensions.
	maxChunkLine = 4096
)

var copyBufs = sync.Pool{
	New: func() any {
		b := make([]byte, ioBufferSize)
		return &b
	},
}

// timedConn arms a fresh deadline before every read and write and reports
// stalls as *domainerr.IoTimeoutError.
type timedConn struct {
	net.Conn

	peer         string
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func newTimedConn(c net.Conn, peer string, read, write time.Duration) *timedConn {
	return &timedConn{Conn: c, peer: peer, readTimeout: read, writeTimeout: write}
}

func (c *timedConn) Read(p []byte) (int, error) {
	if c.readTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	n, err := c.Conn.Read(p)
	return n, c.wrap(err, c.readTimeout)
}

func (c *timedConn) Write(p []byte) (int, error) {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	n, err := c.Conn.Write(p)
	return n, c.wrap(err, c.writeTimeout)
}

func (c *timedConn) wrap(err error, timeout time.Duration) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return &domainerr.IoTimeoutError{Peer: c.peer, Limit: timeout}
	}
	return err
}

// closeWrite half-closes c when the transport supports it.
func closeWrite(c net.Conn) {
	if tc, ok := c.(*timedConn); ok {
		c = tc.Conn
	}
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

// copyBody relays one message body from src to dst. Chunked bodies are
// relayed verbatim, trailers included.
func copyBody(dst io.Writer, src *bufio.Reader, framing bodyFraming, length int64) (int64, error) {
	switch framing {
	case bodyNone:
		return 0, nil
	case bodyLength:
		return copyExactly(dst, src, length)
	case bodyChunked:
		return copyChunked(dst, src)
	default:
		return copyUntilEOF(dst, src)
	}
}

func copyExactly(dst io.Writer, src io.Reader, n int64) (int64, error) {
	buf := copyBufs.Get().(*[]byte)
	defer copyBufs.Put(buf)

	written, err := io.CopyBuffer(dst, io.LimitReader(src, n), *buf)
	if err != nil {
		return written, err
	}
	if written < n {
		return written, io.ErrUnexpectedEOF
	}
	return written, nil
}

func copyUntilEOF(dst io.Writer, src io.Reader) (int64, error) {
	buf := copyBufs.Get().(*[]byte)
	defer copyBufs.Put(buf)

	return io.CopyBuffer(dst, src, *buf)
}

// copyChunked relays chunked framing as received. Each chunk is flushed
// when dst is buffered so streamed responses reach the client promptly.
func copyChunked(dst io.Writer, src *bufio.Reader) (int64, error) {
	var total int64
	flusher, _ := dst.(interface{ Flush() error })

	for {
		line, err := readChunkLine(src)
		if err != nil {
			return total, err
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return total, err
		}
		if _, err := io.WriteString(dst, line); err != nil {
			return total, err
		}

		if size == 0 {
			return total, copyTrailers(dst, src, flusher)
		}

		n, err := copyExactly(dst, src, size)
		total += n
		if err != nil {
			return total, err
		}

		crlf, err := readChunkLine(src)
		if err != nil {
			return total, err
		}
		if crlf != "\r\n" && crlf != "\n" {
			return total, &domainerr.ProtocolError{Reason: "missing CRLF after chunk data"}
		}
		if _, err := io.WriteString(dst, crlf); err != nil {
			return total, err
		}
		if flusher != nil {
			if err := flusher.Flush(); err != nil {
				return total, err
			}
		}
	}
}

func copyTrailers(dst io.Writer, src *bufio.Reader, flusher interface{ Flush() error }) error {
	for {
		line, err := readChunkLine(src)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(dst, line); err != nil {
			return err
		}
		if line == "\r\n" || line == "\n" {
			if flusher != nil {
				return flusher.Flush()
			}
			return nil
		}
	}
}

// readChunkLine returns one line including its terminator.
func readChunkLine(src *bufio.Reader) (string, error) {
	var line []byte
	for {
		chunk, err := src.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxChunkLine {
			return "", &domainerr.ProtocolError{Reason: "chunk header too long"}
		}
		if err == nil {
			return string(line), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
}

func parseChunkSize(line string) (int64, error) {
	size := strings.TrimRight(line, "\r\n")
	if i := strings.IndexByte(size, ';'); i >= 0 {
		size = size[:i]
	}
	size = strings.TrimSpace(size)
	n, err := strconv.ParseInt(size, 16, 64)
	if err != nil || n < 0 {
		return 0, &domainerr.ProtocolError{Reason: fmt.Sprintf("invalid chunk size %q", truncate(size, 16))}
	}
	return n, nil
}
