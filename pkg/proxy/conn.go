package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"flow-hq/domains/pkg/domainerr"
	"flow-hq/domains/pkg/events"
	"flow-hq/domains/pkg/pool"
	"flow-hq/domains/pkg/routes"
	"flow-hq/domains/pkg/telemetry/logging"
	"flow-hq/domains/pkg/telemetry/tracing"
)

// connState is the position of a client connection in its lifecycle.
type connState int

const (
	stateAccepted connState = iota
	stateReadHead
	stateRouteLookup
	stateReject
	stateForward
	stateStream
	stateTunnel
	stateKeepAliveWait
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateReadHead:
		return "read_head"
	case stateRouteLookup:
		return "route_lookup"
	case stateReject:
		return "reject"
	case stateForward:
		return "forward"
	case stateStream:
		return "stream"
	case stateTunnel:
		return "tunnel"
	case stateKeepAliveWait:
		return "keepalive_wait"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// exchange is one request/response pair on a client connection.
type exchange struct {
	start time.Time
	ctx   context.Context
	span  trace.Span

	req       *requestHead
	reqFrame  bodyFraming
	reqLength int64
	host      string
	route     routes.Route

	up  *pool.Conn
	ut  *timedConn
	upR *bufio.Reader

	resp *responseHead
	err  error
}

// clientConn drives one accepted connection through the state machine.
type clientConn struct {
	e      *Engine
	id     string
	nc     net.Conn
	tc     *timedConn
	br     *bufio.Reader
	bw     *bufio.Writer
	client string
	ctx    context.Context
	logger *slog.Logger

	// idle is set while waiting for the first byte of a request.
	idle atomic.Bool

	mu       sync.Mutex
	upstream *pool.Conn

	x      *exchange
	reset  bool
	linger bool
}

func (e *Engine) serveConn(nc net.Conn) {
	c := &clientConn{
		e:      e,
		id:     uuid.NewString(),
		nc:     nc,
		client: nc.RemoteAddr().String(),
	}
	c.tc = newTimedConn(nc, "client", e.opts.ClientIOTimeout, e.opts.ClientIOTimeout)
	c.br = bufio.NewReaderSize(c.tc, ioBufferSize)
	c.bw = bufio.NewWriterSize(c.tc, ioBufferSize)
	c.ctx = logging.WithConnID(context.Background(), c.id)
	c.logger = e.logger.With("conn_id", c.id, "client", c.client)

	e.trackConn(c, true)
	e.metrics.ClientConnected()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic serving connection",
				"panic", r,
				"state", "aborted",
				"stack", string(debug.Stack()),
			)
			e.metrics.RecordError("panic")
			c.reset = true
		}
		c.close()
		e.trackConn(c, false)
		e.metrics.ClientDisconnected()
		e.active.Add(-1)
		e.wg.Done()
	}()

	state := stateAccepted
	for state != stateClosed {
		next := c.step(state)
		if next != state {
			c.logger.DebugContext(c.ctx, "state transition", "from", state.String(), "to", next.String())
		}
		state = next
	}
}

func (c *clientConn) step(s connState) connState {
	switch s {
	case stateAccepted:
		return c.accepted()
	case stateKeepAliveWait:
		return c.keepAliveWait()
	case stateReadHead:
		return c.readHead()
	case stateRouteLookup:
		return c.routeLookup()
	case stateReject:
		return c.reject()
	case stateForward:
		return c.forward()
	case stateStream:
		return c.stream()
	case stateTunnel:
		return c.runTunnel()
	default:
		return stateClosed
	}
}

// accepted sniffs the first bytes for protocols this engine does not speak.
func (c *clientConn) accepted() connState {
	c.idle.Store(true)
	b, err := c.br.Peek(2)
	c.idle.Store(false)
	if len(b) == 0 && err != nil {
		return stateClosed
	}

	if len(b) == 2 && b[0] == 0x16 && b[1] == 0x03 {
		c.x = &exchange{start: time.Now(), ctx: c.ctx}
		c.x.err = &domainerr.ProtocolError{Reason: "TLS is not supported; use http:// instead of https://"}
		return stateReject
	}
	return stateReadHead
}

func (c *clientConn) keepAliveWait() connState {
	c.x = nil

	c.idle.Store(true)
	_, err := c.br.Peek(1)
	c.idle.Store(false)
	if err != nil || c.e.closing.Load() {
		return stateClosed
	}
	return stateReadHead
}

func (c *clientConn) readHead() connState {
	x := &exchange{start: time.Now(), ctx: c.ctx}
	c.x = x

	req, err := readRequestHead(c.br, c.e.opts.MaxHeaderBytes)
	if errors.Is(err, errEmptyHead) {
		return stateClosed
	}
	if err != nil {
		var ioTimeout *domainerr.IoTimeoutError
		var protoErr *domainerr.ProtocolError
		switch {
		case errors.As(err, &protoErr):
			x.err = err
		case errors.As(err, &ioTimeout):
			// The client stalled mid-head; nobody is waiting for an answer.
			c.finish(0, err)
			return stateClosed
		default:
			x.err = &domainerr.ProtocolError{Reason: err.Error()}
		}
		return stateReject
	}
	x.req = req

	x.reqFrame, x.reqLength, err = requestFraming(req.headers)
	if err != nil {
		x.err = err
		return stateReject
	}

	if path, _, _ := strings.Cut(req.target, "?"); path == HealthPath && (req.method == "GET" || req.method == "HEAD") {
		return c.serveHealth()
	}

	ctx := tracing.Extract(c.ctx, &req.headers)
	x.ctx, x.span = c.e.tracer.Start(ctx, "proxy.exchange",
		tracing.ExchangeStart(req.method, req.target, c.client, c.id))

	return stateRouteLookup
}

func (c *clientConn) routeLookup() connState {
	x := c.x

	hostHeader := x.req.headers.get("Host")
	if hostHeader == "" {
		x.err = &domainerr.ProtocolError{Reason: "missing Host header"}
		return stateReject
	}
	x.host = routes.HostFromHeader(hostHeader)

	route, ok := c.e.table.Load().Match(hostHeader)
	if !ok {
		x.err = &domainerr.NotFoundError{Host: x.host}
		return stateReject
	}
	x.route = route

	x.ctx = logging.WithTarget(logging.WithHost(x.ctx, route.Host), route.Target)
	tracing.SetRoute(x.span, route.Host, route.Target)
	return stateForward
}

// reject answers with the status for x.err and closes.
func (c *clientConn) reject() connState {
	x := c.x
	status := domainerr.StatusCode(x.err)

	c.write(simpleResponse(status, rejectBody(status, x.err), false))
	c.linger = true
	c.finish(status, x.err)
	return stateClosed
}

func (c *clientConn) forward() connState {
	x := c.x
	opts := c.e.opts
	upgrade := x.req.upgrade()

	ctx, cancel := context.WithTimeout(x.ctx, opts.UpstreamConnectTimeout)
	var (
		up  *pool.Conn
		err error
	)
	if upgrade != "" {
		up, err = c.e.pool.Dial(ctx, x.route.Target)
	} else {
		up, err = c.e.pool.Acquire(ctx, x.route.Target)
	}
	cancel()
	if err != nil {
		x.err = c.proxyError("dial", err)
		return stateReject
	}
	c.setUpstream(up)
	x.up = up
	tracing.SetUpstream(x.span, up.Reused())

	x.ut = newTimedConn(up.Conn, "upstream", opts.UpstreamIOTimeout, opts.UpstreamIOTimeout)
	x.upR = bufio.NewReaderSize(x.ut, ioBufferSize)
	uw := bufio.NewWriterSize(x.ut, ioBufferSize)

	if _, err := uw.Write(c.forwardHead(x, upgrade)); err != nil {
		x.err = c.proxyError("request", err)
		c.dropUpstream()
		return stateReject
	}

	if x.req.expectContinue() && !x.req.http10() && x.reqFrame != bodyNone {
		if !c.write([]byte("HTTP/1.1 100 Continue\r\n\r\n")) {
			c.dropUpstream()
			return stateClosed
		}
	}

	dst := &trackedWriter{w: uw}
	_, err = copyBody(dst, c.br, x.reqFrame, x.reqLength)
	if err == nil {
		err = dst.Flush()
	}
	if err != nil {
		c.dropUpstream()
		var protoErr *domainerr.ProtocolError
		switch {
		case dst.err != nil:
			x.err = c.proxyError("request", err)
			return stateReject
		case errors.As(err, &protoErr):
			x.err = err
			return stateReject
		default:
			// The client went away or stalled while sending its body.
			c.finish(0, c.proxyError("request", err))
			return stateClosed
		}
	}

	return c.readResponseHead()
}

// readResponseHead waits for the upstream's response head, bounded by the
// connect timeout, and relays interim 1xx responses.
func (c *clientConn) readResponseHead() connState {
	x := c.x
	opts := c.e.opts

	for {
		x.ut.readTimeout = opts.UpstreamConnectTimeout
		resp, err := readResponseHead(x.upR, opts.MaxHeaderBytes)
		x.ut.readTimeout = opts.UpstreamIOTimeout
		if err != nil {
			c.dropUpstream()
			var ioTimeout *domainerr.IoTimeoutError
			if errors.As(err, &ioTimeout) {
				x.err = &domainerr.ConnectTimeoutError{Target: x.route.Target, Limit: opts.UpstreamConnectTimeout}
			} else {
				x.err = c.proxyError("response", err)
			}
			return stateReject
		}

		if !resp.interim() {
			x.resp = resp
			break
		}
		if x.req.http10() {
			continue
		}
		if !c.write(resp.raw) {
			c.dropUpstream()
			c.finish(0, c.proxyError("response", errors.New("client closed during interim response")))
			return stateClosed
		}
	}

	if x.resp.status == 101 {
		return stateTunnel
	}
	return stateStream
}

func (c *clientConn) stream() connState {
	x := c.x
	req, resp := x.req, x.resp

	framing, length, err := responseFraming(req.method, resp)
	if err != nil {
		c.dropUpstream()
		x.err = c.proxyError("response", err)
		return stateReject
	}

	// HTTP/1.0 clients cannot parse chunked framing; decode it and close.
	dechunk := framing == bodyChunked && req.http10()
	// Connection: close from either side closes both.
	clientKeep := req.keepAlive() && resp.keepAlive() && framing != bodyUntilClose && !dechunk && !c.e.closing.Load()

	h := append(headers(nil), resp.headers...)
	h.stripHopByHop("")
	if framing == bodyChunked {
		h.del("Content-Length")
	}
	if dechunk {
		h.del("Transfer-Encoding")
	}
	if clientKeep {
		h.add("Connection", "keep-alive")
	} else {
		h.add("Connection", "close")
	}

	var head bytes.Buffer
	fmt.Fprintf(&head, "%s %03d %s\r\n", resp.version, resp.status, resp.reason)
	h.writeTo(&head)
	head.WriteString("\r\n")

	if !c.write(head.Bytes()) {
		c.dropUpstream()
		c.reset = true
		c.finish(0, c.proxyError("response", errors.New("client closed before response head")))
		return stateClosed
	}

	dst := &trackedWriter{w: c.tc}
	if framing == bodyChunked && !dechunk {
		dst.w = c.bw
	}
	if dechunk {
		_, err = copyUntilEOF(dst, httputil.NewChunkedReader(x.upR))
	} else {
		_, err = copyBody(dst, x.upR, framing, length)
	}
	if err == nil {
		err = dst.Flush()
	}
	if err != nil {
		// Response bytes already reached the client; all we can do is reset.
		c.dropUpstream()
		c.reset = true
		c.finish(0, c.proxyError("response", err))
		return stateClosed
	}

	reusable := resp.keepAlive() && framing != bodyUntilClose && !dechunk && x.upR.Buffered() == 0
	c.releaseUpstream(reusable)
	c.finish(resp.status, nil)

	if !clientKeep {
		return stateClosed
	}
	return stateKeepAliveWait
}

func (c *clientConn) runTunnel() connState {
	x := c.x
	opts := c.e.opts

	if !c.write(x.resp.raw) {
		c.dropUpstream()
		c.finish(0, c.proxyError("tunnel", errors.New("client closed before switching protocols")))
		return stateClosed
	}

	tracing.SetUpgrade(x.span, x.resp.headers.get("Upgrade"))
	c.e.metrics.TunnelOpened()
	defer c.e.metrics.TunnelClosed()

	// The tunnel manages its own deadlines.
	c.tc.readTimeout, c.tc.writeTimeout = 0, 0
	x.ut.readTimeout, x.ut.writeTimeout = 0, 0

	t := &tunnel{
		client:   c.tc,
		clientR:  c.br,
		upstream: x.ut,
		upR:      x.upR,
		idle:     max(opts.ClientIOTimeout, opts.UpstreamIOTimeout),
	}
	up, down, err := t.run(x.ctx)
	c.dropUpstream()

	c.logger.DebugContext(x.ctx, "tunnel closed", "bytes_up", up, "bytes_down", down)
	if err != nil {
		c.finish(101, c.proxyError("tunnel", err))
	} else {
		c.finish(101, nil)
	}
	return stateClosed
}

// forwardHead builds the request head sent upstream.
func (c *clientConn) forwardHead(x *exchange, upgrade string) []byte {
	req := x.req
	h := append(headers(nil), req.headers...)
	originalHost := h.get("Host")

	keep := ""
	if upgrade != "" {
		keep = "Upgrade"
	}
	h.stripHopByHop(keep)
	if req.expectContinue() {
		h.del("Expect")
	}
	if x.reqFrame == bodyChunked {
		// The body is forwarded chunked; a stale length would desync the upstream.
		h.del("Content-Length")
	}

	h.set("Host", upstreamHost(x.route.Target))
	h.set("X-Forwarded-Host", originalHost)
	h.set("X-Forwarded-Proto", "http")

	clientIP := c.client
	if host, _, err := net.SplitHostPort(c.client); err == nil {
		clientIP = host
	}
	if prior := h.values("X-Forwarded-For"); len(prior) > 0 {
		h.set("X-Forwarded-For", strings.Join(prior, ", ")+", "+clientIP)
	} else {
		h.set("X-Forwarded-For", clientIP)
	}

	if upgrade != "" {
		h.set("Connection", "Upgrade")
	} else {
		h.set("Connection", "keep-alive")
	}
	tracing.Inject(x.ctx, &h)

	var b bytes.Buffer
	b.WriteString(req.method)
	b.WriteByte(' ')
	b.WriteString(req.target)
	b.WriteByte(' ')
	b.WriteString(req.version)
	b.WriteString("\r\n")
	h.writeTo(&b)
	b.WriteString("\r\n")
	return b.Bytes()
}

// upstreamHost is the Host header sent upstream. Loopback addresses are
// presented as localhost, which dev servers accept by default.
func upstreamHost(target string) string {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return target
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return net.JoinHostPort("localhost", port)
	}
	return target
}

func (c *clientConn) serveHealth() connState {
	x := c.x
	if _, err := copyBody(io.Discard, c.br, x.reqFrame, x.reqLength); err != nil {
		return stateClosed
	}

	keep := x.req.keepAlive() && !c.e.closing.Load()
	body := c.e.healthBody()

	var b bytes.Buffer
	b.WriteString("HTTP/1.1 200 OK\r\n")
	b.WriteString(HealthHeader + ": 1\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	if keep {
		b.WriteString("Connection: keep-alive\r\n\r\n")
	} else {
		b.WriteString("Connection: close\r\n\r\n")
	}
	if x.req.method != "HEAD" {
		b.WriteString(body)
	}

	if !c.write(b.Bytes()) || !keep {
		return stateClosed
	}
	return stateKeepAliveWait
}

func (e *Engine) healthBody() string {
	stats := e.Stats()
	var poolCfg pool.Config
	var idle int
	if e.pool != nil {
		poolCfg = e.pool.Config()
		idle = e.pool.Stats().Idle
	}
	return fmt.Sprintf("ok active_clients=%d overload_rejections=%d max_active_clients=%d"+
		" upstream_connect_timeout_ms=%d upstream_io_timeout_ms=%d client_io_timeout_ms=%d"+
		" pool_max_idle_per_key=%d pool_max_idle_total=%d pool_idle_timeout_ms=%d pool_max_age_ms=%d"+
		" pool_idle=%d routes=%d\n",
		stats.ActiveClients, stats.OverloadRejections, e.opts.MaxActiveClients,
		e.opts.UpstreamConnectTimeout.Milliseconds(), e.opts.UpstreamIOTimeout.Milliseconds(),
		e.opts.ClientIOTimeout.Milliseconds(),
		poolCfg.MaxIdlePerKey, poolCfg.MaxIdleTotal, poolCfg.IdleTimeout.Milliseconds(),
		poolCfg.MaxAge.Milliseconds(), idle, stats.Routes)
}

// write sends b to the client and flushes.
func (c *clientConn) write(b []byte) bool {
	if _, err := c.bw.Write(b); err != nil {
		return false
	}
	return c.bw.Flush() == nil
}

// finish records the outcome of the current exchange.
func (c *clientConn) finish(status int, err error) {
	x := c.x
	if x == nil {
		return
	}
	e := c.e
	e.exchanges.Add(1)
	e.metrics.RecordExchange(x.host, status, time.Since(x.start))

	if err != nil {
		kind := domainerr.Kind(err)
		e.metrics.RecordError(kind)
		e.events.Record(events.Event{
			Kind:    kind,
			Host:    x.host,
			Target:  x.route.Target,
			Client:  c.client,
			Status:  status,
			Message: err.Error(),
		})
		c.logger.WarnContext(x.ctx, "exchange failed", "status", status, "kind", kind, "error", err)
	} else {
		c.logger.DebugContext(x.ctx, "exchange complete", "status", status,
			"duration_ms", time.Since(x.start).Milliseconds())
	}

	if x.span != nil {
		tracing.SetResult(x.span, status, domainerr.Kind(err))
		tracing.SetStatus(x.span, err)
		x.span.End()
		x.span = nil
	}
}

func (c *clientConn) proxyError(stage string, err error) error {
	var (
		connect  *domainerr.ConnectTimeoutError
		protocol *domainerr.ProtocolError
	)
	if errors.As(err, &connect) || errors.As(err, &protocol) {
		return err
	}
	return &domainerr.ProxyError{Stage: stage, Host: c.x.host, Target: c.x.route.Target, Err: err}
}

func (c *clientConn) setUpstream(up *pool.Conn) {
	c.mu.Lock()
	c.upstream = up
	c.mu.Unlock()
}

// releaseUpstream hands the current upstream back to the pool.
func (c *clientConn) releaseUpstream(healthy bool) {
	c.mu.Lock()
	up := c.upstream
	c.upstream = nil
	c.mu.Unlock()
	if up != nil {
		c.e.pool.Release(up, healthy)
	}
}

// dropUpstream closes the current upstream without pooling it.
func (c *clientConn) dropUpstream() {
	c.releaseUpstream(false)
}

// abort closes both sides immediately. Used on forced shutdown.
func (c *clientConn) abort() {
	c.mu.Lock()
	up := c.upstream
	c.mu.Unlock()
	if up != nil {
		up.Conn.Close()
	}
	c.nc.Close()
}

func (c *clientConn) close() {
	c.dropUpstream()

	switch {
	case c.reset:
		if tcp, ok := c.nc.(*net.TCPConn); ok {
			_ = tcp.SetLinger(0)
		}
		c.nc.Close()
	case c.linger:
		lingerClose(c.nc)
	default:
		c.nc.Close()
	}
}

// lingerClose half-closes nc and drains what the client still sends so
// the response is not lost to a reset.
func lingerClose(nc net.Conn) {
	closeWrite(nc)
	_ = nc.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, _ = io.CopyN(io.Discard, nc, 256<<10)
	nc.Close()
}

// trackedWriter remembers write failures so callers can tell which side of
// a copy broke.
type trackedWriter struct {
	w   io.Writer
	err error
}

func (t *trackedWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil && t.err == nil {
		t.err = err
	}
	return n, err
}

func (t *trackedWriter) Flush() error {
	f, ok := t.w.(interface{ Flush() error })
	if !ok {
		return nil
	}
	err := f.Flush()
	if err != nil && t.err == nil {
		t.err = err
	}
	return err
}

func simpleResponse(status int, body string, keepAlive bool) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString(HealthHeader + ": 1\r\n")
	if keepAlive {
		b.WriteString("Connection: keep-alive\r\n\r\n")
	} else {
		b.WriteString("Connection: close\r\n\r\n")
	}
	b.WriteString(body)
	return b.Bytes()
}

func rejectBody(status int, err error) string {
	var notFound *domainerr.NotFoundError
	var protocol *domainerr.ProtocolError
	switch {
	case errors.As(err, &notFound):
		return fmt.Sprintf("No local route configured for %s\nAdd one with: domains add %s <host:port>\n", notFound.Host, notFound.Host)
	case errors.As(err, &protocol):
		return "Bad Request: " + protocol.Reason + "\n"
	case status == 504:
		return "Upstream timed out\n"
	case status == 503:
		return "Proxy overloaded, retry shortly\n"
	default:
		return "Upstream connection failed\n"
	}
}
