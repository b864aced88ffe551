package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"flow-hq/domains/pkg/config"
	"flow-hq/domains/pkg/domainerr"
	"flow-hq/domains/pkg/events"
	"flow-hq/domains/pkg/pool"
	"flow-hq/domains/pkg/routes"
	"flow-hq/domains/pkg/telemetry/metrics"
	"flow-hq/domains/pkg/telemetry/tracing"
)

const (
	// HealthPath is answered by the engine itself on every host.
	HealthPath = "/_domains/health"

	// HealthHeader identifies responses produced by this engine.
	HealthHeader = "X-Domainsd"
)

// ErrEngineClosed is returned by Serve after Shutdown.
var ErrEngineClosed = errors.New("proxy: engine closed")

// Options are the data-plane tunables.
type Options struct {
	ListenAddress          string
	MaxActiveClients       int
	UpstreamConnectTimeout time.Duration
	UpstreamIOTimeout      time.Duration
	ClientIOTimeout        time.Duration
	MaxHeaderBytes         int
	ShutdownGrace          time.Duration
}

// OptionsFromConfig converts the proxy configuration section.
func OptionsFromConfig(cfg *config.ProxyConfig) Options {
	return Options{
		ListenAddress:          cfg.ListenAddress,
		MaxActiveClients:       cfg.MaxActiveClients,
		UpstreamConnectTimeout: cfg.UpstreamConnectTimeout(),
		UpstreamIOTimeout:      cfg.UpstreamIOTimeout(),
		ClientIOTimeout:        cfg.ClientIOTimeout(),
		MaxHeaderBytes:         cfg.MaxHeaderBytes,
		ShutdownGrace:          cfg.ShutdownGrace,
	}
}

// RouteSource loads the current route table. *routes.Store implements it.
type RouteSource interface {
	Load() (*routes.Table, error)
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the exchange tracer.
func WithTracer(t *tracing.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithEvents sets the recorder for data-plane errors.
func WithEvents(r *events.Recorder) Option {
	return func(e *Engine) { e.events = r }
}

// Stats is a snapshot of engine counters.
type Stats struct {
	ActiveClients      int64  `json:"active_clients"`
	OverloadRejections uint64 `json:"overload_rejections"`
	Exchanges          uint64 `json:"exchanges"`
	Routes             int    `json:"routes"`
}

// Engine is the native HTTP/1.1 host-routing proxy.
type Engine struct {
	opts   Options
	source RouteSource
	pool   *pool.Pool

	logger  *slog.Logger
	metrics *metrics.Collector
	tracer  *tracing.Tracer
	events  *events.Recorder

	table atomic.Pointer[routes.Table]

	active    atomic.Int64
	shed      atomic.Uint64
	exchanges atomic.Uint64
	closing   atomic.Bool

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*clientConn]struct{}
	wg        sync.WaitGroup
}

// New creates an engine with an empty route table. Call Reload to load
// routes from source before serving.
//
// Zero-valued tunables in opts take their documented defaults. The engine
// takes ownership of p: Shutdown closes it. Without options the engine logs
// to slog.Default, records no metrics or events, and creates no spans.
//
//	eng := proxy.New(proxy.OptionsFromConfig(&cfg.Proxy), store, p,
//		proxy.WithLogger(logger),
//		proxy.WithMetrics(collector),
//	)
//	if err := eng.Reload(); err != nil {
//		return err
//	}
//	ln, err := proxy.Listen(ctx, cfg.Proxy.ListenAddress)
//	...
//	go eng.Serve(ln)
func New(opts Options, source RouteSource, p *pool.Pool, options ...Option) *Engine {
	if opts.MaxActiveClients <= 0 {
		opts.MaxActiveClients = config.DefaultMaxActiveClients
	}
	if opts.MaxHeaderBytes <= 0 {
		opts.MaxHeaderBytes = config.DefaultMaxHeaderBytes
	}
	if opts.UpstreamConnectTimeout <= 0 {
		opts.UpstreamConnectTimeout = config.DefaultUpstreamConnectTimeoutMS * time.Millisecond
	}
	if opts.UpstreamIOTimeout <= 0 {
		opts.UpstreamIOTimeout = config.DefaultUpstreamIOTimeoutMS * time.Millisecond
	}
	if opts.ClientIOTimeout <= 0 {
		opts.ClientIOTimeout = config.DefaultClientIOTimeoutMS * time.Millisecond
	}

	e := &Engine{
		opts:      opts,
		source:    source,
		pool:      p,
		logger:    slog.Default(),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*clientConn]struct{}),
	}
	for _, o := range options {
		o(e)
	}
	e.logger = e.logger.With("component", "proxy")
	e.table.Store(routes.NewTable(nil))
	return e
}

// Reload swaps in a fresh route snapshot. On error the current snapshot
// stays in place.
//
// The swap is atomic: an exchange that already looked up its route keeps
// using the old snapshot, and the next lookup on any connection sees the
// new one. Reload is safe to call from the file watcher and the SIGHUP
// handler at the same time.
func (e *Engine) Reload() error {
	table, err := e.source.Load()
	e.metrics.RecordReload(err)
	if err != nil {
		e.logger.Error("route reload failed, keeping previous table", "error", err)
		return fmt.Errorf("failed to reload routes: %w", err)
	}

	prev := e.table.Swap(table)
	e.logger.Info("routes reloaded", "routes", table.Len(), "previous", prev.Len())
	return nil
}

// Table returns the current route snapshot.
func (e *Engine) Table() *routes.Table {
	return e.table.Load()
}

// Options returns the effective tunables.
func (e *Engine) Options() Options {
	return e.opts
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		ActiveClients:      e.active.Load(),
		OverloadRejections: e.shed.Load(),
		Exchanges:          e.exchanges.Load(),
		Routes:             e.table.Load().Len(),
	}
}

// ListenAndServe binds opts.ListenAddress and serves it.
func (e *Engine) ListenAndServe(ctx context.Context) error {
	ln, err := Listen(ctx, e.opts.ListenAddress)
	if err != nil {
		return err
	}
	return e.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It always returns a
// non-nil error; ErrEngineClosed after Shutdown.
//
// Each accepted connection runs on its own goroutine. Once
// MaxActiveClients connections are being served, further connections get
// an immediate 503 and are closed without their request being read.
// Temporary accept errors are retried with backoff.
func (e *Engine) Serve(ln net.Listener) error {
	if !e.trackListener(ln, true) {
		ln.Close()
		return ErrEngineClosed
	}
	defer e.trackListener(ln, false)

	e.logger.Info("proxy listening", "address", ln.Addr().String(),
		"max_active_clients", e.opts.MaxActiveClients)

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if e.closing.Load() {
				return ErrEngineClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			// Transient failures such as EMFILE.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			e.logger.Warn("accept failed, retrying", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		e.wg.Add(1)
		if !e.acquireSlot() {
			go e.rejectOverload(nc)
			continue
		}
		go e.serveConn(nc)
	}
}

// Shutdown stops accepting, lets in-flight exchanges finish within the
// shutdown grace (or ctx), then force-closes what is left and closes the
// pool. Idle keep-alive connections are closed right away.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closing.Store(true)

	e.mu.Lock()
	for ln := range e.listeners {
		ln.Close()
	}
	e.mu.Unlock()

	if e.opts.ShutdownGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.ShutdownGrace)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	var err error
	for drained := false; !drained; {
		e.closeIdle()
		select {
		case <-done:
			drained = true
		case <-ctx.Done():
			n := e.closeAll()
			<-done
			e.logger.Warn("shutdown grace expired, closed remaining connections", "count", n)
			err = fmt.Errorf("forced close of %d connections: %w", n, ctx.Err())
			drained = true
		case <-ticker.C:
		}
	}

	if e.pool != nil {
		if perr := e.pool.Close(); perr != nil && err == nil {
			err = perr
		}
	}
	e.logger.Info("proxy stopped")
	return err
}

func (e *Engine) trackListener(ln net.Listener, add bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if add {
		if e.closing.Load() {
			return false
		}
		e.listeners[ln] = struct{}{}
	} else {
		delete(e.listeners, ln)
	}
	return true
}

func (e *Engine) trackConn(c *clientConn, add bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if add {
		e.conns[c] = struct{}{}
	} else {
		delete(e.conns, c)
	}
}

func (e *Engine) closeIdle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for c := range e.conns {
		if c.idle.Load() {
			c.nc.Close()
		}
	}
}

func (e *Engine) closeAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for c := range e.conns {
		c.abort()
	}
	return len(e.conns)
}

// acquireSlot reserves an active client slot.
func (e *Engine) acquireSlot() bool {
	limit := int64(e.opts.MaxActiveClients)
	for {
		n := e.active.Load()
		if n >= limit {
			return false
		}
		if e.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (e *Engine) rejectOverload(nc net.Conn) {
	defer e.wg.Done()

	e.shed.Add(1)
	err := &domainerr.OverloadError{Active: e.active.Load(), Max: int64(e.opts.MaxActiveClients)}
	e.metrics.RecordShed()
	e.metrics.RecordError(domainerr.Kind(err))
	e.events.Record(events.Event{
		Kind:    domainerr.Kind(err),
		Client:  nc.RemoteAddr().String(),
		Status:  503,
		Message: err.Error(),
	})
	e.logger.Warn("connection shed", "client", nc.RemoteAddr().String(), "error", err)

	_ = nc.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = nc.Write(simpleResponse(503, "Proxy overloaded, retry shortly\n", false))
	lingerClose(nc)
}
