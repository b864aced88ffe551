package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/robfig/cron/v3"

	"flow-hq/domains/pkg/domainerr"
)

// Config contains the pool limits.
type Config struct {
	// MaxIdlePerKey caps idle connections per upstream.
	MaxIdlePerKey int

	// MaxIdleTotal caps idle connections across all upstreams.
	MaxIdleTotal int

	// IdleTimeout evicts connections idle for longer than this.
	IdleTimeout time.Duration

	// MaxAge evicts connections older than this.
	MaxAge time.Duration

	// DialTimeout bounds opening a new connection.
	DialTimeout time.Duration

	// ReapSchedule is the cron spec for background eviction, e.g. "@every 5s".
	// Empty disables the reaper.
	ReapSchedule string
}

// DefaultConfig returns the default pool limits.
func DefaultConfig() Config {
	return Config{
		MaxIdlePerKey: 8,
		MaxIdleTotal:  256,
		IdleTimeout:   15 * time.Second,
		MaxAge:        120 * time.Second,
		DialTimeout:   10 * time.Second,
		ReapSchedule:  "@every 5s",
	}
}

// Conn is an upstream connection owned by the pool while idle and by a
// single request while leased.
type Conn struct {
	net.Conn

	id        uint64
	key       string
	createdAt time.Time
	lastUsed  time.Time
	reused    bool
}

// Key returns the upstream key the connection belongs to.
func (c *Conn) Key() string { return c.key }

// CreatedAt returns when the connection was dialed.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// Reused reports whether the connection came from the idle cache.
func (c *Conn) Reused() bool { return c.reused }

// Stats is a point-in-time view of the pool.
type Stats struct {
	Idle      int            `json:"idle"`
	IdleByKey map[string]int `json:"idle_by_key"`
	Hits      uint64         `json:"hits"`
	Misses    uint64         `json:"misses"`
	Dials     uint64         `json:"dials"`
	Evictions uint64         `json:"evictions"`
}

// Pool caches idle upstream connections per target ("host:port").
//
// A connection is owned by exactly one party at a time: the pool while it
// is idle, or a single exchange between Lease/Dial and Release. Idle
// connections are bounded per key by MaxIdlePerKey and overall by
// MaxIdleTotal; when the total cap is reached the least recently used idle
// connection of any key is evicted.
//
// Pool is safe for concurrent use.
type Pool struct {
	cfg    Config
	dialer *net.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	idle   map[string][]*Conn
	order  *simplelru.LRU[uint64, *Conn]
	closed bool

	nextID    atomic.Uint64
	hits      atomic.Uint64
	misses    atomic.Uint64
	dials     atomic.Uint64
	evictions atomic.Uint64

	cron *cron.Cron

	// now and healthy are replaced in tests.
	now     func() time.Time
	healthy func(net.Conn) bool
}

// New creates a pool. MaxIdleTotal is raised to MaxIdlePerKey when lower.
func New(cfg Config) (*Pool, error) {
	if cfg.MaxIdlePerKey <= 0 {
		return nil, fmt.Errorf("max idle per key must be positive, got %d", cfg.MaxIdlePerKey)
	}
	if cfg.MaxIdleTotal < cfg.MaxIdlePerKey {
		cfg.MaxIdleTotal = cfg.MaxIdlePerKey
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}

	order, err := simplelru.NewLRU[uint64, *Conn](cfg.MaxIdleTotal, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}

	return &Pool{
		cfg: cfg,
		dialer: &net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		},
		logger:  slog.Default().With("component", "pool"),
		idle:    make(map[string][]*Conn),
		order:   order,
		now:     time.Now,
		healthy: idleHealthy,
	}, nil
}

// Config returns the effective limits.
func (p *Pool) Config() Config {
	return p.cfg
}

// Lease returns a reusable idle connection for key, or nil when none is
// fresh and healthy. Stale connections found on the way are closed.
func (p *Pool) Lease(key string) *Conn {
	for {
		p.mu.Lock()
		stack := p.idle[key]
		if p.closed || len(stack) == 0 {
			p.mu.Unlock()
			p.misses.Add(1)
			return nil
		}
		c := stack[len(stack)-1]
		p.unlinkLocked(c)
		p.mu.Unlock()

		if !p.fresh(c, p.now()) || !p.healthy(c.Conn) {
			p.evictions.Add(1)
			c.Conn.Close()
			continue
		}

		c.reused = true
		p.hits.Add(1)
		return c
	}
}

// Dial opens a new connection to key bounded by the dial timeout and ctx.
// A timeout is reported as *domainerr.ConnectTimeoutError and a refused
// connection wraps domainerr.ErrUpstreamRefused.
func (p *Pool) Dial(ctx context.Context, key string) (*Conn, error) {
	p.dials.Add(1)

	nc, err := p.dialer.DialContext(ctx, "tcp", key)
	if err != nil {
		var netErr net.Error
		switch {
		case errors.As(err, &netErr) && netErr.Timeout(), errors.Is(err, context.DeadlineExceeded):
			return nil, &domainerr.ConnectTimeoutError{Target: key, Limit: p.cfg.DialTimeout}
		case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
			return nil, fmt.Errorf("dial %s: %w", key, domainerr.ErrUpstreamRefused)
		default:
			return nil, fmt.Errorf("dial %s: %w", key, err)
		}
	}

	now := p.now()
	return &Conn{
		Conn:      nc,
		id:        p.nextID.Add(1),
		key:       key,
		createdAt: now,
		lastUsed:  now,
	}, nil
}

// Acquire leases an idle connection or dials a new one.
//
// Callers must hand the connection back with Release, reporting whether
// it can carry another exchange:
//
//	c, err := p.Acquire(ctx, "127.0.0.1:3000")
//	if err != nil {
//		return err
//	}
//	healthy := exchange(c)
//	p.Release(c, healthy)
func (p *Pool) Acquire(ctx context.Context, key string) (*Conn, error) {
	if c := p.Lease(key); c != nil {
		return c, nil
	}
	return p.Dial(ctx, key)
}

// Release hands a leased connection back. Unhealthy, expired or
// over-capacity connections are closed. When only the total cap is
// exhausted, the least recently used idle connection of any key is closed
// to make room.
func (p *Pool) Release(c *Conn, healthy bool) {
	if c == nil {
		return
	}

	now := p.now()
	if !healthy || now.Sub(c.createdAt) >= p.cfg.MaxAge {
		c.Conn.Close()
		return
	}

	// Clear deadlines left over from the exchange.
	_ = c.Conn.SetDeadline(time.Time{})

	p.mu.Lock()
	if p.closed || len(p.idle[c.key]) >= p.cfg.MaxIdlePerKey {
		p.mu.Unlock()
		c.Conn.Close()
		return
	}

	var victim *Conn
	if p.order.Len() >= p.cfg.MaxIdleTotal {
		if _, oldest, ok := p.order.GetOldest(); ok {
			p.unlinkLocked(oldest)
			victim = oldest
		}
	}

	c.lastUsed = now
	p.idle[c.key] = append(p.idle[c.key], c)
	p.order.Add(c.id, c)
	p.mu.Unlock()

	if victim != nil {
		p.evictions.Add(1)
		victim.Conn.Close()
	}
}

// Reap closes idle connections past their max age or idle timeout, and
// those whose peer has closed.
func (p *Pool) Reap() int {
	now := p.now()

	p.mu.Lock()
	var expired, candidates []*Conn
	for _, stack := range p.idle {
		for _, c := range stack {
			if p.fresh(c, now) {
				candidates = append(candidates, c)
			} else {
				expired = append(expired, c)
			}
		}
	}
	for _, c := range expired {
		p.unlinkLocked(c)
	}
	p.mu.Unlock()

	for _, c := range candidates {
		if p.healthy(c.Conn) {
			continue
		}
		p.mu.Lock()
		stillIdle := p.order.Contains(c.id)
		if stillIdle {
			p.unlinkLocked(c)
		}
		p.mu.Unlock()
		if stillIdle {
			expired = append(expired, c)
		}
	}

	for _, c := range expired {
		c.Conn.Close()
	}
	if n := len(expired); n > 0 {
		p.evictions.Add(uint64(n))
		p.logger.Debug("reaped idle connections", "count", n)
	}
	return len(expired)
}

// Start runs the reaper on cfg.ReapSchedule until Close.
func (p *Pool) Start() error {
	if p.cfg.ReapSchedule == "" {
		return nil
	}

	if _, err := cron.ParseStandard(p.cfg.ReapSchedule); err != nil {
		return fmt.Errorf("invalid reap schedule %q: %w", p.cfg.ReapSchedule, err)
	}

	c := cron.New()
	if _, err := c.AddFunc(p.cfg.ReapSchedule, func() { p.Reap() }); err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}
	c.Start()

	p.mu.Lock()
	p.cron = c
	p.mu.Unlock()
	return nil
}

// Close stops the reaper and closes every idle connection. Leased
// connections are closed by their holders on Release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	c := p.cron
	var all []*Conn
	for _, stack := range p.idle {
		all = append(all, stack...)
	}
	p.idle = make(map[string][]*Conn)
	p.order.Purge()
	p.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	for _, conn := range all {
		conn.Conn.Close()
	}
	return nil
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	byKey := make(map[string]int, len(p.idle))
	total := 0
	for key, stack := range p.idle {
		if len(stack) > 0 {
			byKey[key] = len(stack)
			total += len(stack)
		}
	}
	p.mu.Unlock()

	return Stats{
		Idle:      total,
		IdleByKey: byKey,
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
		Dials:     p.dials.Load(),
		Evictions: p.evictions.Load(),
	}
}

// IdleFor returns the number of idle connections for key.
func (p *Pool) IdleFor(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[key])
}

func (p *Pool) fresh(c *Conn, now time.Time) bool {
	return now.Sub(c.createdAt) < p.cfg.MaxAge && now.Sub(c.lastUsed) < p.cfg.IdleTimeout
}

// unlinkLocked removes c from both indexes. p.mu must be held.
func (p *Pool) unlinkLocked(c *Conn) {
	p.order.Remove(c.id)

	stack := p.idle[c.key]
	for i, other := range stack {
		if other == c {
			stack = append(stack[:i], stack[i+1:]...)
			break
		}
	}
	if len(stack) == 0 {
		delete(p.idle, c.key)
	} else {
		p.idle[c.key] = stack
	}
}
