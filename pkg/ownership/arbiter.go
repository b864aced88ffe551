package ownership

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"flow-hq/domains/pkg/domainerr"
)

// Outcome is the result of an ownership claim.
type Outcome int

const (
	// Free means the caller may start its engine and Commit a record.
	Free Outcome = iota

	// AlreadyOwned means the claimant's engine kind already owns the port.
	AlreadyOwned

	// Adopted means an unrecorded listener was recognised as the
	// claimant's own and has been recorded.
	Adopted
)

func (o Outcome) String() string {
	switch o {
	case Free:
		return "free"
	case AlreadyOwned:
		return "already_owned"
	case Adopted:
		return "adopted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Claimant is an engine asking for the port.
type Claimant interface {
	Kind() Kind

	// Adopt reports whether l is an instance of this engine that lost its
	// record, returning the record to save.
	Adopt(ctx context.Context, l *Listener) (*Record, bool)
}

// LivenessFunc reports whether the owner described by a record still runs.
type LivenessFunc func(ctx context.Context, rec *Record) bool

// Claim is the arbiter's decision.
type Claim struct {
	Outcome Outcome

	// Record is the current owner for AlreadyOwned and Adopted.
	Record *Record

	// Stale is a record that was found dead and cleared on the way.
	Stale *Record
}

// Arbiter serializes ownership decisions within one process.
type Arbiter struct {
	records   *Records
	inspector PortInspector
	alive     LivenessFunc
	port      int
	logger    *slog.Logger

	mu sync.Mutex
}

// NewArbiter creates an arbiter for port.
func NewArbiter(records *Records, inspector PortInspector, alive LivenessFunc, port int, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		records:   records,
		inspector: inspector,
		alive:     alive,
		port:      port,
		logger:    logger.With("component", "ownership"),
	}
}

// Records returns the underlying record store.
func (a *Arbiter) Records() *Records {
	return a.records
}

// Port returns the contested port.
func (a *Arbiter) Port() int {
	return a.port
}

// Reconcile loads the record and clears it when its owner is gone. It
// returns the live record (or nil) and the cleared stale record (or nil).
func (a *Arbiter) Reconcile(ctx context.Context) (current, stale *Record, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reconcileLocked(ctx)
}

func (a *Arbiter) reconcileLocked(ctx context.Context) (*Record, *Record, error) {
	rec, err := a.records.Load()
	if err != nil || rec == nil {
		return nil, nil, err
	}

	if a.alive(ctx, rec) {
		return rec, nil, nil
	}

	a.logger.Info("clearing stale ownership record", "owner", rec.String(), "instance_id", rec.InstanceID)
	if err := a.records.Clear(); err != nil {
		return nil, nil, err
	}
	return nil, rec, nil
}

// Acquire decides whether c may own the port.
func (a *Arbiter) Acquire(ctx context.Context, c Claimant) (*Claim, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	current, stale, err := a.reconcileLocked(ctx)
	if err != nil {
		return nil, err
	}
	claim := &Claim{Stale: stale}

	if current != nil {
		if current.Engine == c.Kind() {
			claim.Outcome = AlreadyOwned
			claim.Record = current
			return claim, nil
		}
		return nil, &domainerr.ConflictError{
			Subject:  fmt.Sprintf("port %d", a.port),
			Existing: current.String(),
			Hint:     "run `domains down` first",
		}
	}

	l, err := a.inspector.Listener(ctx, a.port)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect port %d: %w", a.port, err)
	}
	if l == nil {
		claim.Outcome = Free
		return claim, nil
	}

	rec, ok := c.Adopt(ctx, l)
	if !ok {
		return nil, &domainerr.PortConflictError{Port: a.port, Owner: l.String()}
	}
	if err := a.records.Save(rec); err != nil {
		return nil, err
	}
	a.logger.Info("adopted running engine", "owner", rec.String())

	claim.Outcome = Adopted
	claim.Record = rec
	return claim, nil
}

// Commit records a freshly started owner.
func (a *Arbiter) Commit(rec *Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.records.Save(rec)
}

// Release clears the record.
func (a *Arbiter) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.records.Clear()
}
