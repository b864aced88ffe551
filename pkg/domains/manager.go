package domains

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"flow-hq/domains/pkg/config"
	"flow-hq/domains/pkg/engine"
	"flow-hq/domains/pkg/events"
	"flow-hq/domains/pkg/ownership"
	"flow-hq/domains/pkg/routes"
)

// Option configures optional Manager collaborators.
type Option func(*Manager)

// WithEvents lets Doctor report recorded data-plane errors.
func WithEvents(s events.Storage) Option {
	return func(m *Manager) { m.events = s }
}

// WithInspector lets Doctor report the current port listener.
func WithInspector(i ownership.PortInspector) Option {
	return func(m *Manager) { m.inspector = i }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager implements the control operations over the route store, the
// ownership record and the engines.
type Manager struct {
	cfg       *config.Config
	store     *routes.Store
	arbiter   *ownership.Arbiter
	engines   engine.Set
	events    events.Storage
	inspector ownership.PortInspector
	logger    *slog.Logger
}

// New creates a manager.
func New(cfg *config.Config, store *routes.Store, arbiter *ownership.Arbiter, engines engine.Set, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		store:   store,
		arbiter: arbiter,
		engines: engines,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("component", "domains")
	return m
}

// ResolveKind picks the engine kind: an explicit flag wins over the
// configured engine (which already includes DOMAINS_ENGINE), which wins
// over native.
func ResolveKind(flag, configured string) (engine.Kind, error) {
	for _, v := range []string{flag, configured} {
		if v = strings.TrimSpace(v); v != "" {
			return ownership.ParseKind(strings.ToLower(v))
		}
	}
	return engine.KindNative, nil
}

// Change is the outcome of Add or Remove.
type Change struct {
	Route   routes.Route
	Removed bool

	// Reloaded is the running owner that was asked to reload, if any.
	Reloaded *ownership.Record

	// ReloadErr is set when the route was saved but the owner could not be
	// reloaded.
	ReloadErr error
}

// List returns the route table.
func (m *Manager) List() (*routes.Table, error) {
	return m.store.List()
}

// Show returns one route.
func (m *Manager) Show(host string) (routes.Route, error) {
	return m.store.Get(host)
}

// Add saves a route and reloads the running owner.
func (m *Manager) Add(ctx context.Context, host, target string, replace bool) (*Change, error) {
	r, err := m.store.Add(host, target, replace)
	if err != nil {
		return nil, err
	}
	c := &Change{Route: r}
	c.Reloaded, c.ReloadErr = m.reloadOwner(ctx)
	return c, nil
}

// Remove deletes a route and reloads the running owner. Removing an absent
// host is a no-op.
func (m *Manager) Remove(ctx context.Context, host string) (*Change, error) {
	norm, err := routes.NormalizeHost(host)
	if err != nil {
		return nil, err
	}
	removed, err := m.store.Remove(norm)
	if err != nil {
		return nil, err
	}

	c := &Change{Route: routes.Route{Host: norm}, Removed: removed}
	if !removed {
		return c, nil
	}
	c.Reloaded, c.ReloadErr = m.reloadOwner(ctx)
	return c, nil
}

// reloadOwner signals the recorded owner, if it is alive.
func (m *Manager) reloadOwner(ctx context.Context) (*ownership.Record, error) {
	current, _, err := m.arbiter.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	e, err := m.engines.Get(current.Engine)
	if err != nil {
		return current, err
	}
	if err := e.Reload(ctx, current); err != nil {
		m.logger.Warn("reload failed", "owner", current.String(), "error", err)
		return current, err
	}
	return current, nil
}

// UpResult is the outcome of Up.
type UpResult struct {
	Outcome ownership.Outcome
	Record  *ownership.Record

	// Started is true when a new engine instance was launched.
	Started bool

	// Stale is a dead owner record cleared on the way.
	Stale *ownership.Record
}

// Up makes kind the owner of the port. A running owner of the same kind
// is reloaded instead of restarted. A running owner of another kind is a
// ConflictError and kind is never started.
func (m *Manager) Up(ctx context.Context, kind engine.Kind) (*UpResult, error) {
	e, err := m.engines.Get(kind)
	if err != nil {
		return nil, err
	}

	claim, err := m.arbiter.Acquire(ctx, e)
	if err != nil {
		return nil, err
	}
	res := &UpResult{Outcome: claim.Outcome, Stale: claim.Stale}

	switch claim.Outcome {
	case ownership.AlreadyOwned, ownership.Adopted:
		res.Record = claim.Record
		if err := e.Reload(ctx, claim.Record); err != nil {
			return res, fmt.Errorf("%s is running but failed to reload: %w", claim.Record, err)
		}
		m.logger.Info("engine already running, reloaded", "owner", claim.Record.String(), "outcome", claim.Outcome.String())
		return res, nil
	}

	rec, err := e.Start(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.arbiter.Commit(rec); err != nil {
		// The engine runs but is unrecorded; stop it rather than leak it.
		if stopErr := e.Stop(ctx, rec); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		return nil, fmt.Errorf("failed to record ownership: %w", err)
	}
	m.logger.Info("engine started", "owner", rec.String(), "instance_id", rec.InstanceID)

	res.Record = rec
	res.Started = true
	return res, nil
}

// DownResult is the outcome of Down.
type DownResult struct {
	// Stopped is the owner that was stopped, nil when nothing ran.
	Stopped *ownership.Record

	// Stale is a dead owner record that was cleared without stopping
	// anything.
	Stale *ownership.Record
}

// Down stops the recorded owner and clears the record. It is a no-op when
// nothing is recorded.
func (m *Manager) Down(ctx context.Context) (*DownResult, error) {
	current, stale, err := m.arbiter.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	res := &DownResult{Stale: stale}
	if current == nil {
		return res, nil
	}

	e, err := m.engines.Get(current.Engine)
	if err != nil {
		return nil, err
	}
	if err := e.Stop(ctx, current); err != nil {
		return nil, fmt.Errorf("failed to stop %s: %w", current, err)
	}
	if err := m.arbiter.Release(); err != nil {
		return nil, err
	}
	m.logger.Info("engine stopped", "owner", current.String())

	res.Stopped = current
	return res, nil
}
