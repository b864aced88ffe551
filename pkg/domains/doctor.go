package domains

import (
	"context"
	"fmt"
	"time"

	"flow-hq/domains/pkg/engine"
	"flow-hq/domains/pkg/events"
	"flow-hq/domains/pkg/ownership"
)

// errorWindow is how far back Doctor counts data-plane errors.
const errorWindow = 24 * time.Hour

// Report is the result of Doctor.
type Report struct {
	StateDir   string `json:"state_dir"`
	RoutesPath string `json:"routes_path"`
	Routes     int    `json:"routes"`

	// Engine is the kind `up` would start.
	Engine engine.Kind `json:"engine"`

	Owner      *ownership.Record   `json:"owner,omitempty"`
	OwnerAlive bool                `json:"owner_alive"`
	Listener   *ownership.Listener `json:"listener,omitempty"`

	Checks []engine.Check `json:"checks"`

	// ErrorCounts are data-plane errors per kind over the last 24 hours.
	ErrorCounts  map[string]int64 `json:"error_counts,omitempty"`
	RecentErrors []*events.Event  `json:"recent_errors,omitempty"`
}

// Healthy reports whether no check failed.
func (r *Report) Healthy() bool {
	for _, c := range r.Checks {
		if c.Status == engine.StatusFail {
			return false
		}
	}
	return true
}

// Doctor inspects routes, the ownership record, the port listener, the
// engines and recorded errors. It never modifies state: a stale record is
// reported, and cleared by the next up or down.
func (m *Manager) Doctor(ctx context.Context, kind engine.Kind) *Report {
	r := &Report{
		StateDir:   m.cfg.StateDir,
		RoutesPath: m.store.Path(),
		Engine:     kind,
	}
	add := func(c engine.Check) { r.Checks = append(r.Checks, c) }

	if table, err := m.store.List(); err != nil {
		add(engine.Check{Name: "routes", Status: engine.StatusFail, Detail: err.Error()})
	} else {
		r.Routes = table.Len()
		add(engine.Check{Name: "routes", Status: engine.StatusOK, Detail: fmt.Sprintf("%d routes in %s", r.Routes, m.store.Path())})
	}

	rec, err := m.arbiter.Records().Load()
	switch {
	case err != nil:
		add(engine.Check{Name: "owner", Status: engine.StatusFail, Detail: err.Error()})
	case rec == nil:
		add(engine.Check{Name: "owner", Status: engine.StatusOK, Detail: "no engine is recorded as owner"})
	default:
		r.Owner = rec
		r.OwnerAlive = m.engines.Alive(ctx, rec)
		if r.OwnerAlive {
			add(engine.Check{Name: "owner", Status: engine.StatusOK, Detail: fmt.Sprintf("%s is running since %s", rec, rec.StartedAt.Format(time.RFC3339))})
		} else {
			add(engine.Check{Name: "owner", Status: engine.StatusFail, Detail: fmt.Sprintf("%s is recorded but not running (stale record)", rec)})
		}
		if rec.Engine != kind {
			add(engine.Check{Name: "engine", Status: engine.StatusWarn, Detail: fmt.Sprintf("recorded owner is %s but the selected engine is %s", rec.Engine, kind)})
		}
	}

	m.checkListener(ctx, r, add)

	target := kind
	if r.Owner != nil {
		target = r.Owner.Engine
	}
	if e, err := m.engines.Get(target); err == nil {
		r.Checks = append(r.Checks, e.Doctor(ctx, r.Owner)...)
	}

	m.checkEvents(ctx, r, add)
	return r
}

func (m *Manager) checkListener(ctx context.Context, r *Report, add func(engine.Check)) {
	if m.inspector == nil {
		return
	}
	port := m.arbiter.Port()
	l, err := m.inspector.Listener(ctx, port)
	if err != nil {
		add(engine.Check{Name: "port", Status: engine.StatusWarn, Detail: fmt.Sprintf("could not inspect port %d: %v", port, err)})
		return
	}
	r.Listener = l

	switch {
	case l == nil && r.Owner != nil && r.OwnerAlive:
		add(engine.Check{Name: "port", Status: engine.StatusWarn, Detail: fmt.Sprintf("no listener found on port %d (lsof and docker may be unavailable)", port)})
	case l == nil:
		add(engine.Check{Name: "port", Status: engine.StatusOK, Detail: fmt.Sprintf("port %d is free", port)})
	case r.Owner == nil:
		add(engine.Check{Name: "port", Status: engine.StatusWarn, Detail: fmt.Sprintf("port %d is held by %s with no ownership record", port, l)})
	case !listenerMatches(r.Owner, l):
		add(engine.Check{Name: "port", Status: engine.StatusFail, Detail: fmt.Sprintf("port %d is held by %s, not by the recorded %s", port, l, r.Owner)})
	default:
		add(engine.Check{Name: "port", Status: engine.StatusOK, Detail: fmt.Sprintf("port %d is held by %s", port, l)})
	}
}

// listenerMatches reports whether l plausibly is the recorded owner. Unknown
// fields are not held against it.
func listenerMatches(rec *ownership.Record, l *ownership.Listener) bool {
	switch rec.Engine {
	case ownership.KindContainer:
		return l.ContainerName == "" || l.ContainerName == rec.ContainerName
	default:
		if l.ContainerName != "" {
			return false
		}
		return l.PID <= 0 || l.PID == rec.PID
	}
}

func (m *Manager) checkEvents(ctx context.Context, r *Report, add func(engine.Check)) {
	if m.events == nil {
		return
	}
	since := time.Now().Add(-errorWindow)
	q := &events.Query{Since: &since}

	counts, err := m.events.CountByKind(ctx, q)
	if err != nil {
		add(engine.Check{Name: "events", Status: engine.StatusWarn, Detail: fmt.Sprintf("could not read error events: %v", err)})
		return
	}
	r.ErrorCounts = counts

	var total int64
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		add(engine.Check{Name: "events", Status: engine.StatusOK, Detail: "no data-plane errors in the last 24h"})
		return
	}

	recent, err := m.events.List(ctx, &events.Query{Since: &since, Limit: 5})
	if err == nil {
		r.RecentErrors = recent
	}
	add(engine.Check{Name: "events", Status: engine.StatusWarn, Detail: fmt.Sprintf("%d data-plane errors in the last 24h", total)})
}
