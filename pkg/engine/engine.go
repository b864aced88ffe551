package engine

import (
	"context"
	"fmt"
	"sort"

	"flow-hq/domains/pkg/ownership"
	"flow-hq/domains/pkg/routes"
)

// Kind identifies an engine implementation.
type Kind = ownership.Kind

const (
	KindNative    = ownership.KindNative
	KindContainer = ownership.KindContainer
)

// Engine is a proxy implementation that can own the shared port.
type Engine interface {
	Kind() Kind

	// Start launches the engine and returns the record to persist.
	Start(ctx context.Context) (*ownership.Record, error)

	// Stop terminates the engine described by rec.
	Stop(ctx context.Context, rec *ownership.Record) error

	// Reload makes a running engine pick up the current route table.
	Reload(ctx context.Context, rec *ownership.Record) error

	// Alive reports whether the engine described by rec still serves.
	Alive(ctx context.Context, rec *ownership.Record) bool

	// Adopt recognises an unrecorded listener as an instance of this
	// engine.
	Adopt(ctx context.Context, l *ownership.Listener) (*ownership.Record, bool)

	// Doctor returns engine specific diagnostics for rec, which may be nil.
	Doctor(ctx context.Context, rec *ownership.Record) []Check
}

// RouteSource loads the current route table.
type RouteSource interface {
	Load() (*routes.Table, error)
}

// Status is the outcome of a diagnostic check.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Check is one diagnostic line reported by doctor.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail"`
}

func ok(name, format string, args ...any) Check {
	return Check{Name: name, Status: StatusOK, Detail: fmt.Sprintf(format, args...)}
}

func warn(name, format string, args ...any) Check {
	return Check{Name: name, Status: StatusWarn, Detail: fmt.Sprintf(format, args...)}
}

func fail(name, format string, args ...any) Check {
	return Check{Name: name, Status: StatusFail, Detail: fmt.Sprintf(format, args...)}
}

// Set holds one engine per kind.
type Set map[Kind]Engine

// NewSet indexes engines by kind.
func NewSet(engines ...Engine) Set {
	s := make(Set, len(engines))
	for _, e := range engines {
		s[e.Kind()] = e
	}
	return s
}

// Get returns the engine for kind.
func (s Set) Get(kind Kind) (Engine, error) {
	e, found := s[kind]
	if !found {
		return nil, fmt.Errorf("no %s engine available", kind)
	}
	return e, nil
}

// Kinds returns the available kinds in a stable order.
func (s Set) Kinds() []Kind {
	kinds := make([]Kind, 0, len(s))
	for k := range s {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Alive dispatches to the engine that wrote rec. Records of unknown kinds
// are reported dead. It satisfies ownership.LivenessFunc.
func (s Set) Alive(ctx context.Context, rec *ownership.Record) bool {
	e, found := s[rec.Engine]
	if !found {
		return false
	}
	return e.Alive(ctx, rec)
}
