package events

import (
	"context"
	"time"
)

// Event is one data-plane failure.
type Event struct {
	// ID is a UUID assigned by the recorder.
	ID string `json:"id"`

	Time time.Time `json:"time"`

	// Kind is the error label from domainerr.Kind.
	Kind string `json:"kind"`

	Host   string `json:"host,omitempty"`
	Target string `json:"target,omitempty"`
	Client string `json:"client,omitempty"`

	// Status is the HTTP status sent to the client, 0 when the connection
	// was reset instead.
	Status int `json:"status,omitempty"`

	Message string `json:"message"`
}

// Query filters stored events. Zero values match everything.
type Query struct {
	Since *time.Time
	Kind  string
	Host  string

	// Limit caps the number of events returned by List. Default: 100.
	Limit int
}

// Storage persists events.
type Storage interface {
	// Store writes one event.
	Store(ctx context.Context, ev *Event) error

	// List returns matching events, newest first.
	List(ctx context.Context, q *Query) ([]*Event, error)

	// CountByKind returns the number of matching events per kind.
	CountByKind(ctx context.Context, q *Query) (map[string]int64, error)

	// DeleteBefore removes events older than t and returns how many.
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)

	Close() error
}
