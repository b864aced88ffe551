package engine

import (
	"errors"
)

// Signal is a process control signal.
type Signal int

const (
	SignalTerminate Signal = iota + 1
	SignalKill
	SignalReload
)

func (s Signal) String() string {
	switch s {
	case SignalTerminate:
		return "SIGTERM"
	case SignalKill:
		return "SIGKILL"
	case SignalReload:
		return "SIGHUP"
	default:
		return "signal(?)"
	}
}

// ErrProcessGone is returned when signalling a process that no longer
// exists.
var ErrProcessGone = errors.New("process not running")

// SpawnSpec describes a detached background process.
type SpawnSpec struct {
	Path    string
	Args    []string
	Dir     string
	LogFile string
}

// Processes abstracts OS process control.
type Processes interface {
	// Spawn starts spec detached from the caller's session and returns its
	// pid. Output goes to spec.LogFile.
	Spawn(spec SpawnSpec) (int, error)

	// Signal delivers sig to pid. It returns ErrProcessGone when pid does
	// not exist.
	Signal(pid int, sig Signal) error

	// Alive reports whether pid exists.
	Alive(pid int) bool
}

// SystemProcesses controls real OS processes.
type SystemProcesses struct{}
