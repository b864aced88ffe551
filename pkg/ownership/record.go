package ownership

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"flow-hq/domains/pkg/routes"
)

// FileName is the ownership record inside the state directory.
const FileName = "owner.json"

// Kind names an engine variant.
type Kind string

const (
	KindNative    Kind = "native"
	KindContainer Kind = "container"
)

// Kinds lists the supported engine kinds.
var Kinds = []Kind{KindNative, KindContainer}

// ParseKind validates an engine name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown engine %q (want native or container)", s)
}

// Record describes the engine currently owning the proxy port.
type Record struct {
	Engine        Kind      `json:"engine"`
	PID           int       `json:"pid,omitempty"`
	ContainerID   string    `json:"container_id,omitempty"`
	ContainerName string    `json:"container_name,omitempty"`
	ListenAddress string    `json:"listen_address"`
	BoundPort     int       `json:"bound_port"`
	InstanceID    string    `json:"instance_id"`
	StartedAt     time.Time `json:"started_at"`
}

// NewRecord creates a record for kind listening on address.
func NewRecord(kind Kind, address string) *Record {
	return &Record{
		Engine:        kind,
		ListenAddress: address,
		BoundPort:     PortOf(address),
		InstanceID:    uuid.NewString(),
		StartedAt:     time.Now().UTC(),
	}
}

// String describes the owner for error messages.
func (r *Record) String() string {
	if r == nil {
		return "nobody"
	}
	switch {
	case r.PID > 0:
		return fmt.Sprintf("%s engine (pid %d)", r.Engine, r.PID)
	case r.ContainerName != "":
		return fmt.Sprintf("%s engine (%s)", r.Engine, r.ContainerName)
	default:
		return fmt.Sprintf("%s engine", r.Engine)
	}
}

// PortOf returns the numeric port of a host:port address, or 0.
func PortOf(address string) int {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}

// Records persists the ownership record.
type Records struct {
	path string
	mu   sync.Mutex
}

// NewRecords returns the record store for a state directory.
func NewRecords(dir string) *Records {
	return &Records{path: filepath.Join(dir, FileName)}
}

// Path returns the location of owner.json.
func (s *Records) Path() string {
	return s.path
}

// Load returns the current record, or nil when none exists.
func (s *Records) Load() (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	if _, err := ParseKind(string(rec.Engine)); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", s.path, err)
	}
	return &rec, nil
}

// Save replaces the record atomically.
func (s *Records) Save(rec *Record) error {
	if rec == nil {
		return errors.New("nil ownership record")
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ownership record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return routes.WriteFileAtomic(s.path, append(data, '\n'), 0o644)
}

// Clear removes the record. A missing record is not an error.
func (s *Records) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", s.path, err)
	}
	return nil
}
