package routes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"flow-hq/domains/pkg/domainerr"
)

// FileName is the route table file inside the state directory.
const FileName = "routes.json"

// FormatVersion is written into every routes.json.
const FormatVersion = 1

// fileFormat is the on-disk layout.
type fileFormat struct {
	Version int     `json:"version"`
	Routes  []Route `json:"routes"`
}

// Store reads and writes routes.json. Writers inside one process are
// serialized; across processes the atomic rename is the only guarantee.
type Store struct {
	path   string
	mu     sync.Mutex
	now    func() time.Time
	logger *slog.Logger
}

// NewStore returns a store for <dir>/routes.json. The directory is created
// on first write.
func NewStore(dir string) *Store {
	return &Store{
		path:   filepath.Join(dir, FileName),
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default().With("component", "routes.store"),
	}
}

// Path returns the routes.json path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the current table. A missing file is an empty table.
func (s *Store) Load() (*Table, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewTable(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	routes, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	return NewTable(routes), nil
}

// List returns the current table.
func (s *Store) List() (*Table, error) {
	return s.Load()
}

// Get returns the route for host or a NotFoundError.
func (s *Store) Get(host string) (Route, error) {
	normalized, err := NormalizeHost(host)
	if err != nil {
		return Route{}, err
	}

	table, err := s.Load()
	if err != nil {
		return Route{}, err
	}

	r, ok := table.Lookup(normalized)
	if !ok {
		return Route{}, &domainerr.NotFoundError{Host: normalized}
	}
	return r, nil
}

// Add registers host -> target. Without replace an existing host is a
// ConflictError and the file is left untouched, even when the target is
// the same.
//
// host and target are normalized first (see NormalizeHost and
// NormalizeTarget); invalid input is a *domainerr.ValidationError.
// Replacing a route keeps its creation time and bumps UpdatedAt.
//
//	r, err := store.Add("app.localhost", "127.0.0.1:3000", false)
//	var conflict *domainerr.ConflictError
//	if errors.As(err, &conflict) {
//		// retry with replace=true to overwrite
//	}
func (s *Store) Add(host, target string, replace bool) (Route, error) {
	normalizedHost, err := NormalizeHost(host)
	if err != nil {
		return Route{}, err
	}
	normalizedTarget, err := NormalizeTarget(target)
	if err != nil {
		return Route{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.Load()
	if err != nil {
		return Route{}, err
	}

	now := s.now()
	route := Route{Host: normalizedHost, Target: normalizedTarget, CreatedAt: now, UpdatedAt: now}

	if existing, ok := table.Lookup(normalizedHost); ok {
		if !replace {
			return Route{}, &domainerr.ConflictError{
				Subject:  normalizedHost,
				Existing: existing.Target,
				Hint:     "pass --replace to overwrite it",
			}
		}
		if !existing.CreatedAt.IsZero() {
			route.CreatedAt = existing.CreatedAt
		}
	}

	if err := s.write(table.with(route)); err != nil {
		return Route{}, err
	}

	s.logger.Info("route saved", "host", route.Host, "target", route.Target, "replaced", replace)
	return route, nil
}

// Remove deletes host. It reports whether a route was removed; removing an
// absent host does not touch the file.
func (s *Store) Remove(host string) (bool, error) {
	normalized, err := NormalizeHost(host)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.Load()
	if err != nil {
		return false, err
	}
	if _, ok := table.Lookup(normalized); !ok {
		return false, nil
	}

	if err := s.write(table.without(normalized)); err != nil {
		return false, err
	}

	s.logger.Info("route removed", "host", normalized)
	return true, nil
}

// write replaces routes.json through a temp file in the same directory.
func (s *Store) write(table *Table) error {
	routes := table.Routes()
	if routes == nil {
		routes = []Route{}
	}

	data, err := json.MarshalIndent(fileFormat{Version: FormatVersion, Routes: routes}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode routes: %w", err)
	}
	data = append(data, '\n')

	return WriteFileAtomic(s.path, data, 0o644)
}

// WriteFileAtomic writes data to path via a synced temporary file and a
// rename, so concurrent readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	// Persist the rename itself; not every platform allows syncing a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// decode accepts the versioned layout, a bare array of {host,target}
// records, and the older {"host":"target"} object.
func decode(data []byte) ([]Route, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var routes []Route
		if err := json.Unmarshal(trimmed, &routes); err != nil {
			return nil, err
		}
		return validateDecoded(routes)

	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return nil, err
		}
		if _, ok := probe["routes"]; ok {
			var f fileFormat
			if err := json.Unmarshal(trimmed, &f); err != nil {
				return nil, err
			}
			if f.Version > FormatVersion {
				return nil, fmt.Errorf("unsupported routes.json version %d", f.Version)
			}
			return validateDecoded(f.Routes)
		}

		var legacy map[string]string
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return nil, err
		}
		hosts := make([]string, 0, len(legacy))
		for host := range legacy {
			hosts = append(hosts, host)
		}
		sort.Strings(hosts)
		routes := make([]Route, 0, len(hosts))
		for _, host := range hosts {
			routes = append(routes, Route{Host: host, Target: legacy[host]})
		}
		return validateDecoded(routes)

	default:
		return nil, errors.New("expected a JSON object or array")
	}
}

// validateDecoded normalizes every entry so a hand-edited file cannot
// smuggle an invalid route into the engine.
func validateDecoded(routes []Route) ([]Route, error) {
	out := make([]Route, 0, len(routes))
	for i, r := range routes {
		host, err := NormalizeHost(r.Host)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		target, err := NormalizeTarget(r.Target)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		r.Host, r.Target = host, target
		out = append(out, r)
	}
	return out, nil
}
