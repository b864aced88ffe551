package routes

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"flow-hq/domains/pkg/domainerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(t.TempDir())
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return s
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return data
}

func TestStore_AddThenList(t *testing.T) {
	s := newTestStore(t)

	route, err := s.Add("a.localhost", "127.0.0.1:9001", false)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if route.CreatedAt.IsZero() || !route.CreatedAt.Equal(route.UpdatedAt) {
		t.Errorf("expected timestamps on new route, got %+v", route)
	}

	table, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if table.Len() != 1 {
		t.Fatalf("expected 1 route, got %d", table.Len())
	}
	got, ok := table.Lookup("a.localhost")
	if !ok || got.Target != "127.0.0.1:9001" {
		t.Errorf("expected a.localhost -> 127.0.0.1:9001, got %+v", got)
	}
}

func TestStore_AddConflictLeavesFileUnchanged(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Add("a.localhost", "127.0.0.1:9001", false); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	before := readFile(t, s.Path())

	for _, target := range []string{"127.0.0.1:9001", "127.0.0.1:9002"} {
		_, err := s.Add("a.localhost", target, false)

		var conflict *domainerr.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected ConflictError for %s, got %v", target, err)
		}
		if conflict.Existing != "127.0.0.1:9001" {
			t.Errorf("expected conflict to name existing target, got %q", conflict.Existing)
		}
		if after := readFile(t, s.Path()); !bytes.Equal(before, after) {
			t.Errorf("routes.json changed after conflicting add:\nbefore: %s\nafter: %s", before, after)
		}
	}
}

func TestStore_AddReplace(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Add("a.localhost", "127.0.0.1:9001", false)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	second, err := s.Add("a.localhost", "127.0.0.1:9002", true)
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("expected created_at to be kept, got %s vs %s", second.CreatedAt, first.CreatedAt)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Error("expected updated_at to advance")
	}

	got, err := s.Get("a.localhost")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Target != "127.0.0.1:9002" {
		t.Errorf("expected replaced target, got %q", got.Target)
	}
}

func TestStore_AddValidation(t *testing.T) {
	s := newTestStore(t)

	for _, host := range []string{"app.test", "localhost", "example.com"} {
		_, err := s.Add(host, "127.0.0.1:3000", false)
		var verr *domainerr.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("expected ValidationError for %q, got %v", host, err)
		}
	}

	if _, err := s.Add("a.localhost", "not-a-target", false); err == nil {
		t.Error("expected ValidationError for bad target")
	}

	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Error("expected no routes.json after rejected adds")
	}
}

func TestStore_RemoveIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Add("a.localhost", "127.0.0.1:9001", false); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := s.Add("b.localhost", "127.0.0.1:9002", false); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	removed, err := s.Remove("a.localhost")
	if err != nil || !removed {
		t.Fatalf("expected removal, got %v %v", removed, err)
	}

	before := readFile(t, s.Path())
	removed, err = s.Remove("a.localhost")
	if err != nil {
		t.Fatalf("second Remove failed: %v", err)
	}
	if removed {
		t.Error("expected second Remove to report nothing removed")
	}
	if after := readFile(t, s.Path()); !bytes.Equal(before, after) {
		t.Error("expected absent-host Remove to leave the file untouched")
	}

	table, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if _, ok := table.Lookup("a.localhost"); ok {
		t.Error("expected a.localhost to be gone")
	}
	if _, ok := table.Lookup("b.localhost"); !ok {
		t.Error("expected b.localhost to remain")
	}
}

func TestStore_GetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("missing.localhost")
	var nf *domainerr.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestStore_LoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "versioned",
			content: `{"version":1,"routes":[{"host":"b.localhost","target":"127.0.0.1:2"},{"host":"a.localhost","target":"127.0.0.1:1"}]}`,
			want:    []string{"b.localhost", "a.localhost"},
		},
		{
			name:    "array",
			content: `[{"host":"a.localhost","target":"127.0.0.1:1"}]`,
			want:    []string{"a.localhost"},
		},
		{
			name:    "legacy object",
			content: `{"z.localhost":"127.0.0.1:26","m.localhost":"http://localhost:13/"}`,
			want:    []string{"m.localhost", "z.localhost"},
		},
		{
			name:    "empty file",
			content: "",
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			if err := os.WriteFile(s.Path(), []byte(tt.content), 0o644); err != nil {
				t.Fatalf("failed to write routes: %v", err)
			}

			table, err := s.Load()
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			routes := table.Routes()
			if len(routes) != len(tt.want) {
				t.Fatalf("expected %d routes, got %d", len(tt.want), len(routes))
			}
			for i, host := range tt.want {
				if routes[i].Host != host {
					t.Errorf("route %d: expected %q, got %q", i, host, routes[i].Host)
				}
			}
		})
	}
}

func TestStore_LoadRejectsInvalidEntries(t *testing.T) {
	s := newTestStore(t)
	content := `{"version":1,"routes":[{"host":"evil.com","target":"127.0.0.1:1"}]}`
	if err := os.WriteFile(s.Path(), []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write routes: %v", err)
	}

	if _, err := s.Load(); err == nil {
		t.Fatal("expected error for invalid host in file")
	}
}

func TestStore_ConcurrentAdds(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			host := fmt.Sprintf("app%d.localhost", i)
			if _, err := s.Add(host, fmt.Sprintf("127.0.0.1:%d", 3000+i), false); err != nil {
				t.Errorf("Add(%s) failed: %v", host, err)
			}
		}(i)
	}
	wg.Wait()

	table, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if table.Len() != 20 {
		t.Errorf("expected 20 routes, got %d", table.Len())
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only routes.json in state dir, got %d entries", len(entries))
	}
}
