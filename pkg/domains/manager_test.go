package domains

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"flow-hq/domains/pkg/config"
	"flow-hq/domains/pkg/domainerr"
	"flow-hq/domains/pkg/engine"
	"flow-hq/domains/pkg/events"
	"flow-hq/domains/pkg/events/storage"
	"flow-hq/domains/pkg/ownership"
	"flow-hq/domains/pkg/routes"
)

type fakeEngine struct {
	kind  engine.Kind
	alive bool

	adopt     bool
	startErr  error
	reloadErr error

	started  int
	stopped  int
	reloaded int
}

func (f *fakeEngine) Kind() engine.Kind { return f.kind }

func (f *fakeEngine) Start(context.Context) (*ownership.Record, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started++
	f.alive = true
	rec := ownership.NewRecord(f.kind, "127.0.0.1:80")
	rec.PID = 4242
	return rec, nil
}

func (f *fakeEngine) Stop(context.Context, *ownership.Record) error {
	f.stopped++
	f.alive = false
	return nil
}

func (f *fakeEngine) Reload(context.Context, *ownership.Record) error {
	f.reloaded++
	return f.reloadErr
}

func (f *fakeEngine) Alive(context.Context, *ownership.Record) bool { return f.alive }

func (f *fakeEngine) Adopt(_ context.Context, l *ownership.Listener) (*ownership.Record, bool) {
	if !f.adopt {
		return nil, false
	}
	rec := ownership.NewRecord(f.kind, "127.0.0.1:80")
	rec.PID = l.PID
	return rec, true
}

func (f *fakeEngine) Doctor(context.Context, *ownership.Record) []engine.Check {
	return []engine.Check{{Name: string(f.kind) + ".fake", Status: engine.StatusOK}}
}

type fakeInspector struct {
	listener *ownership.Listener
	err      error
}

func (f *fakeInspector) Listener(context.Context, int) (*ownership.Listener, error) {
	return f.listener, f.err
}

type fixture struct {
	m         *Manager
	native    *fakeEngine
	container *fakeEngine
	inspector *fakeInspector
	records   *ownership.Records
	store     *routes.Store
	events    *storage.MemoryStorage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.StateDir = dir

	f := &fixture{
		native:    &fakeEngine{kind: engine.KindNative},
		container: &fakeEngine{kind: engine.KindContainer},
		inspector: &fakeInspector{},
		records:   ownership.NewRecords(dir),
		store:     routes.NewStore(dir),
		events:    storage.NewMemoryStorage(),
	}
	engines := engine.NewSet(f.native, f.container)
	arbiter := ownership.NewArbiter(f.records, f.inspector, engines.Alive, 80, nil)
	f.m = New(cfg, f.store, arbiter, engines, WithInspector(f.inspector), WithEvents(f.events))
	return f
}

func (f *fixture) record(t *testing.T, kind engine.Kind) *ownership.Record {
	t.Helper()
	rec := ownership.NewRecord(kind, "127.0.0.1:80")
	rec.PID = 1234
	if err := f.records.Save(rec); err != nil {
		t.Fatalf("failed to save record: %v", err)
	}
	return rec
}

func TestResolveKind(t *testing.T) {
	tests := []struct {
		flag       string
		configured string
		want       engine.Kind
		wantErr    bool
	}{
		{"", "", engine.KindNative, false},
		{"", "container", engine.KindContainer, false},
		{"native", "container", engine.KindNative, false},
		{" Container ", "", engine.KindContainer, false},
		{"podman", "", "", true},
		{"", "nginx", "", true},
	}
	for _, tt := range tests {
		got, err := ResolveKind(tt.flag, tt.configured)
		if (err != nil) != tt.wantErr {
			t.Errorf("ResolveKind(%q, %q) error = %v, wantErr %v", tt.flag, tt.configured, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ResolveKind(%q, %q) = %q, want %q", tt.flag, tt.configured, got, tt.want)
		}
	}
}

func TestUp_StartsAndRecords(t *testing.T) {
	f := newFixture(t)

	res, err := f.m.Up(context.Background(), engine.KindNative)
	if err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	if !res.Started || res.Outcome != ownership.Free || f.native.started != 1 {
		t.Errorf("unexpected result %+v (started %d)", res, f.native.started)
	}

	rec, err := f.records.Load()
	if err != nil || rec == nil {
		t.Fatalf("expected a saved record, got %v, %v", rec, err)
	}
	if rec.Engine != engine.KindNative || rec.InstanceID != res.Record.InstanceID {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestUp_OtherEngineOwnsPort(t *testing.T) {
	f := newFixture(t)
	f.native.alive = true
	f.record(t, engine.KindNative)

	_, err := f.m.Up(context.Background(), engine.KindContainer)

	var conflict *domainerr.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if !strings.Contains(conflict.Existing, "native") {
		t.Errorf("expected the conflict to name the native engine, got %q", conflict.Existing)
	}
	if f.container.started != 0 {
		t.Error("container engine must not be started")
	}

	rec, _ := f.records.Load()
	if rec == nil || rec.Engine != engine.KindNative {
		t.Errorf("expected the native record to survive, got %v", rec)
	}
}

func TestUp_SameEngineReloads(t *testing.T) {
	f := newFixture(t)
	f.native.alive = true
	f.record(t, engine.KindNative)

	res, err := f.m.Up(context.Background(), engine.KindNative)
	if err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	if res.Outcome != ownership.AlreadyOwned || res.Started {
		t.Errorf("unexpected result %+v", res)
	}
	if f.native.started != 0 || f.native.reloaded != 1 {
		t.Errorf("expected one reload and no start, got started=%d reloaded=%d", f.native.started, f.native.reloaded)
	}
}

func TestUp_StaleRecordIsCleared(t *testing.T) {
	f := newFixture(t)
	stale := f.record(t, engine.KindNative)

	res, err := f.m.Up(context.Background(), engine.KindContainer)
	if err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	if res.Stale == nil || res.Stale.InstanceID != stale.InstanceID {
		t.Errorf("expected the stale native record to be reported, got %v", res.Stale)
	}
	if f.container.started != 1 {
		t.Errorf("expected container to start once, got %d", f.container.started)
	}
	rec, _ := f.records.Load()
	if rec == nil || rec.Engine != engine.KindContainer {
		t.Errorf("expected a container record, got %v", rec)
	}
}

func TestUp_ForeignListener(t *testing.T) {
	f := newFixture(t)
	f.inspector.listener = &ownership.Listener{Port: 80, PID: 77, Process: "httpd"}

	_, err := f.m.Up(context.Background(), engine.KindNative)

	var portErr *domainerr.PortConflictError
	if !errors.As(err, &portErr) {
		t.Fatalf("expected PortConflictError, got %v", err)
	}
	if f.native.started != 0 {
		t.Error("engine must not start while a foreign listener holds the port")
	}
}

func TestUp_AdoptsOwnListener(t *testing.T) {
	f := newFixture(t)
	f.native.adopt = true
	f.inspector.listener = &ownership.Listener{Port: 80, PID: 77, Process: "domains"}

	res, err := f.m.Up(context.Background(), engine.KindNative)
	if err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	if res.Outcome != ownership.Adopted || res.Record.PID != 77 {
		t.Errorf("unexpected result %+v", res)
	}
	if f.native.started != 0 || f.native.reloaded != 1 {
		t.Errorf("expected adopt plus reload, got started=%d reloaded=%d", f.native.started, f.native.reloaded)
	}
}

func TestUp_StartFailureLeavesNoRecord(t *testing.T) {
	f := newFixture(t)
	f.native.startErr = &domainerr.PortConflictError{Port: 80, Owner: "something"}

	if _, err := f.m.Up(context.Background(), engine.KindNative); err == nil {
		t.Fatal("expected Up to fail")
	}
	if rec, _ := f.records.Load(); rec != nil {
		t.Errorf("expected no record, got %v", rec)
	}
}

func TestDown(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing recorded", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.m.Down(ctx)
		if err != nil {
			t.Fatalf("Down failed: %v", err)
		}
		if res.Stopped != nil || res.Stale != nil {
			t.Errorf("expected a no-op, got %+v", res)
		}
	})

	t.Run("running owner", func(t *testing.T) {
		f := newFixture(t)
		f.container.alive = true
		f.record(t, engine.KindContainer)

		res, err := f.m.Down(ctx)
		if err != nil {
			t.Fatalf("Down failed: %v", err)
		}
		if res.Stopped == nil || f.container.stopped != 1 {
			t.Errorf("expected the container to stop, got %+v", res)
		}
		if rec, _ := f.records.Load(); rec != nil {
			t.Errorf("expected the record to be cleared, got %v", rec)
		}
	})

	t.Run("stale owner", func(t *testing.T) {
		f := newFixture(t)
		f.record(t, engine.KindNative)

		res, err := f.m.Down(ctx)
		if err != nil {
			t.Fatalf("Down failed: %v", err)
		}
		if res.Stopped != nil || res.Stale == nil || f.native.stopped != 0 {
			t.Errorf("expected only the stale record to be cleared, got %+v", res)
		}
	})
}

func TestAddAndRemove_ReloadOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.m.Add(ctx, "app.localhost", "127.0.0.1:3000", false)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if c.Reloaded != nil || f.native.reloaded != 0 {
		t.Error("nothing should reload without an owner")
	}

	f.native.alive = true
	f.record(t, engine.KindNative)

	c, err = f.m.Add(ctx, "api.localhost", "127.0.0.1:4000", false)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if c.Reloaded == nil || f.native.reloaded != 1 {
		t.Errorf("expected the owner to reload, got %+v", c)
	}

	f.native.reloadErr = errors.New("signal failed")
	c, err = f.m.Remove(ctx, "APP.localhost")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !c.Removed || c.ReloadErr == nil {
		t.Errorf("expected removal with a reported reload error, got %+v", c)
	}
	if _, err := f.m.Show("app.localhost"); err == nil {
		t.Error("expected the route to be gone despite the reload error")
	}

	c, err = f.m.Remove(ctx, "missing.localhost")
	if err != nil {
		t.Fatalf("Remove of an absent host failed: %v", err)
	}
	if c.Removed || f.native.reloaded != 2 {
		t.Errorf("expected a no-op without reload, got %+v (reloads %d)", c, f.native.reloaded)
	}
}

func TestAdd_DuplicateWithoutReplace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.m.Add(ctx, "app.localhost", "127.0.0.1:3000", false); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	_, err := f.m.Add(ctx, "app.localhost", "127.0.0.1:3001", false)

	var conflict *domainerr.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if r, _ := f.m.Show("app.localhost"); r.Target != "127.0.0.1:3000" {
		t.Errorf("expected the original target to survive, got %q", r.Target)
	}
}

func checkStatus(t *testing.T, r *Report, name string, want engine.Status) {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			if c.Status != want {
				t.Errorf("check %s = %s (%s), want %s", name, c.Status, c.Detail, want)
			}
			return
		}
	}
	t.Errorf("missing check %s in %+v", name, r.Checks)
}

func TestDoctor(t *testing.T) {
	ctx := context.Background()

	t.Run("idle", func(t *testing.T) {
		f := newFixture(t)
		r := f.m.Doctor(ctx, engine.KindNative)

		if !r.Healthy() {
			t.Errorf("expected a healthy report, got %+v", r.Checks)
		}
		checkStatus(t, r, "routes", engine.StatusOK)
		checkStatus(t, r, "owner", engine.StatusOK)
		checkStatus(t, r, "port", engine.StatusOK)
		checkStatus(t, r, "native.fake", engine.StatusOK)
		checkStatus(t, r, "events", engine.StatusOK)
	})

	t.Run("stale record is reported, not cleared", func(t *testing.T) {
		f := newFixture(t)
		f.record(t, engine.KindNative)

		r := f.m.Doctor(ctx, engine.KindContainer)
		if r.Healthy() {
			t.Error("expected a stale record to fail the report")
		}
		checkStatus(t, r, "owner", engine.StatusFail)
		checkStatus(t, r, "engine", engine.StatusWarn)
		checkStatus(t, r, "native.fake", engine.StatusOK)

		if rec, _ := f.records.Load(); rec == nil {
			t.Error("doctor must not clear the record")
		}
	})

	t.Run("port held by another process", func(t *testing.T) {
		f := newFixture(t)
		f.native.alive = true
		f.record(t, engine.KindNative)
		f.inspector.listener = &ownership.Listener{Port: 80, PID: 99, Process: "httpd"}

		r := f.m.Doctor(ctx, engine.KindNative)
		checkStatus(t, r, "port", engine.StatusFail)
	})

	t.Run("recent errors", func(t *testing.T) {
		f := newFixture(t)
		for _, kind := range []string{"connect_timeout", "connect_timeout", "protocol"} {
			ev := &events.Event{ID: kind, Time: time.Now(), Kind: kind, Host: "app.localhost"}
			if err := f.events.Store(ctx, ev); err != nil {
				t.Fatalf("Store failed: %v", err)
			}
		}

		r := f.m.Doctor(ctx, engine.KindNative)
		checkStatus(t, r, "events", engine.StatusWarn)
		if r.ErrorCounts["connect_timeout"] != 2 || r.ErrorCounts["protocol"] != 1 {
			t.Errorf("unexpected counts %v", r.ErrorCounts)
		}
		if len(r.RecentErrors) != 3 {
			t.Errorf("expected 3 recent errors, got %d", len(r.RecentErrors))
		}
	})
}
