package ownership

import (
	"context"
	"errors"
	"strings"
	"testing"

	"flow-hq/domains/pkg/domainerr"
)

type fakeInspector struct {
	listener *Listener
}

func (f *fakeInspector) Listener(context.Context, int) (*Listener, error) {
	return f.listener, nil
}

type fakeClaimant struct {
	kind      Kind
	adoptName string
}

func (f *fakeClaimant) Kind() Kind { return f.kind }

func (f *fakeClaimant) Adopt(_ context.Context, l *Listener) (*Record, bool) {
	if f.adoptName == "" || l.ContainerName != f.adoptName {
		return nil, false
	}
	rec := NewRecord(f.kind, "0.0.0.0:80")
	rec.ContainerName = l.ContainerName
	return rec, true
}

func newTestArbiter(t *testing.T, inspector PortInspector, alive bool) *Arbiter {
	t.Helper()
	liveness := func(context.Context, *Record) bool { return alive }
	return NewArbiter(NewRecords(t.TempDir()), inspector, liveness, 80, nil)
}

func TestArbiter_FreePort(t *testing.T) {
	a := newTestArbiter(t, &fakeInspector{}, true)

	claim, err := a.Acquire(context.Background(), &fakeClaimant{kind: KindNative})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if claim.Outcome != Free {
		t.Errorf("expected Free, got %s", claim.Outcome)
	}
}

func TestArbiter_SameKindAlreadyOwned(t *testing.T) {
	a := newTestArbiter(t, &fakeInspector{}, true)
	rec := NewRecord(KindNative, "127.0.0.1:80")
	rec.PID = 10
	if err := a.Commit(rec); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	claim, err := a.Acquire(context.Background(), &fakeClaimant{kind: KindNative})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if claim.Outcome != AlreadyOwned || claim.Record.PID != 10 {
		t.Errorf("expected AlreadyOwned by pid 10, got %+v", claim)
	}
}

func TestArbiter_OtherKindConflicts(t *testing.T) {
	a := newTestArbiter(t, &fakeInspector{}, true)
	rec := NewRecord(KindContainer, "0.0.0.0:80")
	rec.ContainerName = "domains-proxy"
	if err := a.Commit(rec); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	_, err := a.Acquire(context.Background(), &fakeClaimant{kind: KindNative})
	var conflict *domainerr.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if !strings.Contains(conflict.Existing, "container") {
		t.Errorf("expected conflict to name the container engine, got %q", conflict.Existing)
	}

	// The record is left in place.
	if got, _ := a.Records().Load(); got == nil {
		t.Error("expected record to survive a rejected claim")
	}
}

func TestArbiter_StaleRecordCleared(t *testing.T) {
	a := newTestArbiter(t, &fakeInspector{}, false)
	rec := NewRecord(KindContainer, "0.0.0.0:80")
	if err := a.Commit(rec); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	claim, err := a.Acquire(context.Background(), &fakeClaimant{kind: KindNative})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if claim.Outcome != Free {
		t.Errorf("expected Free after stale record, got %s", claim.Outcome)
	}
	if claim.Stale == nil || claim.Stale.InstanceID != rec.InstanceID {
		t.Errorf("expected stale record to be reported, got %+v", claim.Stale)
	}
	if got, _ := a.Records().Load(); got != nil {
		t.Error("expected stale record to be cleared")
	}
}

func TestArbiter_ForeignListener(t *testing.T) {
	inspector := &fakeInspector{listener: &Listener{Port: 80, Process: "httpd", PID: 55}}
	a := newTestArbiter(t, inspector, true)

	_, err := a.Acquire(context.Background(), &fakeClaimant{kind: KindNative})
	var pc *domainerr.PortConflictError
	if !errors.As(err, &pc) {
		t.Fatalf("expected PortConflictError, got %v", err)
	}
	if pc.Owner != "httpd (pid 55)" {
		t.Errorf("unexpected owner %q", pc.Owner)
	}
}

func TestArbiter_AdoptsOwnListener(t *testing.T) {
	inspector := &fakeInspector{listener: &Listener{Port: 80, ContainerName: "domains-proxy"}}
	a := newTestArbiter(t, inspector, true)

	claim, err := a.Acquire(context.Background(), &fakeClaimant{kind: KindContainer, adoptName: "domains-proxy"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if claim.Outcome != Adopted {
		t.Fatalf("expected Adopted, got %s", claim.Outcome)
	}

	got, err := a.Records().Load()
	if err != nil || got == nil || got.ContainerName != "domains-proxy" {
		t.Errorf("expected adopted record to be saved, got %+v %v", got, err)
	}
}
