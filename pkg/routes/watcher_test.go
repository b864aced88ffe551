package routes

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnRouteChange(t *testing.T) {
	s := NewStore(t.TempDir())

	w, err := NewWatcher(s.Path(), 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	var calls atomic.Int32
	changed := make(chan struct{}, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = w.Watch(ctx, func() error {
			calls.Add(1)
			changed <- struct{}{}
			return nil
		})
	}()

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)

	// An unrelated file in the state dir is ignored.
	if err := os.WriteFile(filepath.Join(filepath.Dir(s.Path()), "owner.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := s.Add("a.localhost", "127.0.0.1:9001", false); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected reload callback after routes.json changed")
	}

	cancel()
	if n := calls.Load(); n < 1 {
		t.Errorf("expected at least 1 reload, got %d", n)
	}
}

func TestDebouncer_CoalescesTriggers(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)
	defer d.Stop()

	var calls atomic.Int32
	for i := 0; i < 5; i++ {
		d.Trigger(func() { calls.Add(1) })
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 call, got %d", n)
	}
}

func TestDebouncer_StopCancelsPending(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)

	var calls atomic.Int32
	d.Trigger(func() { calls.Add(1) })
	d.Stop()
	d.Stop()

	time.Sleep(60 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Errorf("expected no calls after Stop, got %d", n)
	}
}
