package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"flow-hq/domains/pkg/events"
	"flow-hq/domains/pkg/events/storage"
)

func TestRecorder_WritesEvents(t *testing.T) {
	store := storage.NewMemoryStorage()
	r := events.NewRecorder(store, nil)

	r.Record(events.Event{Kind: "not_found", Host: "b.localhost", Status: 404, Message: "no route"})
	r.Record(events.Event{Kind: "overload", Status: 503, Message: "shed"})

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if store.Len() != 2 {
		t.Fatalf("expected 2 stored events, got %d", store.Len())
	}
	if r.Recorded() != 2 {
		t.Errorf("expected 2 recorded, got %d", r.Recorded())
	}

	got, _ := store.List(context.Background(), &events.Query{Kind: "not_found"})
	if len(got) != 1 || got[0].ID == "" || got[0].Time.IsZero() {
		t.Errorf("expected id and time to be filled in, got %+v", got)
	}
}

// blockingStorage holds every write until released.
type blockingStorage struct {
	*storage.MemoryStorage
	release chan struct{}
}

func (b *blockingStorage) Store(ctx context.Context, ev *events.Event) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.MemoryStorage.Store(ctx, ev)
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	store := &blockingStorage{MemoryStorage: storage.NewMemoryStorage(), release: make(chan struct{})}
	r := events.NewRecorder(store, &events.RecorderConfig{AsyncBuffer: 2, WriteTimeout: time.Second})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			r.Record(events.Event{Kind: "proxy", Message: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}

	if r.Dropped() == 0 {
		t.Error("expected some events to be dropped")
	}

	close(store.release)
	r.Close()
	if got := r.Recorded() + r.Dropped(); got != 50 {
		t.Errorf("expected every event accounted for, got %d", got)
	}
}

type failingStorage struct{ storage.MemoryStorage }

func (f *failingStorage) Store(context.Context, *events.Event) error {
	return errors.New("disk full")
}

func TestRecorder_StorageFailureCountsAsDropped(t *testing.T) {
	r := events.NewRecorder(&failingStorage{}, nil)
	r.Record(events.Event{Kind: "proxy"})
	r.Close()

	if r.Dropped() != 1 || r.Recorded() != 0 {
		t.Errorf("expected 1 dropped, got recorded=%d dropped=%d", r.Recorded(), r.Dropped())
	}
}

func TestRecorder_NilAndClosed(t *testing.T) {
	var nilRecorder *events.Recorder
	nilRecorder.Record(events.Event{Kind: "proxy"})
	if nilRecorder.Close() != nil {
		t.Error("expected nil recorder Close to succeed")
	}

	store := storage.NewMemoryStorage()
	r := events.NewRecorder(store, nil)
	r.Close()
	r.Close()
	r.Record(events.Event{Kind: "proxy"})
	if store.Len() != 0 || r.Dropped() != 1 {
		t.Errorf("expected event after Close to be dropped, stored=%d dropped=%d", store.Len(), r.Dropped())
	}
}

func TestRecorder_ConcurrentRecord(t *testing.T) {
	store := storage.NewMemoryStorage()
	r := events.NewRecorder(store, &events.RecorderConfig{AsyncBuffer: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				r.Record(events.Event{Kind: "not_found"})
			}
		}()
	}
	wg.Wait()
	r.Close()

	if store.Len() != 200 {
		t.Errorf("expected 200 events, got %d", store.Len())
	}
}
