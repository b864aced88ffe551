package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"flow-hq/domains/pkg/events"
)

// MemoryStorage implements events.Storage in memory. It is intended for
// tests and for running with the event store disabled on disk.
type MemoryStorage struct {
	mu     sync.RWMutex
	events []*events.Event
}

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Store(_ context.Context, ev *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStorage) List(_ context.Context, q *events.Query) ([]*events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []*events.Event{}
	for _, ev := range s.events {
		if matches(ev, q) {
			cp := *ev
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Time.After(result[j].Time)
	})

	limit := 100
	if q != nil && q.Limit > 0 {
		limit = q.Limit
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStorage) CountByKind(_ context.Context, q *events.Query) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, ev := range s.events {
		if matches(ev, q) {
			counts[ev.Kind]++
		}
	}
	return counts, nil
}

func (s *MemoryStorage) DeleteBefore(_ context.Context, t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var deleted int64
	for _, ev := range s.events {
		if ev.Time.Before(t) {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return deleted, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

// Len returns the number of stored events.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func matches(ev *events.Event, q *events.Query) bool {
	if q == nil {
		return true
	}
	if q.Since != nil && ev.Time.Before(*q.Since) {
		return false
	}
	if q.Kind != "" && ev.Kind != q.Kind {
		return false
	}
	if q.Host != "" && ev.Host != q.Host {
		return false
	}
	return true
}
