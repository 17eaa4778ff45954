package events

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with in-memory storage.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
	nextID int64
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	cp := *event
	cp.ID = s.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) BySubject(_ context.Context, subject string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Event
	for _, e := range s.events {
		if e.Subject != subject {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) Recent(_ context.Context, filter Filter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.Subject != "" && e.Subject != filter.Subject {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
