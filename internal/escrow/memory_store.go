package escrow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[escrow.ID]; ok {
		return fmt.Errorf("escrow %s already exists", escrow.ID)
	}
	cp := *escrow
	m.escrows[escrow.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *escrow
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[escrow.ID]; !ok {
		return ErrNotFound
	}
	cp := *escrow
	m.escrows[escrow.ID] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	party := strings.ToLower(f.Party)
	var result []*Escrow
	for _, e := range m.escrows {
		if party != "" && e.Consumer != party && e.Provider != party {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if !f.CreatedBefore.IsZero() {
			if e.CreatedAt.After(f.CreatedBefore) {
				continue
			}
			if e.CreatedAt.Equal(f.CreatedBefore) && e.ID >= f.BeforeID {
				continue
			}
		}
		cp := *e
		result = append(result, &cp)
	}

	// Newest first, ID as tiebreaker for stable cursor pagination.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if !timedOut(e, now) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// timedOut reports whether a timeout fallback or settlement unlock applies.
func timedOut(e *Escrow, now time.Time) bool {
	switch e.Status {
	case StatusPending:
		return now.After(e.CreatedAt.Add(PendingExpiry))
	case StatusFunded:
		return now.After(e.RefundAfter)
	case StatusActive:
		if !e.ConsumerAttested {
			return now.After(e.ReportingClose)
		}
		if e.ConsumerAttested && e.ProviderAttested {
			return !e.CompletionUnlock.IsZero() && !now.Before(e.CompletionUnlock)
		}
	}
	return false
}
