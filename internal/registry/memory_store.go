package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is a thread-safe in-memory offer store for dev mode and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	offers map[string]*Offer
}

// NewMemoryStore creates a new in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]*Offer)}
}

func (s *MemoryStore) Create(ctx context.Context, o *Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.offers[o.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, o *Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offers[o.ID]; !ok {
		return ErrNotFound
	}
	cp := *o
	s.offers[o.ID] = &cp
	return nil
}

func (s *MemoryStore) List(ctx context.Context, q Query) ([]*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Offer
	for _, o := range s.offers {
		if !matches(o, q) {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}

	// Newest first, ID as tiebreaker so pagination is stable.
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func matches(o *Offer, q Query) bool {
	if q.Provider != "" && !strings.EqualFold(o.Provider, q.Provider) {
		return false
	}
	if q.ActiveOnly && !o.Active {
		return false
	}
	if q.Search != "" {
		needle := strings.ToLower(q.Search)
		if !strings.Contains(strings.ToLower(o.Label), needle) &&
			!strings.Contains(strings.ToLower(o.Description), needle) {
			return false
		}
	}
	if !q.CreatedBefore.IsZero() {
		if o.CreatedAt.After(q.CreatedBefore) {
			return false
		}
		if o.CreatedAt.Equal(q.CreatedBefore) && o.ID >= q.BeforeID {
			return false
		}
	}
	return true
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
