package admin

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory governance store for demo/development mode.
type MemoryStore struct {
	mu    sync.RWMutex
	state *State
}

// NewMemoryStore creates a new in-memory governance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(ctx context.Context) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state == nil {
		return nil, ErrNoState
	}
	return m.state.clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, s *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = s.clone()
	return nil
}

var _ Store = (*MemoryStore)(nil)
