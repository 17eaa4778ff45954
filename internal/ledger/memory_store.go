package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/DaveO280/Diem-Marketplace/internal/usdc"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	credited map[string]bool // (account, type, reference) keys already applied
	seq      int64
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		credited: make(map[string]bool),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, account string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[account]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{
		Account:        account,
		Available:      "0.000000",
		TotalEarned:    "0.000000",
		TotalWithdrawn: "0.000000",
		UpdatedAt:      time.Now(),
	}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, account, amount, reference, entryType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	add, ok := usdc.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	// Credits are idempotent on (account, type, reference): a retry whose
	// first attempt already applied changes nothing.
	key := account + "|" + entryType + "|" + reference
	if m.credited[key] {
		return nil
	}

	bal, ok := m.balances[account]
	if !ok {
		bal = &Balance{
			Account:        account,
			Available:      "0.000000",
			TotalEarned:    "0.000000",
			TotalWithdrawn: "0.000000",
		}
		m.balances[account] = bal
	}

	avail := usdc.MustParse(bal.Available)
	earned := usdc.MustParse(bal.TotalEarned)
	avail.Add(avail, add)
	earned.Add(earned, add)
	bal.Available = usdc.Format(avail)
	bal.TotalEarned = usdc.Format(earned)
	bal.UpdatedAt = time.Now()

	m.credited[key] = true
	m.appendEntry(account, entryType, amount, reference)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, account, amount, reference, entryType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := usdc.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	bal, ok := m.balances[account]
	if !ok {
		return ErrInsufficientBalance
	}

	avail := usdc.MustParse(bal.Available)
	if avail.Cmp(sub) < 0 {
		return ErrInsufficientBalance
	}
	withdrawn := usdc.MustParse(bal.TotalWithdrawn)
	avail.Sub(avail, sub)
	withdrawn.Add(withdrawn, sub)
	bal.Available = usdc.Format(avail)
	bal.TotalWithdrawn = usdc.Format(withdrawn)
	bal.UpdatedAt = time.Now()

	m.appendEntry(account, entryType, amount, reference)
	return nil
}

func (m *MemoryStore) Restore(ctx context.Context, account, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	add, ok := usdc.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	bal, ok := m.balances[account]
	if !ok {
		return ErrInsufficientBalance
	}

	avail := usdc.MustParse(bal.Available)
	withdrawn := usdc.MustParse(bal.TotalWithdrawn)
	avail.Add(avail, add)
	withdrawn.Sub(withdrawn, add)
	bal.Available = usdc.Format(avail)
	bal.TotalWithdrawn = usdc.Format(withdrawn)
	bal.UpdatedAt = time.Now()

	m.appendEntry(account, EntryWithdrawalReversal, amount, reference)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	// Entries append in order; walk backwards for newest first.
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].Account != account {
			continue
		}
		cp := *m.entries[i]
		result = append(result, &cp)
	}
	return result, nil
}

// appendEntry records a history row. Caller must hold the write lock.
func (m *MemoryStore) appendEntry(account, entryType, amount, reference string) {
	m.seq++
	m.entries = append(m.entries, &Entry{
		ID:        fmt.Sprintf("led_%d", m.seq),
		Account:   account,
		Type:      entryType,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now(),
	})
}
