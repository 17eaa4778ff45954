package token

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/DaveO280/Diem-Marketplace/internal/usdc"
)

// Memory is an in-process token for dev mode and tests. It keeps real
// ERC-20 semantics: Pull consumes an allowance granted to the custody
// account, and balances can never go negative.
type Memory struct {
	mu         sync.Mutex
	custody    string
	balances   map[string]*big.Int
	allowances map[string]map[string]*big.Int // owner -> spender -> remaining
	faucet     *big.Int
}

// MemoryOption configures a Memory token.
type MemoryOption func(*Memory)

// WithFaucet seeds every previously unseen account with the given balance
// and an equal allowance toward custody on first use. Dev mode only; it
// lets fresh wallets fund escrows without an explicit mint and approve.
func WithFaucet(amount string) MemoryOption {
	return func(m *Memory) {
		m.faucet = usdc.MustParse(amount)
	}
}

// NewMemory creates an in-process token with the given custody account.
func NewMemory(custody string, opts ...MemoryOption) *Memory {
	m := &Memory{
		custody:    strings.ToLower(custody),
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]map[string]*big.Int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mint credits an account out of thin air. Test and demo seeding only.
func (m *Memory) Mint(addr, amount string) error {
	amt, ok := usdc.Parse(amount)
	if !ok || !usdc.IsPositive(amt) {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(strings.ToLower(addr), amt)
	return nil
}

// Approve sets the spender's allowance over the owner's funds. Real ERC-20
// approvals are signed by the owner; here the caller vouches for them.
func (m *Memory) Approve(owner, spender, amount string) error {
	amt, ok := usdc.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	owner = strings.ToLower(owner)
	if m.allowances[owner] == nil {
		m.allowances[owner] = make(map[string]*big.Int)
	}
	m.allowances[owner][strings.ToLower(spender)] = new(big.Int).Set(amt)
	return nil
}

// Pull transfers amount from the owner's wallet into custody, consuming
// the custody allowance.
func (m *Memory) Pull(ctx context.Context, from, amount, reference string) error {
	amt, ok := usdc.Parse(amount)
	if !ok || !usdc.IsPositive(amt) {
		return ErrInvalidAmount
	}
	if from == "" {
		return ErrInvalidAddress
	}
	from = strings.ToLower(from)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seed(from)

	allowance := m.allowance(from, m.custody)
	if allowance.Cmp(amt) < 0 {
		return ErrInsufficientAllowance
	}
	balance := m.balance(from)
	if balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}

	m.allowances[from][m.custody] = new(big.Int).Sub(allowance, amt)
	m.balances[from] = new(big.Int).Sub(balance, amt)
	m.credit(m.custody, amt)
	return nil
}

// Push transfers amount from custody to the recipient's wallet.
func (m *Memory) Push(ctx context.Context, to, amount, reference string) error {
	amt, ok := usdc.Parse(amount)
	if !ok || !usdc.IsPositive(amt) {
		return ErrInvalidAmount
	}
	if to == "" {
		return ErrInvalidAddress
	}
	to = strings.ToLower(to)

	m.mu.Lock()
	defer m.mu.Unlock()

	balance := m.balance(m.custody)
	if balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}

	m.balances[m.custody] = new(big.Int).Sub(balance, amt)
	m.credit(to, amt)
	return nil
}

// BalanceOf reports an account's balance. Unknown accounts are zero.
func (m *Memory) BalanceOf(ctx context.Context, addr string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return usdc.Format(m.balance(strings.ToLower(addr))), nil
}

// CustodyAddress returns the platform account that holds escrowed funds.
func (m *Memory) CustodyAddress() string { return m.custody }

// Ping always succeeds; the in-process token has no remote dependency.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the in-process token.
func (m *Memory) Close() error { return nil }

// balance returns the stored balance or zero. Callers hold mu.
func (m *Memory) balance(addr string) *big.Int {
	if b, ok := m.balances[addr]; ok {
		return b
	}
	return big.NewInt(0)
}

// allowance returns the remaining allowance or zero. Callers hold mu.
func (m *Memory) allowance(owner, spender string) *big.Int {
	if grants, ok := m.allowances[owner]; ok {
		if a, ok := grants[spender]; ok {
			return a
		}
	}
	return big.NewInt(0)
}

func (m *Memory) credit(addr string, amt *big.Int) {
	m.balances[addr] = new(big.Int).Add(m.balance(addr), amt)
}

// seed applies the dev faucet to accounts the token has never seen.
// Callers hold mu.
func (m *Memory) seed(addr string) {
	if m.faucet == nil || addr == m.custody {
		return
	}
	if _, known := m.balances[addr]; known {
		return
	}
	m.balances[addr] = new(big.Int).Set(m.faucet)
	if m.allowances[addr] == nil {
		m.allowances[addr] = make(map[string]*big.Int)
	}
	if _, granted := m.allowances[addr][m.custody]; !granted {
		m.allowances[addr][m.custody] = new(big.Int).Set(m.faucet)
	}
}

var _ Token = (*Memory)(nil)
