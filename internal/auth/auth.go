// Package auth issues and validates the API keys that bind marketplace
// callers to their wallet addresses.
//
// Reads (escrow lookups, offer discovery, the event feed) are public.
// Mutations (escrow lifecycle, offer management, withdrawals) require a key;
// the authenticated address is what the escrow ledger checks party rules
// against. Keys are issued once at account registration and shown a single
// time; only their SHA-256 hash is stored.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/DaveO280/Diem-Marketplace/internal/idgen"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrNotOwner      = errors.New("not authorized for this resource")
	ErrKeyNotFound   = errors.New("API key not found")
)

// APIKey is the stored metadata for an issued key. The raw secret never
// persists; Hash is its SHA-256 digest.
type APIKey struct {
	ID          string     `json:"id"`
	Hash        string     `json:"-"`
	AccountAddr string     `json:"accountAddr"`
	Name        string     `json:"name"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsed    time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Revoked     bool       `json:"revoked"`
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByAccount(ctx context.Context, addr string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager issues, validates, and revokes API keys.
type Manager struct {
	store Store
}

// NewManager creates an auth manager over the given store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateKey mints a key for an account. The raw key is returned exactly
// once; afterwards only the hash can be matched.
func (m *Manager) GenerateKey(ctx context.Context, accountAddr, name string) (rawKey string, key *APIKey, err error) {
	secret := idgen.Hex(32)
	rawKey = "sk_" + secret

	key = &APIKey{
		ID:          "ak_" + secret[:16],
		Hash:        hashKey(rawKey),
		AccountAddr: strings.ToLower(accountAddr),
		Name:        name,
		CreatedAt:   time.Now(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey resolves a presented key to its stored metadata, rejecting
// revoked and expired keys. Accepts a bare key or a "Bearer " prefix.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// LastUsed is best-effort bookkeeping; don't hold up the request.
	go func() {
		key.LastUsed = time.Now()
		m.store.Update(context.Background(), key)
	}()

	return key, nil
}

// ListKeys returns all keys issued to an account.
func (m *Manager) ListKeys(ctx context.Context, accountAddr string) ([]*APIKey, error) {
	return m.store.GetByAccount(ctx, strings.ToLower(accountAddr))
}

// RevokeKey marks a key revoked. The key must belong to accountAddr.
func (m *Manager) RevokeKey(ctx context.Context, keyID, accountAddr string) error {
	keys, err := m.store.GetByAccount(ctx, strings.ToLower(accountAddr))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore keeps keys in memory, for dev mode and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates an empty in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			return k, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByAccount(ctx context.Context, addr string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if strings.EqualFold(k.AccountAddr, addr) {
			result = append(result, k)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
