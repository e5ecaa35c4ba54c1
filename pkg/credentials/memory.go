// pkg/credentials/memory.go
package credentials

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"go.uber.org/zap"
)

type memStore struct {
	log  *zap.SugaredLogger
	mu   sync.RWMutex
	byID map[string]Credential
	acct map[string]LinkedAccount
}

// NewMemoryStoreFromEnv builds an in-memory store seeded from
// GATE_CREDENTIAL_SEED_JSON. Used for dev when no database is configured.
func NewMemoryStoreFromEnv(log *zap.SugaredLogger) Store {
	s := &memStore{log: log, byID: map[string]Credential{}, acct: map[string]LinkedAccount{}}
	seed := os.Getenv("GATE_CREDENTIAL_SEED_JSON")
	if seed != "" {
		var entries []struct {
			TenantID, AccessToken, RefreshToken, LocationRef, CompanyRef, UserType string
			ExpiresAt                                                              int64
		}
		_ = json.Unmarshal([]byte(seed), &entries)
		for _, e := range entries {
			s.byID[e.TenantID] = Credential{
				TenantID: e.TenantID, AccessToken: e.AccessToken, RefreshToken: e.RefreshToken,
				ExpiresAt: e.ExpiresAt, LocationRef: e.LocationRef, CompanyRef: e.CompanyRef,
				UserType: e.UserType,
			}
		}
		log.Infow("seeded in-memory credentials", "count", len(s.byID))
	}
	return s
}

// NewMemoryStore returns an empty in-memory store. Tests use this directly.
func NewMemoryStore(log *zap.SugaredLogger) *MemoryStore {
	return &MemoryStore{memStore{log: log, byID: map[string]Credential{}, acct: map[string]LinkedAccount{}}}
}

// MemoryStore exposes the in-memory implementation with seeding helpers.
type MemoryStore struct {
	memStore
}

// Put inserts or replaces a credential record.
func (m *MemoryStore) Put(c Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[c.TenantID] = c
}

// PutAccount inserts or replaces a linkable account row.
func (m *MemoryStore) PutAccount(a LinkedAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acct[a.TenantID] = a
}

func (m *memStore) Find(ctx context.Context, tenantID string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.byID[tenantID]; ok {
		return c, nil
	}
	return Credential{}, ErrNotFound
}

func (m *memStore) Create(ctx context.Context, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[c.TenantID] = c
	return nil
}

func (m *memStore) Update(ctx context.Context, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[c.TenantID]; !ok {
		return ErrNotFound
	}
	m.byID[c.TenantID] = c
	return nil
}

func (m *memStore) FindLinkableAccount(ctx context.Context, tenantID string) (LinkedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.acct[tenantID]; ok {
		return a, nil
	}
	return LinkedAccount{}, ErrNotFound
}
