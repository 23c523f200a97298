package storage

import (
	"sync"

	"github.com/d-kuro/identityhttp/pkg/types"
)

// MemoryStore keeps the token bundle in process memory. It is the default
// store of sessions that do not persist their login.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens *types.TokenBundle
}

var _ CredentialStore = (*MemoryStore)(nil)
var _ CredentialStore = (*FileSystemStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) LoadTokens() (*types.TokenBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.tokens == nil {
		return nil, ErrStorageNotFound
	}
	copied := *m.tokens
	return &copied, nil
}

func (m *MemoryStore) StoreTokens(tokens *types.TokenBundle) error {
	if tokens == nil {
		return ErrStorageCorrupted
	}
	copied := *tokens

	m.mu.Lock()
	m.tokens = &copied
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ClearTokens() error {
	m.mu.Lock()
	m.tokens = nil
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) HasTokens() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens != nil
}

func (m *MemoryStore) GetStoragePath() string {
	return "memory"
}
