package balance

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory account store for development and tests.
type MemoryStore struct {
	accounts map[Key]*Account
	mu       sync.Mutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[Key]*Account)}
}

func (m *MemoryStore) Get(ctx context.Context, k Key) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[k]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Mutate(ctx context.Context, k Key, create bool, fn func(a *Account) error) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var work Account
	if a, ok := m.accounts[k]; ok {
		work = *a
	} else if create {
		work = *newAccount(k, time.Now())
	} else {
		return nil, ErrAccountNotFound
	}

	if err := fn(&work); err != nil {
		return nil, err
	}
	stored := work
	m.accounts[k] = &stored
	return &work, nil
}
