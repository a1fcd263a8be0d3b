package identity

import (
	"context"
	"sync"
)

type memoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]ServiceAccount // keyed by username
}

// NewMemoryRepository builds an in-memory service account store for
// development and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{accounts: make(map[string]ServiceAccount)}
}

func (r *memoryRepository) Create(_ context.Context, account ServiceAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[account.Username]; exists {
		return ErrExists
	}
	r.accounts[account.Username] = account
	return nil
}

func (r *memoryRepository) FindByUsername(_ context.Context, username string) (ServiceAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.accounts[username]
	if !ok {
		return ServiceAccount{}, ErrNotFound
	}
	return account, nil
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (ServiceAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, account := range r.accounts {
		if account.ID == id {
			return account, nil
		}
	}
	return ServiceAccount{}, ErrNotFound
}

func (r *memoryRepository) UpdatePassword(_ context.Context, id string, hash []byte) error {
	return r.update(id, func(a *ServiceAccount) {
		a.PasswordHash = hash
		a.TokenVersion++
	})
}

func (r *memoryRepository) UpdateTokenVersion(_ context.Context, id string, version int) error {
	return r.update(id, func(a *ServiceAccount) { a.TokenVersion = version })
}

func (r *memoryRepository) update(id string, fn func(*ServiceAccount)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for username, account := range r.accounts {
		if account.ID == id {
			fn(&account)
			r.accounts[username] = account
			return nil
		}
	}
	return ErrNotFound
}
