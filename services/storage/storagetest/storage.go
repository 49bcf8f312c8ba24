// Package storagetest provides a purely in memory storage backend for tests.
package storagetest

import (
	"sync"

	"github.com/tradewire/tradewire/services/storage"
)

// TestStore hands out named in memory stores the way the storage service does.
type TestStore struct {
	mu     sync.Mutex
	stores map[string]*storage.MemStore
}

func New() *TestStore {
	return &TestStore{
		stores: make(map[string]*storage.MemStore),
	}
}

// Store returns the store for the given namespace.
// Calling Store with the same namespace returns the same store.
func (s *TestStore) Store(name string) storage.Interface {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[name]
	if !ok {
		store = storage.NewMemStore(name)
		s.stores[name] = store
	}
	return store
}

func (s *TestStore) Close() error {
	return nil
}
