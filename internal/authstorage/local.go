package authstorage

import "sync"

// LocalStore is process-local storage used off the shared root domain, where
// cookies cannot be shared between applications.
type LocalStore struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewLocalStore creates an empty local store
func NewLocalStore() *LocalStore {
	return &LocalStore{items: make(map[string]string)}
}

func (s *LocalStore) GetItem(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

func (s *LocalStore) SetItem(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
}

func (s *LocalStore) RemoveItem(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}
