package atlas

import (
	"fmt"
	"sync"
)

// Storage abstracts where subject arrays live. Implementations may keep
// arrays in memory or on persistent media; the orchestration layer only
// relies on reads returning the latest acknowledged write.
type Storage interface {
	Load(key string) ([]float64, error)
	Save(key string, data []float64) error
	Exists(key string) bool
}

// MemStorage is the in-memory Storage implementation. Safe for concurrent
// use.
type MemStorage struct {
	mu   sync.RWMutex
	data map[string][]float64
}

// Compile-time interface check.
var _ Storage = (*MemStorage)(nil)

// NewMemStorage returns an empty in-memory store.
func NewMemStorage() *MemStorage {
	return &MemStorage{data: make(map[string][]float64)}
}

// Load returns a copy of the array stored under key.
func (s *MemStorage) Load(key string) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out, nil
}

// Save stores a copy of data under key, replacing any previous value.
func (s *MemStorage) Save(key string, data []float64) error {
	cp := make([]float64, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.data[key] = cp
	s.mu.Unlock()
	return nil
}

// Exists reports whether key has been written.
func (s *MemStorage) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok
}
