package storage

import (
	"context"
	"sync"
)

// MemoryResponseStore is an in-memory implementation of ResponseStore.
type MemoryResponseStore struct {
	mu        sync.RWMutex
	responses map[string]*CachedResponse
}

// NewMemoryResponseStore creates a new MemoryResponseStore.
func NewMemoryResponseStore() *MemoryResponseStore {
	return &MemoryResponseStore{
		responses: make(map[string]*CachedResponse),
	}
}

// Get returns a copy of the stored response.
func (s *MemoryResponseStore) Get(_ context.Context, key string) (*CachedResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp, ok := s.responses[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

// Put replaces the response stored under key.
func (s *MemoryResponseStore) Put(_ context.Context, key string, resp *CachedResponse) error {
	entry := resp.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.responses[key] = entry
	return nil
}

// Len reports the number of stored entries.
func (s *MemoryResponseStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.responses)
}

// Close is a no-op for memory store.
func (s *MemoryResponseStore) Close() error {
	return nil
}
