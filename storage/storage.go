// Package storage provides the key-value facade the authentication core
// persists its state through, together with a per-session utility that
// namespaces records across a secure and an insecure partition.
package storage

import (
	"context"
	"sync"
)

// Storage is the minimal key-value contract consumed by the library. Any
// backing store (memory, disk, database) can be plugged in; the core never
// assumes more than these three operations.
type Storage interface {
	// Get returns the value for key, and whether the key was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores or replaces the value for key.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// InMemory is a mutex-guarded map implementation of Storage. It is the
// default backing store for sessions that do not supply their own.
type InMemory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewInMemory constructs an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{values: make(map[string]string)}
}

// Get returns the stored value for key.
func (s *InMemory) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

// Set stores or replaces the value for key.
func (s *InMemory) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Delete removes key from the store.
func (s *InMemory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
