package blobstore

import (
	"context"
	"sync"
)

// Memory stores blobs in process memory. Used in tests and local
// development where persistence does not matter.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory creates an empty in-memory blob store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// Put stores data under key, silently replacing any prior value.
func (m *Memory) Put(ctx context.Context, key, data string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return nil
}

// Get returns the bytes stored under key, or ErrNotFound.
func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return data, nil
}

// Delete removes the bytes stored under key; missing keys are ignored.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Len returns the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Compile-time interface check
var _ Store = (*Memory)(nil)
