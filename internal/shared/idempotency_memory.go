package shared

import (
	"context"
	"sync"
)

// MemoryIdempotency keeps claimed keys in process memory. Used by tests and single-node tooling.
type MemoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

// NewMemoryIdempotency constructs MemoryIdempotency.
func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{keys: make(map[string]string)}
}

// CheckAndInsert claims key or returns ErrIdempotencyConflict.
func (m *MemoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

// Delete releases key.
func (m *MemoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

// Has reports whether key is currently claimed.
func (m *MemoryIdempotency) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok
}
