package blob

import (
	"context"
	"sync"
)

// MemoryBackend keeps blobs in process memory.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[Locator][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[Locator][]byte)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Put(_ context.Context, data []byte) (Locator, error) {
	loc := LocatorFor(data)
	cp := append([]byte(nil), data...)
	m.mu.Lock()
	m.blobs[loc] = cp
	m.mu.Unlock()
	return loc, nil
}

func (m *MemoryBackend) Get(_ context.Context, loc Locator) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.blobs[loc]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBackend) Delete(_ context.Context, loc Locator) error {
	m.mu.Lock()
	delete(m.blobs, loc)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored blobs.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
