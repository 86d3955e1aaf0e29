package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e.Clone())
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Head(context.Context) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return Entry{}, false, nil
	}
	return m.entries[len(m.entries)-1].Clone(), true, nil
}

func (m *MemoryStore) Range(_ context.Context, from, to uint64) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Seq < from || (to != 0 && e.Seq > to) {
			continue
		}
		out = append(out, e.Clone())
	}
	return out, nil
}

func (m *MemoryStore) Subject(_ context.Context, id string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Subject == id || e.DocumentID == id {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}
