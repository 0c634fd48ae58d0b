package snapshot

import (
	"context"
	"sync"
)

type memoryBackend struct {
	values map[string][]byte
	mu     sync.RWMutex
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{values: make(map[string][]byte)}
}

func (m *memoryBackend) get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *memoryBackend) put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryBackend) delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *memoryBackend) close() error { return nil }
