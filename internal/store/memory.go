package store

import (
	"context"
	"sync"
)

// Memory is a process-local store, for tests and throwaway servers.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]Snapshot
}

func NewMemory() *Memory { return &Memory{docs: map[string]Snapshot{}} }

func (m *Memory) Get(_ context.Context, id string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.docs[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) Put(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	m.docs[s.ID] = s
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
