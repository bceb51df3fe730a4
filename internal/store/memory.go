package store

import (
	"context"
	"sync"
)

// Memory is an in-process Store used by tests and single-node deployments
// that do not configure a database.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, sessionID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := make([]byte, len(doc))
	copy(copied, doc)
	return copied, nil
}

func (m *Memory) Put(_ context.Context, sessionID string, doc []byte) error {
	copied := make([]byte, len(doc))
	copy(copied, doc)
	m.mu.Lock()
	m.docs[sessionID] = copied
	m.mu.Unlock()
	return nil
}
