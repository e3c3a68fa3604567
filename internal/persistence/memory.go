package persistence

import (
	"context"
	"sync"

	"github.com/dataprochub/broker/internal/types"
)

// memoryStore provides an in-memory implementation of Store, used in mock
// mode and in tests. Records do not survive a restart.
type memoryStore struct {
	mu      sync.RWMutex
	records map[types.SessionID]Record
}

// newMemoryStore creates a new in-memory handle store
func newMemoryStore() *memoryStore {
	return &memoryStore{
		records: make(map[types.SessionID]Record),
	}
}

// NewMemoryStore creates an in-memory Store, for mock mode and tests.
func NewMemoryStore() Store {
	return newMemoryStore()
}

// PutHandle stores the handle record for a session
func (m *memoryStore) PutHandle(ctx context.Context, record Record) error {
	if !record.Handle.Session.IsValid() {
		return types.ErrEmptyID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[record.Handle.Session] = record
	return nil
}

// GetHandle returns the handle record for a session
func (m *memoryStore) GetHandle(ctx context.Context, session types.SessionID) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, exists := m.records[session]
	if !exists {
		return Record{}, ErrNotFound
	}
	return record, nil
}

// DeleteHandle removes the handle record for a session
func (m *memoryStore) DeleteHandle(ctx context.Context, session types.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, session)
	return nil
}

// ListHandles returns all persisted handle records
func (m *memoryStore) ListHandles(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]Record, 0, len(m.records))
	for _, record := range m.records {
		records = append(records, record)
	}
	return records, nil
}

// Close is a no-op for in-memory store
func (m *memoryStore) Close() error {
	return nil
}
