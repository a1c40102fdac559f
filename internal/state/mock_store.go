package state

import (
	"context"
	"sync"

	"github.com/TheMichaelB/kbsync/internal/models"
)

// MockStore provides an in-memory implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	snap    *models.Snapshot
	saves   int
	loadErr error
	saveErr error
}

// NewMockStore creates a mock state store.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// Load returns a copy of the stored snapshot.
func (m *MockStore) Load(ctx context.Context) (*models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.snap == nil {
		return nil, ErrStateNotFound
	}
	return m.snap.Clone(), nil
}

// Save stores a copy of the snapshot.
func (m *MockStore) Save(ctx context.Context, snap *models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}
	m.snap = snap.Clone()
	m.saves++
	return nil
}

// Reset removes the snapshot.
func (m *MockStore) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snap = nil
	return nil
}

// Location identifies the mock.
func (m *MockStore) Location() string {
	return "memory"
}

// Close closes the store (no-op for mock).
func (m *MockStore) Close() error {
	return nil
}

// Helper methods for testing

// SetSnapshot stores a snapshot directly (for test setup).
func (m *MockStore) SetSnapshot(snap *models.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap.Clone()
}

// Snapshot returns the stored snapshot, or nil.
func (m *MockStore) Snapshot() *models.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap == nil {
		return nil
	}
	return m.snap.Clone()
}

// SaveCount returns how many times Save succeeded.
func (m *MockStore) SaveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// SetLoadError makes Load fail.
func (m *MockStore) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// SetSaveError makes Save fail.
func (m *MockStore) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}
