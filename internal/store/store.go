// Package store implements the persistence collaborator that checkpoints
// merged document state and loads it back when a session starts.
//
// Stores treat every call as a fallible remote operation and never retry;
// the checkpoint scheduler tries again on its next tick.
package store

import (
	"context"
	"errors"
	"sync"

	"collabtext/internal/codec"
)

var (
	// ErrNotFound is returned by Load when no state was ever saved.
	ErrNotFound = errors.New("store: document not found")

	// ErrPersistenceUnavailable wraps every backend failure.
	ErrPersistenceUnavailable = errors.New("store: persistence unavailable")
)

// Store loads and saves merged document state.
type Store interface {
	Load(ctx context.Context, doc codec.DocumentID) ([]byte, error)
	Save(ctx context.Context, doc codec.DocumentID, state []byte) error
	Close() error
}

// MemoryStore keeps state in a map. It is used by tests and by single
// process deployments that do not need durability.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[codec.DocumentID][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[codec.DocumentID][]byte)}
}

func (m *MemoryStore) Load(ctx context.Context, doc codec.DocumentID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.docs[doc]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Save(ctx context.Context, doc codec.DocumentID, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc] = append([]byte(nil), state...)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
