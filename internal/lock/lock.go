// Package lock provides the short-lived distributed mutex that keeps two
// processes from checkpointing the same document at once.
//
// Locks expire on their own after the ttl passed to Acquire, so a holder
// that crashes mid-write blocks other writers for at most one ttl.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusy is returned by Acquire when another holder owns the key.
var ErrBusy = errors.New("lock: busy")

// Token proves ownership of an acquired lock.
type Token string

// Locker is the lock service.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error)
	Release(ctx context.Context, key string, token Token) error
}

// CheckpointKey is the lock key guarding checkpoints of one document.
func CheckpointKey(doc string) string {
	return "collabtext:lock:checkpoint:" + doc
}

func newToken() Token {
	return Token(uuid.NewString())
}

type held struct {
	token  Token
	expiry time.Time
}

// MemoryLocker is an in-process Locker. One instance shared between several
// registries simulates a lock service used by several processes.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]held
	now   func() time.Time
}

// NewMemoryLocker returns a MemoryLocker using the wall clock.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]held), now: time.Now}
}

// SetClock replaces the clock used for expiry.
func (m *MemoryLocker) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if h, ok := m.locks[key]; ok && now.Before(h.expiry) {
		return "", ErrBusy
	}
	t := newToken()
	m.locks[key] = held{token: t, expiry: now.Add(ttl)}
	return t, nil
}

func (m *MemoryLocker) Release(ctx context.Context, key string, token Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.locks[key]; ok && h.token == token {
		delete(m.locks, key)
	}
	return nil
}
