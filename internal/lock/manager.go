// Package lock serializes operations per user on top of a coordination store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/csai/chall-instancer/internal/coord"
)

// ErrBusy means another operation for the same user holds the lock.
var ErrBusy = coord.ErrBusy

// Token proves ownership of an acquired lock.
type Token struct {
	Key   string
	Value string
}

type Manager struct {
	store  coord.Store
	ttl    time.Duration
	prefix string
}

func NewManager(store coord.Store, ttl time.Duration) *Manager {
	return &Manager{store: store, ttl: ttl, prefix: "lock:user:"}
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire fails immediately with ErrBusy when the user is already locked.
func (m *Manager) Acquire(ctx context.Context, userID string) (Token, error) {
	key := m.prefix + userID
	v, err := m.store.TryLock(ctx, key, m.ttl)
	if err != nil {
		if errors.Is(err, coord.ErrBusy) {
			return Token{}, ErrBusy
		}
		return Token{}, fmt.Errorf("acquire %s: %w", key, err)
	}
	return Token{Key: key, Value: v}, nil
}

// Release reports false when the lock expired and was taken by someone else.
func (m *Manager) Release(ctx context.Context, tok Token) (bool, error) {
	if tok.Key == "" {
		return false, nil
	}
	ok, err := m.store.Unlock(ctx, tok.Key, tok.Value)
	if err != nil {
		return false, fmt.Errorf("release %s: %w", tok.Key, err)
	}
	return ok, nil
}
