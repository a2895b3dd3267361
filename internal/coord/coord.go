// Package coord defines the atomic primitives the lifecycle controller relies
// on: expiring mutual-exclusion locks and claim/release over a finite set.
//
// Two backends exist. [Memory] serves a single process and tests; the SQLite
// store in internal/state serves every process sharing one database file.
package coord

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBusy is returned by TryLock when a live lock already holds the key.
	ErrBusy = errors.New("lock_busy")

	// ErrEmpty is returned by ClaimFromSet when the set has no members.
	ErrEmpty = errors.New("set_empty")
)

// Store is implemented by every coordination backend.
type Store interface {
	// TryLock creates the lock if absent or expired and returns its token.
	// It never waits.
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Unlock removes the lock only if token still owns it. It reports whether
	// a lock was removed.
	Unlock(ctx context.Context, key, token string) (bool, error)

	// ClaimFromSet atomically moves an arbitrary member into the pool's
	// claimed set and returns it. The claim lasts until SettleClaim or
	// ReturnToSet, so ReinitSet cannot hand the value out again meanwhile.
	ClaimFromSet(ctx context.Context, pool string) (int, error)
	// SettleClaim forgets the claim on v once its holder is recorded elsewhere.
	SettleClaim(ctx context.Context, pool string, v int) error
	// ReturnToSet drops any claim on v and makes it a member again.
	ReturnToSet(ctx context.Context, pool string, v int) error
	// ReinitSet replaces the members of pool with values minus live claims.
	// Claims made at or before staleBefore are discarded first.
	ReinitSet(ctx context.Context, pool string, values []int, staleBefore time.Time) error
	SetSize(ctx context.Context, pool string) (int, error)
}
