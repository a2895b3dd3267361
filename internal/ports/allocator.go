// Package ports hands out direct-connect ports from the configured range.
package ports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/csai/chall-instancer/internal/coord"
)

// ErrExhausted means every port in the range is held.
var ErrExhausted = errors.New("ports_exhausted")

const (
	defaultPool     = "ports"
	defaultClaimTTL = 10 * time.Minute
)

type Allocator struct {
	store    coord.Store
	pool     string
	claimTTL time.Duration
	now      func() time.Time
}

type Option func(*Allocator)

// WithClaimTTL bounds how long a claimed port may stay uncommitted before a
// re-init treats its claimer as gone.
func WithClaimTTL(d time.Duration) Option {
	return func(a *Allocator) {
		if d > 0 {
			a.claimTTL = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

func NewAllocator(store coord.Store, opts ...Option) *Allocator {
	a := &Allocator{store: store, pool: defaultPool, claimTTL: defaultClaimTTL, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Claim takes one arbitrary free port. The port stays claimed until Commit or
// Release, and Reinit will not offer it meanwhile.
func (a *Allocator) Claim(ctx context.Context) (int, error) {
	p, err := a.store.ClaimFromSet(ctx, a.pool)
	if err != nil {
		if errors.Is(err, coord.ErrEmpty) {
			return 0, ErrExhausted
		}
		return 0, fmt.Errorf("claim port: %w", err)
	}
	return p, nil
}

// Commit marks a claimed port as owned by a persisted instance.
func (a *Allocator) Commit(ctx context.Context, port int) error {
	if port <= 0 {
		return nil
	}
	if err := a.store.SettleClaim(ctx, a.pool, port); err != nil {
		return fmt.Errorf("commit port %d: %w", port, err)
	}
	return nil
}

// Release returns a port to the pool, dropping any claim on it.
func (a *Allocator) Release(ctx context.Context, port int) error {
	if port <= 0 {
		return nil
	}
	if err := a.store.ReturnToSet(ctx, a.pool, port); err != nil {
		return fmt.Errorf("release port %d: %w", port, err)
	}
	return nil
}

// Reinit rebuilds the free set as [low, high] minus held and minus ports
// claimed within the claim TTL. Held ports outside the new range are simply
// not returned to the pool.
func (a *Allocator) Reinit(ctx context.Context, low, high int, held []int) error {
	if low > high {
		return fmt.Errorf("invalid port range %d-%d", low, high)
	}
	busy := make(map[int]struct{}, len(held))
	for _, p := range held {
		busy[p] = struct{}{}
	}
	free := make([]int, 0, high-low+1)
	for p := low; p <= high; p++ {
		if _, ok := busy[p]; ok {
			continue
		}
		free = append(free, p)
	}
	if err := a.store.ReinitSet(ctx, a.pool, free, a.now().Add(-a.claimTTL)); err != nil {
		return fmt.Errorf("reinit port pool: %w", err)
	}
	return nil
}

func (a *Allocator) Free(ctx context.Context) (int, error) {
	return a.store.SetSize(ctx, a.pool)
}
