package ports

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csai/chall-instancer/internal/coord"
)

func TestClaimUntilExhausted(t *testing.T) {
	a := NewAllocator(coord.NewMemory())
	ctx := context.Background()
	require.NoError(t, a.Reinit(ctx, 30000, 30002, nil))

	var got []int
	for i := 0; i < 3; i++ {
		p, err := a.Claim(ctx)
		require.NoError(t, err)
		got = append(got, p)
	}
	sort.Ints(got)
	assert.Equal(t, []int{30000, 30001, 30002}, got)

	_, err := a.Claim(ctx)
	require.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, a.Release(ctx, 30001))
	p, err := a.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30001, p)
}

func TestReinitSkipsHeldPorts(t *testing.T) {
	a := NewAllocator(coord.NewMemory())
	ctx := context.Background()
	require.NoError(t, a.Reinit(ctx, 100, 104, []int{101, 103, 999}))

	free, err := a.Free(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, free)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		p, err := a.Claim(ctx)
		require.NoError(t, err)
		seen[p] = true
	}
	assert.Equal(t, map[int]bool{100: true, 102: true, 104: true}, seen)
}

func TestReinitRejectsInvertedRange(t *testing.T) {
	a := NewAllocator(coord.NewMemory())
	assert.Error(t, a.Reinit(context.Background(), 10, 9, nil))
}

func TestReleaseIgnoresZeroPort(t *testing.T) {
	a := NewAllocator(coord.NewMemory())
	ctx := context.Background()
	require.NoError(t, a.Release(ctx, 0))
	free, err := a.Free(ctx)
	require.NoError(t, err)
	assert.Zero(t, free)
}

func TestReinitSkipsUncommittedClaims(t *testing.T) {
	a := NewAllocator(coord.NewMemory())
	ctx := context.Background()
	require.NoError(t, a.Reinit(ctx, 30000, 30000, nil))

	p, err := a.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, 30000, p)

	require.NoError(t, a.Reinit(ctx, 30000, 30000, nil))
	_, err = a.Claim(ctx)
	require.ErrorIs(t, err, ErrExhausted)

	// Once committed the port is tracked by its holder instead.
	require.NoError(t, a.Commit(ctx, p))
	require.NoError(t, a.Reinit(ctx, 30000, 30000, []int{p}))
	_, err = a.Claim(ctx)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestReinitReclaimsAbandonedClaims(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	a := NewAllocator(coord.NewMemory(coord.WithClock(clock)), WithClaimTTL(time.Minute), WithClock(clock))
	ctx := context.Background()
	require.NoError(t, a.Reinit(ctx, 30000, 30000, nil))
	_, err := a.Claim(ctx)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	require.NoError(t, a.Reinit(ctx, 30000, 30000, nil))
	free, err := a.Free(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, free)
}
