package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csai/chall-instancer/internal/coord"
)

func TestAcquireIsNonBlockingPerUser(t *testing.T) {
	m := NewManager(coord.NewMemory(), time.Minute)
	ctx := context.Background()

	tok, err := m.Acquire(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "lock:user:42", tok.Key)

	_, err = m.Acquire(ctx, "42")
	require.ErrorIs(t, err, ErrBusy)

	other, err := m.Acquire(ctx, "43")
	require.NoError(t, err)

	ok, err := m.Release(ctx, tok)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.Release(ctx, other)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.Acquire(ctx, "42")
	require.NoError(t, err)
}

func TestReleaseIgnoresStaleToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := coord.NewMemory(coord.WithClock(func() time.Time { return now }))
	m := NewManager(store, 5*time.Second)
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "7")
	require.NoError(t, err)
	now = now.Add(6 * time.Second)
	fresh, err := m.Acquire(ctx, "7")
	require.NoError(t, err)

	ok, err := m.Release(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Acquire(ctx, "7")
	assert.ErrorIs(t, err, ErrBusy, "fresh holder still owns the lock")

	ok, err = m.Release(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m := NewManager(coord.NewMemory(), time.Minute)
	var (
		wins atomic.Int32
		busy atomic.Int32
		wg   sync.WaitGroup
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Acquire(context.Background(), "same")
			if err == nil {
				wins.Add(1)
				return
			}
			if assert.ErrorIs(t, err, ErrBusy) {
				busy.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(31), busy.Load())
}
