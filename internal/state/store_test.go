package state

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csai/chall-instancer/internal/coord"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "instancer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleInstance(user string, port int, start time.Time) Instance {
	return Instance{
		UUID:          fmt.Sprintf("uuid-%s-%d", user, start.UnixNano()),
		UserID:        user,
		ChallengeID:   "web1",
		Port:          port,
		Flag:          "flag{x}",
		ContainerID:   "c-" + user,
		ContainerName: "inst-" + user,
		StartTime:     start,
		Status:        StatusActive,
	}
}

func TestInsertEnforcesOneActivePerUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()

	inst, err := s.Insert(ctx, sampleInstance("u1", 0, now))
	require.NoError(t, err)
	assert.NotZero(t, inst.ID)

	_, err = s.Insert(ctx, sampleInstance("u1", 0, now.Add(time.Second)))
	require.ErrorIs(t, err, ErrConflict)

	got, ok, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, inst.UUID, got.UUID)
	assert.True(t, got.StartTime.Equal(now))
	assert.Nil(t, got.DestroyedAt)
}

func TestInsertEnforcesActivePortUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.Insert(ctx, sampleInstance("u1", 10001, now))
	require.NoError(t, err)
	_, err = s.Insert(ctx, sampleInstance("u2", 10001, now))
	require.ErrorIs(t, err, ErrConflict)

	_, err = s.Insert(ctx, sampleInstance("u3", 0, now))
	require.NoError(t, err)
	_, err = s.Insert(ctx, sampleInstance("u4", 0, now))
	require.NoError(t, err)
}

func TestUpdateMarksDestroyedAndFreesUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inst, err := s.Insert(ctx, sampleInstance("u1", 10001, now))
	require.NoError(t, err)

	destroyed := now.Add(time.Minute)
	inst.Status = StatusDestroyed
	inst.DestroyedAt = &destroyed
	require.NoError(t, s.Update(ctx, inst))

	_, ok, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Insert(ctx, sampleInstance("u1", 10001, now.Add(2*time.Minute)))
	require.NoError(t, err)

	n, err := s.Count(ctx, StatusDestroyed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpdateMissingRecord(t *testing.T) {
	s := openTestStore(t)
	err := s.Update(context.Background(), Instance{ID: 42, Status: StatusActive})
	assert.Error(t, err)
}

func TestListPaginatesOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()
	for i := 0; i < 5; i++ {
		_, err := s.Insert(ctx, sampleInstance(fmt.Sprintf("u%d", i), 0, base.Add(time.Duration(5-i)*time.Second)))
		require.NoError(t, err)
	}

	page, err := s.List(ctx, StatusActive, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "u4", page[0].UserID)
	assert.Equal(t, "u3", page[1].UserID)

	page, err = s.List(ctx, StatusActive, 4, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "u0", page[0].UserID)

	page, err = s.List(ctx, StatusActive, 10, 2)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestListExpiredAndActivePorts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()
	_, err := s.Insert(ctx, sampleInstance("old", 10001, base))
	require.NoError(t, err)
	_, err = s.Insert(ctx, sampleInstance("new", 10002, base.Add(time.Hour)))
	require.NoError(t, err)
	_, err = s.Insert(ctx, sampleInstance("web", 0, base))
	require.NoError(t, err)

	expired, err := s.ListExpired(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	users := []string{}
	for _, inst := range expired {
		users = append(users, inst.UserID)
	}
	sort.Strings(users)
	assert.Equal(t, []string{"old", "web"}, users)

	ports, err := s.ActivePorts(ctx)
	require.NoError(t, err)
	sort.Ints(ports)
	assert.Equal(t, []int{10001, 10002}, ports)
}

func TestPruneAndDeleteHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()

	for i, user := range []string{"a", "b"} {
		inst, err := s.Insert(ctx, sampleInstance(user, 0, base))
		require.NoError(t, err)
		at := base.Add(time.Duration(i+1) * time.Hour)
		inst.Status = StatusDestroyed
		inst.DestroyedAt = &at
		require.NoError(t, s.Update(ctx, inst))
	}
	_, err := s.Insert(ctx, sampleInstance("a", 0, base.Add(3*time.Hour)))
	require.NoError(t, err)

	pruned, err := s.PruneDestroyed(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	deleted, err := s.Delete(ctx, "b")
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok, "active record survives history cleanup")
}

func TestSettingsVersioning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	values, version, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, values)
	assert.Zero(t, version)

	v1, err := s.SaveAll(ctx, map[string]string{"docker_timeout": "600", "http_port": "8080"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, v1)

	v2, err := s.SaveAll(ctx, map[string]string{"docker_timeout": "900"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, v2)

	values, version, err = s.GetAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, version)
	assert.Equal(t, map[string]string{"docker_timeout": "900", "http_port": "8080"}, values)
}

func TestChallengeCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := Challenge{
		ID: "web1", Name: "Web One", Type: ChallengeTypeDynamic, Image: "ctf/web1:latest",
		RedirectType: RedirectHTTP, RedirectPort: 80, MemoryLimit: "128m", CPULimit: 0.5,
		Env: map[string]string{"MODE": "hard"},
	}
	require.NoError(t, s.UpsertChallenge(ctx, c))

	got, ok, err := s.GetChallenge(ctx, "web1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c, got)

	c.Image = "ctf/web1:v2"
	c.Env = nil
	require.NoError(t, s.UpsertChallenge(ctx, c))
	list, err := s.ListChallenges(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ctf/web1:v2", list[0].Image)
	assert.Empty(t, list[0].Env)

	removed, err := s.DeleteChallenge(ctx, "web1")
	require.NoError(t, err)
	assert.True(t, removed)
	_, ok, err = s.GetChallenge(ctx, "web1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActivity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LastActivity(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Unix(1_700_000_123, 0).UTC()
	require.NoError(t, s.RecordActivity(ctx, "u1", at))
	require.NoError(t, s.RecordActivity(ctx, "u1", at.Add(time.Minute)))
	got, ok, err := s.LastActivity(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(at.Add(time.Minute)))
}

func TestLockTakeoverAfterExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	s.now = func() time.Time { return now }

	first, err := s.TryLock(ctx, "lock:user:u1", time.Minute)
	require.NoError(t, err)
	_, err = s.TryLock(ctx, "lock:user:u1", time.Minute)
	require.ErrorIs(t, err, coord.ErrBusy)

	now = now.Add(2 * time.Minute)
	second, err := s.TryLock(ctx, "lock:user:u1", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	released, err := s.Unlock(ctx, "lock:user:u1", first)
	require.NoError(t, err)
	assert.False(t, released, "stale holder must not release the new lock")

	released, err = s.Unlock(ctx, "lock:user:u1", second)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestConcurrentLockHasOneWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.TryLock(ctx, "lock:user:u1", time.Minute); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPoolClaimIsDistinct(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.ReinitSet(ctx, "ports", []int{1, 2, 3, 4, 5, 6, 7, 8}, time.Time{}))

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.ClaimFromSet(ctx, "ports")
			if err != nil {
				return
			}
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Ints(got)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, got)

	_, err := s.ClaimFromSet(ctx, "ports")
	require.ErrorIs(t, err, coord.ErrEmpty)

	require.NoError(t, s.ReturnToSet(ctx, "ports", 3))
	require.NoError(t, s.ReturnToSet(ctx, "ports", 3))
	n, err := s.SetSize(ctx, "ports")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPoolReinitHonoursLiveClaims(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	require.NoError(t, s.ReinitSet(ctx, "ports", []int{30000}, time.Time{}))

	v, err := s.ClaimFromSet(ctx, "ports")
	require.NoError(t, err)
	require.Equal(t, 30000, v)

	require.NoError(t, s.ReinitSet(ctx, "ports", []int{30000}, now.Add(-10*time.Minute)))
	_, err = s.ClaimFromSet(ctx, "ports")
	require.ErrorIs(t, err, coord.ErrEmpty, "in-flight claim must not be handed out twice")

	require.NoError(t, s.SettleClaim(ctx, "ports", 30000))
	require.NoError(t, s.ReturnToSet(ctx, "ports", 30000))
	got, err := s.ClaimFromSet(ctx, "ports")
	require.NoError(t, err)
	assert.Equal(t, 30000, got)

	// A claim older than the horizon belongs to a crashed create.
	require.NoError(t, s.ReinitSet(ctx, "ports", []int{30000}, now.Add(time.Minute)))
	n, err := s.SetSize(ctx, "ports")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
