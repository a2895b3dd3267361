package coord

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memLock struct {
	token     string
	expiresAt time.Time
}

// Memory is an in-process Store. All methods are safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	locks  map[string]memLock
	sets   map[string]map[int]struct{}
	claims map[string]map[int]time.Time
	now    func() time.Time
}

type MemoryOption func(*Memory)

// WithClock overrides the time source used for lock expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		locks:  map[string]memLock{},
		sets:   map[string]map[int]struct{}{},
		claims: map[string]map[int]time.Time{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) TryLock(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.locks[key]; ok && l.expiresAt.After(now) {
		return "", ErrBusy
	}
	token := uuid.NewString()
	m.locks[key] = memLock{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

func (m *Memory) Unlock(_ context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok || l.token != token {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

func (m *Memory) ClaimFromSet(_ context.Context, pool string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for v := range m.sets[pool] {
		delete(m.sets[pool], v)
		claimed, ok := m.claims[pool]
		if !ok {
			claimed = map[int]time.Time{}
			m.claims[pool] = claimed
		}
		claimed[v] = m.now()
		return v, nil
	}
	return 0, ErrEmpty
}

func (m *Memory) SettleClaim(_ context.Context, pool string, v int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims[pool], v)
	return nil
}

func (m *Memory) ReturnToSet(_ context.Context, pool string, v int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims[pool], v)
	set, ok := m.sets[pool]
	if !ok {
		set = map[int]struct{}{}
		m.sets[pool] = set
	}
	set[v] = struct{}{}
	return nil
}

func (m *Memory) ReinitSet(_ context.Context, pool string, values []int, staleBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	claimed := m.claims[pool]
	for v, at := range claimed {
		if !at.After(staleBefore) {
			delete(claimed, v)
		}
	}
	set := make(map[int]struct{}, len(values))
	for _, v := range values {
		if _, held := claimed[v]; held {
			continue
		}
		set[v] = struct{}{}
	}
	m.sets[pool] = set
	return nil
}

func (m *Memory) SetSize(_ context.Context, pool string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sets[pool]), nil
}
