package auth

import (
	"sync"
	"time"
)

const maxNonces = 100_000

// NonceCache remembers signed-request nonces until the request could no
// longer pass the timestamp skew check. Expired entries are dropped lazily,
// at most once per TTL.
type NonceCache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	now       func() time.Time
	lastPrune time.Time
}

func NewNonceCache(ttl time.Duration, now func() time.Time) *NonceCache {
	if ttl <= 0 {
		ttl = 6 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &NonceCache{seen: make(map[string]time.Time), ttl: ttl, now: now}
}

// MarkIfNew records nonce and reports whether it was unseen. A full cache
// refuses new nonces rather than forgetting live ones.
func (c *NonceCache) MarkIfNew(nonce string, expiresAt time.Time) bool {
	if nonce == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastPrune) >= c.ttl || len(c.seen) >= maxNonces {
		c.pruneLocked(now)
	}
	if exp, ok := c.seen[nonce]; ok && exp.After(now) {
		return false
	}
	if len(c.seen) >= maxNonces {
		return false
	}
	if expiresAt.IsZero() {
		expiresAt = now.Add(c.ttl)
	}
	c.seen[nonce] = expiresAt
	return true
}

func (c *NonceCache) pruneLocked(now time.Time) {
	for n, exp := range c.seen {
		if !exp.After(now) {
			delete(c.seen, n)
		}
	}
	c.lastPrune = now
}

func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
