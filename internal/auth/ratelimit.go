package auth

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/csai/chall-instancer/internal/config"
	"github.com/csai/chall-instancer/internal/metrics"
)

const (
	ipIdleTTL     = 10 * time.Minute
	ipSweepPeriod = time.Minute
)

type ipLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter throttles HTTP requests with one global token bucket and one
// bucket per client IP. This is request-level protection; the per-user
// lifecycle rate limit lives in the controller.
type RateLimiter struct {
	cfg       config.RateLimitConfig
	global    *rate.Limiter
	onLimited func()
	now       func() time.Time

	mu        sync.Mutex
	perIP     map[string]*ipLimiter
	lastSweep time.Time
}

func NewRateLimiter(cfg config.RateLimitConfig, reg *metrics.Registry) *RateLimiter {
	return &RateLimiter{
		cfg:    cfg,
		global: rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst),
		perIP:  map[string]*ipLimiter{},
		now:    time.Now,
		onLimited: func() {
			if reg != nil {
				reg.IncRateLimited()
			}
		},
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(parseIP(r.RemoteAddr)) {
			rl.onLimited()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"success":false,"reason":"throttled","msg":"Rate limit exceeded."}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(ip string) bool {
	now := rl.now()
	rl.mu.Lock()
	if now.Sub(rl.lastSweep) >= ipSweepPeriod {
		for k, v := range rl.perIP {
			if now.Sub(v.seen) > ipIdleTTL {
				delete(rl.perIP, k)
			}
		}
		rl.lastSweep = now
	}
	l, ok := rl.perIP[ip]
	if !ok {
		l = &ipLimiter{lim: rate.NewLimiter(rate.Limit(rl.cfg.PerIPRPS), rl.cfg.PerIPBurst)}
		rl.perIP[ip] = l
	}
	l.seen = now
	rl.mu.Unlock()

	// Per-IP first: a refused client must not spend global tokens.
	if !l.lim.AllowN(now, 1) {
		return false
	}
	return rl.global.AllowN(now, 1)
}

func (rl *RateLimiter) trackedIPs() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.perIP)
}

func parseIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}
