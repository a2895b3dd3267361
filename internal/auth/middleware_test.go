package auth

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/csai/chall-instancer/internal/config"
	"github.com/csai/chall-instancer/internal/metrics"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func signedRequest(secret, nonce string, ts time.Time, body string) *http.Request {
	stamp := strconv.FormatInt(ts.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/v1/container?challenge_id=web", strings.NewReader(body))
	req.Header.Set(headerTimestamp, stamp)
	req.Header.Set(headerNonce, nonce)
	req.Header.Set(headerSignature, Sign(secret, http.MethodPost, "/v1/container", stamp, nonce, []byte(body)))
	return req
}

func serve(h http.Handler, req *http.Request) int {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr.Code
}

func TestHMACValidSignature(t *testing.T) {
	g := NewGuard(config.AuthConfig{Mode: "hmac", HMACSecret: "hmac-secret", HMACSkewSeconds: 300})
	if code := serve(g.Service(okHandler), signedRequest("hmac-secret", "n1", time.Now(), `{}`)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestHMACBadSignature(t *testing.T) {
	g := NewGuard(config.AuthConfig{Mode: "hmac", HMACSecret: "hmac-secret", HMACSkewSeconds: 300})
	req := signedRequest("other-secret", "n1", time.Now(), `{}`)
	if code := serve(g.Service(okHandler), req); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestHMACOldTimestamp(t *testing.T) {
	g := NewGuard(config.AuthConfig{Mode: "hmac", HMACSecret: "hmac-secret", HMACSkewSeconds: 300})
	req := signedRequest("hmac-secret", "n-old", time.Now().Add(-10*time.Minute), `{}`)
	if code := serve(g.Service(okHandler), req); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestHMACNonceReplayRejected(t *testing.T) {
	g := NewGuard(config.AuthConfig{Mode: "hmac", HMACSecret: "hmac-secret", HMACSkewSeconds: 300})
	h := g.Service(okHandler)
	ts := time.Now()
	if code := serve(h, signedRequest("hmac-secret", "n-replay", ts, `{}`)); code != http.StatusOK {
		t.Fatalf("expected first request 200, got %d", code)
	}
	if code := serve(h, signedRequest("hmac-secret", "n-replay", ts, `{}`)); code != http.StatusUnauthorized {
		t.Fatalf("expected replay 401, got %d", code)
	}
}

func TestBearerModes(t *testing.T) {
	cases := []struct {
		name   string
		cfg    config.AuthConfig
		header string
		want   int
	}{
		{"bearer ok", config.AuthConfig{Mode: "bearer", BearerToken: "tok"}, "Bearer tok", http.StatusOK},
		{"bearer wrong", config.AuthConfig{Mode: "bearer", BearerToken: "tok"}, "Bearer nope", http.StatusUnauthorized},
		{"bearer missing", config.AuthConfig{Mode: "bearer", BearerToken: "tok"}, "", http.StatusUnauthorized},
		{"either with bearer", config.AuthConfig{Mode: "either", BearerToken: "tok", HMACSecret: "s"}, "Bearer tok", http.StatusOK},
		{"hmac ignores bearer", config.AuthConfig{Mode: "hmac", BearerToken: "tok", HMACSecret: "s"}, "Bearer tok", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGuard(tc.cfg)
			req := httptest.NewRequest(http.MethodGet, "/v1/container", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if code := serve(g.Service(okHandler), req); code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, code)
			}
		})
	}
}

func TestAdminToken(t *testing.T) {
	g := NewGuard(config.AuthConfig{Mode: "bearer", BearerToken: "tok", AdminToken: "root"})
	h := g.Admin(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/settings", nil)
	if code := serve(h, req); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	req.Header.Set("X-Admin-Token", "root")
	if code := serve(h, req); code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", code)
	}

	closed := NewGuard(config.AuthConfig{Mode: "bearer", BearerToken: "tok"}).Admin(okHandler)
	req = httptest.NewRequest(http.MethodGet, "/v1/admin/settings", nil)
	req.Header.Set("X-Admin-Token", "")
	if code := serve(closed, req); code != http.StatusUnauthorized {
		t.Fatalf("expected admin routes closed without a configured token, got %d", code)
	}
}

func TestNonceCacheExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewNonceCache(time.Minute, func() time.Time { return now })
	if !c.MarkIfNew("a", time.Time{}) {
		t.Fatal("first mark should succeed")
	}
	if c.MarkIfNew("a", time.Time{}) {
		t.Fatal("second mark should fail")
	}
	now = now.Add(2 * time.Minute)
	if !c.MarkIfNew("a", time.Time{}) {
		t.Fatal("mark after expiry should succeed")
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 nonce, got %d", c.Len())
	}
}

func TestRateLimiterPerIPAndGlobal(t *testing.T) {
	reg := metrics.New()
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, GlobalRPS: 1, GlobalBurst: 3, PerIPRPS: 1, PerIPBurst: 2}, reg)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	h := rl.Middleware(okHandler)

	from := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/container", nil)
		req.RemoteAddr = addr
		return serve(h, req)
	}
	for i := 0; i < 2; i++ {
		if code := from("10.0.0.1:1234"); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	if code := from("10.0.0.1:5555"); code != http.StatusTooManyRequests {
		t.Fatalf("per-ip burst exhausted: expected 429, got %d", code)
	}
	if code := from("10.0.0.2:1"); code != http.StatusOK {
		t.Fatalf("other ip: expected 200, got %d", code)
	}
	if code := from("10.0.0.3:1"); code != http.StatusTooManyRequests {
		t.Fatalf("global burst exhausted: expected 429, got %d", code)
	}
	if !strings.Contains(reg.RenderPrometheus(), "instancer_rate_limited_total 2") {
		t.Fatalf("throttled counter not rendered:\n%s", reg.RenderPrometheus())
	}

	now = now.Add(20 * time.Minute)
	if code := from("10.0.0.1:1"); code != http.StatusOK {
		t.Fatalf("after refill: expected 200, got %d", code)
	}
	if n := rl.trackedIPs(); n != 1 {
		t.Fatalf("idle ips should be dropped, tracked %d", n)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: false}, nil)
	h := rl.Middleware(okHandler)
	for i := 0; i < 10; i++ {
		if code := serve(h, httptest.NewRequest(http.MethodGet, "/", nil)); code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
	}
}
