package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/csai/chall-instancer/internal/config"
)

const (
	headerTimestamp = "X-Instancer-Timestamp"
	headerNonce     = "X-Instancer-Nonce"
	headerSignature = "X-Instancer-Signature"
)

var (
	errMissingHeaders = errors.New("missing_hmac_headers")
	errBadTimestamp   = errors.New("invalid_timestamp")
	errSkew           = errors.New("timestamp_skew")
	errReplay         = errors.New("nonce_replay")
)

// Guard authenticates the platform frontend calling the instancer. Service
// routes accept the configured bearer token and/or an HMAC signature; admin
// routes additionally need the admin token.
type Guard struct {
	cfg   config.AuthConfig
	nonce *NonceCache
	now   func() time.Time
}

func NewGuard(cfg config.AuthConfig) *Guard {
	ttl := cfg.NonceTTLSeconds
	if ttl <= 0 {
		ttl = 360
	}
	if cfg.HMACSkewSeconds <= 0 {
		cfg.HMACSkewSeconds = 300
	}
	g := &Guard{cfg: cfg, now: time.Now}
	g.nonce = NewNonceCache(time.Duration(ttl)*time.Second, g.clock)
	return g
}

func (g *Guard) clock() time.Time { return g.now().UTC() }

// Service wraps next with frontend authentication.
func (g *Guard) Service(next http.Handler) http.Handler {
	mode := strings.ToLower(g.cfg.Mode)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearerOK := g.cfg.BearerToken != "" && validateBearer(r, g.cfg.BearerToken)
		hmacOK := false
		if g.cfg.HMACSecret != "" && (mode == "hmac" || (mode != "bearer" && !bearerOK)) {
			hmacOK = g.validateHMAC(r) == nil
		}

		var allowed bool
		switch mode {
		case "bearer":
			allowed = bearerOK
		case "hmac":
			allowed = hmacOK
		default:
			allowed = bearerOK || hmacOK
		}
		if !allowed {
			unauthorized(w, "Invalid API authentication.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Admin wraps next with the admin token check. Admin routes are closed when
// no admin token is configured.
func (g *Guard) Admin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.AdminToken == "" || !validateAdmin(r, g.cfg.AdminToken) {
			unauthorized(w, "Admin authentication required.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"success":false,"reason":"unauthorized","msg":"` + msg + `"}`))
}

func validateBearer(r *http.Request, token string) bool {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	provided := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	return hmac.Equal([]byte(provided), []byte(token))
}

// validateAdmin reads X-Admin-Token so the frontend can send its service
// credentials and the admin token on the same request.
func validateAdmin(r *http.Request, token string) bool {
	provided := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	if provided == "" {
		return false
	}
	return hmac.Equal([]byte(provided), []byte(token))
}

// validateHMAC checks the signature over
// method \n path \n timestamp \n nonce \n sha256(body).
func (g *Guard) validateHMAC(r *http.Request) error {
	tsRaw := r.Header.Get(headerTimestamp)
	nonce := r.Header.Get(headerNonce)
	sigRaw := r.Header.Get(headerSignature)
	if tsRaw == "" || nonce == "" || sigRaw == "" {
		return errMissingHeaders
	}
	tsUnix, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return errBadTimestamp
	}
	now := g.clock()
	skew := time.Duration(g.cfg.HMACSkewSeconds) * time.Second
	if delta := now.Sub(time.Unix(tsUnix, 0)); delta > skew || delta < -skew {
		return errSkew
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	expected := Sign(g.cfg.HMACSecret, r.Method, r.URL.Path, tsRaw, nonce, body)
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(sigRaw))) {
		return errors.New("bad_signature")
	}
	if !g.nonce.MarkIfNew(nonce, now.Add(skew+time.Minute)) {
		return errReplay
	}
	return nil
}

// Sign computes the request signature a client must send in
// X-Instancer-Signature.
func Sign(secret, method, path, timestamp, nonce string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	canonical := method + "\n" + path + "\n" + timestamp + "\n" + nonce + "\n" + hex.EncodeToString(bodyHash[:])
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}
