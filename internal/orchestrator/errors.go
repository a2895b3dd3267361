package orchestrator

import (
	"errors"

	"github.com/csai/chall-instancer/internal/lock"
)

// Policy outcomes are returned bare and leave no side effects. ErrRuntime is
// always wrapped together with its cause.
var (
	ErrBusy              = lock.ErrBusy
	ErrRateLimited       = errors.New("rate_limited")
	ErrCapacity          = errors.New("capacity_exceeded")
	ErrChallengeMismatch = errors.New("challenge_mismatch")
	ErrAlreadyRunning    = errors.New("already_running")
	ErrRenewalExceeded   = errors.New("renewal_exceeded")
	ErrNotFound          = errors.New("not_found")
	ErrPortExhausted     = errors.New("port_exhausted")
	ErrRuntime           = errors.New("runtime_failure")
	ErrInvalidSettings   = errors.New("invalid_settings")
	ErrInvalidChallenge  = errors.New("invalid_challenge")
)

// Reason returns the API reason code for err, or "" when err is not a
// lifecycle error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrCapacity):
		return "capacity_exceeded"
	case errors.Is(err, ErrChallengeMismatch):
		return "challenge_mismatch"
	case errors.Is(err, ErrAlreadyRunning):
		return "already_running"
	case errors.Is(err, ErrRenewalExceeded):
		return "renewal_exceeded"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPortExhausted):
		return "port_exhausted"
	case errors.Is(err, ErrRuntime):
		return "runtime_failure"
	case errors.Is(err, ErrInvalidSettings):
		return "invalid_settings"
	case errors.Is(err, ErrInvalidChallenge):
		return "invalid_challenge"
	}
	return ""
}
