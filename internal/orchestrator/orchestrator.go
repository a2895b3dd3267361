// Package orchestrator is the lifecycle controller: it admits, creates,
// renews, destroys and reaps per-user challenge instances while keeping the
// registry, the port pool, the container runtime and the proxy consistent.
package orchestrator

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/csai/chall-instancer/internal/config"
	"github.com/csai/chall-instancer/internal/lock"
	"github.com/csai/chall-instancer/internal/metrics"
	"github.com/csai/chall-instancer/internal/ports"
	"github.com/csai/chall-instancer/internal/proxy"
	"github.com/csai/chall-instancer/internal/runtime"
	"github.com/csai/chall-instancer/internal/settings"
	"github.com/csai/chall-instancer/internal/state"
)

const cleanupTimeout = 30 * time.Second

// Store is the persistence the engine needs. *state.Store implements it.
type Store interface {
	Insert(ctx context.Context, inst state.Instance) (state.Instance, error)
	Update(ctx context.Context, inst state.Instance) error
	Delete(ctx context.Context, userID string) (int64, error)
	Get(ctx context.Context, userID string) (state.Instance, bool, error)
	Count(ctx context.Context, status state.Status) (int, error)
	List(ctx context.Context, status state.Status, offset, limit int) ([]state.Instance, error)
	ListActive(ctx context.Context) ([]state.Instance, error)
	ActivePorts(ctx context.Context) ([]int, error)
	ListExpired(ctx context.Context, startedBefore time.Time) ([]state.Instance, error)
	PruneDestroyed(ctx context.Context, before time.Time) (int64, error)

	GetAll(ctx context.Context) (map[string]string, int64, error)
	SaveAll(ctx context.Context, values map[string]string) (int64, error)

	UpsertChallenge(ctx context.Context, c state.Challenge) error
	GetChallenge(ctx context.Context, id string) (state.Challenge, bool, error)
	ListChallenges(ctx context.Context) ([]state.Challenge, error)
	DeleteChallenge(ctx context.Context, id string) (bool, error)

	LastActivity(ctx context.Context, userID string) (time.Time, bool, error)
	RecordActivity(ctx context.Context, userID string, at time.Time) error

	Ping(ctx context.Context) error
}

type Deps struct {
	Store   Store
	Locks   *lock.Manager
	Ports   *ports.Allocator
	Runtime runtime.Runtime
	Proxy   proxy.Registrar
	Metrics *metrics.Registry
	Logger  *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

type Engine struct {
	cfg     config.LifecycleConfig
	docker  config.DockerConfig
	store   Store
	locks   *lock.Manager
	ports   *ports.Allocator
	rt      runtime.Runtime
	proxy   proxy.Registrar
	metrics *metrics.Registry
	log     *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
	flagKey []byte
}

func New(cfg config.Config, d Deps) (*Engine, error) {
	if d.Store == nil || d.Locks == nil || d.Ports == nil || d.Runtime == nil || d.Proxy == nil {
		return nil, errors.New("orchestrator: store, locks, ports, runtime and proxy are required")
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	key := []byte(cfg.Lifecycle.FlagSecret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate flag key: %w", err)
		}
		d.Logger.Warn("flag_secret_unset", slog.String("detail", "flags will not be reproducible across restarts"))
	}
	return &Engine{
		cfg:     cfg.Lifecycle,
		docker:  cfg.Docker,
		store:   d.Store,
		locks:   d.Locks,
		ports:   d.Ports,
		rt:      d.Runtime,
		proxy:   d.Proxy,
		metrics: d.Metrics,
		log:     d.Logger,
		tracer:  otel.Tracer("github.com/csai/chall-instancer/internal/orchestrator"),
		now:     func() time.Time { return d.Clock().UTC() },
		flagKey: key,
	}, nil
}

// locked runs fn while holding the user's lock, under the operation
// timeout. The lock is released on every exit.
func (e *Engine) locked(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	tok, err := e.locks.Acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer func() {
		rctx, cancel := e.cleanupContext(ctx)
		defer cancel()
		released, rerr := e.locks.Release(rctx, tok)
		switch {
		case rerr != nil:
			e.log.Error("lock_release_failed", slog.String("user_id", userID), slog.String("error", rerr.Error()))
		case !released:
			e.log.Warn("lock_expired_before_release", slog.String("user_id", userID))
		}
	}()
	opCtx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout())
	defer cancel()
	return fn(opCtx)
}

// cleanupContext outlives the caller's cancellation so rollback still runs
// after an operation timed out.
func (e *Engine) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

func (e *Engine) snapshot(ctx context.Context) (settings.Snapshot, error) {
	raw, version, err := e.store.GetAll(ctx)
	if err != nil {
		return settings.Snapshot{}, fmt.Errorf("load settings: %w", err)
	}
	snap, err := settings.Parse(raw, version)
	if err != nil {
		return settings.Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return snap, nil
}

func (e *Engine) startSpan(ctx context.Context, name, userID, challengeID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("user_id", userID)}
	if challengeID != "" {
		attrs = append(attrs, attribute.String("challenge_id", challengeID))
	}
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// finish ends span and counts policy rejections.
func (e *Engine) finish(span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	reason := Reason(err)
	if reason == "" || reason == "runtime_failure" {
		e.log.Error("instance_"+op+"_failed", slog.String("error", err.Error()))
		return
	}
	e.metrics.IncRejection(reason)
}

func (e *Engine) flag(snap settings.Snapshot, instanceUUID string) string {
	mac := hmac.New(sha256.New, e.flagKey)
	_, _ = mac.Write([]byte(instanceUUID))
	return snap.FlagPrefix + hex.EncodeToString(mac.Sum(nil))[:32] + snap.FlagSuffix
}

func (e *Engine) releasePort(ctx context.Context, snap settings.Snapshot, port int) {
	if port <= 0 {
		return
	}
	// A port left outside a shrunk range must not re-enter the pool.
	if !inRange(snap, port) {
		if err := e.ports.Commit(ctx, port); err != nil {
			e.log.Warn("port_claim_drop_failed", slog.Int("port", port), slog.String("error", err.Error()))
		}
		return
	}
	if err := e.ports.Release(ctx, port); err != nil {
		e.log.Error("port_release_failed", slog.Int("port", port), slog.String("error", err.Error()))
	}
}

func inRange(snap settings.Snapshot, port int) bool {
	return port >= snap.PortMin && port <= snap.PortMax
}

func (e *Engine) refreshGauges(ctx context.Context) {
	if n, err := e.store.Count(ctx, state.StatusActive); err == nil {
		e.metrics.SetActiveInstances(n)
	}
	if n, err := e.ports.Free(ctx); err == nil {
		e.metrics.SetFreePorts(n)
	}
}

// Health reports the active instance count and whether the runtime answers.
func (e *Engine) Health(ctx context.Context) (int, error) {
	n, err := e.store.Count(ctx, state.StatusActive)
	if err != nil {
		return 0, err
	}
	return n, e.rt.Ping(ctx)
}

func (e *Engine) Ready(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := e.rt.Ping(ctx); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	return nil
}
