package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/csai/chall-instancer/internal/config"
	"github.com/csai/chall-instancer/internal/ports"
	"github.com/csai/chall-instancer/internal/proxy"
	"github.com/csai/chall-instancer/internal/runtime"
	"github.com/csai/chall-instancer/internal/settings"
	"github.com/csai/chall-instancer/internal/state"
)

// View is what a user sees of their running instance.
type View struct {
	Instance  state.Instance
	Type      string
	Domain    string
	IP        string
	Port      int
	Remaining time.Duration
	LanDomain string
}

const (
	ViewTypeHTTP   = "http"
	ViewTypeDirect = "redirect"
)

// Create starts an instance of challengeID for userID.
//
// Checks run in this order and the first failure wins: challenge validity,
// per-user rate limit, existing-instance policy, global capacity. None of
// them has side effects. The capacity check reads the active count without a
// global lock, so it is soft under heavy concurrency.
//
// When replacing, the new instance is fully started before the old one is
// torn down, so a failure leaves the old instance running. The one exception
// is a direct challenge whose only obtainable port is the old instance's.
func (e *Engine) Create(ctx context.Context, userID, challengeID string) (inst state.Instance, err error) {
	ctx, span := e.startSpan(ctx, "instance.create", userID, challengeID)
	defer func() { e.finish(span, "create", err) }()

	err = e.locked(ctx, userID, func(ctx context.Context) error {
		var cerr error
		inst, cerr = e.create(ctx, userID, challengeID)
		return cerr
	})
	return inst, err
}

func (e *Engine) create(ctx context.Context, userID, challengeID string) (state.Instance, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return state.Instance{}, err
	}
	chall, err := e.instanceableChallenge(ctx, challengeID)
	if err != nil {
		return state.Instance{}, err
	}
	now := e.now()
	if err := e.checkRate(ctx, userID, snap, now); err != nil {
		return state.Instance{}, err
	}

	existing, replacing, err := e.store.Get(ctx, userID)
	if err != nil {
		return state.Instance{}, fmt.Errorf("load instance: %w", err)
	}
	if replacing && e.cfg.ReplacePolicy == config.ReplacePolicyReject {
		if existing.ChallengeID != challengeID {
			return state.Instance{}, ErrChallengeMismatch
		}
		return state.Instance{}, ErrAlreadyRunning
	}

	active, err := e.store.Count(ctx, state.StatusActive)
	if err != nil {
		return state.Instance{}, fmt.Errorf("count instances: %w", err)
	}
	if replacing {
		active--
	}
	if active >= snap.MaxContainerCount {
		return state.Instance{}, ErrCapacity
	}

	port := 0
	retireFirst := false
	if chall.Direct() {
		port, err = e.ports.Claim(ctx)
		switch {
		case errors.Is(err, ports.ErrExhausted) && replacing && inRange(snap, existing.Port):
			retireFirst = true
		case errors.Is(err, ports.ErrExhausted):
			return state.Instance{}, ErrPortExhausted
		case err != nil:
			return state.Instance{}, err
		}
	}
	if retireFirst {
		if err := e.retire(ctx, snap, existing, now); err != nil {
			return state.Instance{}, err
		}
		replacing = false
		port, err = e.ports.Claim(ctx)
		if errors.Is(err, ports.ErrExhausted) {
			return state.Instance{}, ErrPortExhausted
		}
		if err != nil {
			return state.Instance{}, err
		}
	}

	id := uuid.NewString()
	inst := state.Instance{
		UUID:        id,
		UserID:      userID,
		ChallengeID: chall.ID,
		Port:        port,
		Flag:        e.flag(snap, id),
		StartTime:   now,
		Status:      state.StatusActive,
	}
	spec, err := e.containerSpec(chall, inst)
	if err != nil {
		e.releasePort(ctx, snap, port)
		return state.Instance{}, err
	}
	h, err := e.rt.Start(ctx, spec)
	if err != nil {
		cctx, cancel := e.cleanupContext(ctx)
		defer cancel()
		e.releasePort(cctx, snap, port)
		return state.Instance{}, fmt.Errorf("%w: start container: %w", ErrRuntime, err)
	}
	inst.ContainerID = h.ID
	inst.ContainerName = h.Name
	inst.InternalAddress = h.InternalAddress

	if !chall.Direct() {
		route := proxy.Route{Name: id, Domain: id + snap.HTTPDomainSuffix, Target: h.InternalAddress}
		if err := e.proxy.RegisterRoute(ctx, route); err != nil {
			e.rollback(ctx, snap, inst)
			return state.Instance{}, fmt.Errorf("%w: register route: %w", ErrRuntime, err)
		}
		inst.RouteName = route.Name
	}

	if replacing {
		if err := e.retire(ctx, snap, existing, now); err != nil {
			e.rollback(ctx, snap, inst)
			return state.Instance{}, err
		}
	}

	saved, err := e.store.Insert(ctx, inst)
	if err != nil {
		e.rollback(ctx, snap, inst)
		return state.Instance{}, fmt.Errorf("persist instance: %w", err)
	}
	if err := e.ports.Commit(ctx, saved.Port); err != nil {
		// The claim expires on its own; the record already holds the port.
		e.log.Warn("port_commit_failed", slog.Int("port", saved.Port), slog.String("error", err.Error()))
	}
	e.recordActivity(ctx, userID, now)
	e.metrics.IncInstanceCreate()
	e.refreshGauges(ctx)
	e.log.Info("instance_created",
		slog.String("user_id", userID),
		slog.String("challenge_id", chall.ID),
		slog.String("uuid", saved.UUID),
		slog.String("container", saved.ContainerName),
		slog.Int("port", saved.Port))
	return saved, nil
}

// retire destroys the instance a create is replacing.
func (e *Engine) retire(ctx context.Context, snap settings.Snapshot, old state.Instance, now time.Time) error {
	if err := e.destroy(ctx, snap, old, now); err != nil {
		return err
	}
	e.metrics.IncInstanceDestroy()
	e.log.Info("instance_replaced",
		slog.String("user_id", old.UserID),
		slog.String("old_uuid", old.UUID),
		slog.String("old_challenge_id", old.ChallengeID))
	return nil
}

// rollback undoes a partially created instance that has no record yet.
func (e *Engine) rollback(ctx context.Context, snap settings.Snapshot, inst state.Instance) {
	cctx, cancel := e.cleanupContext(ctx)
	defer cancel()
	if inst.RouteName != "" {
		if err := e.proxy.UnregisterRoute(cctx, inst.RouteName); err != nil {
			e.log.Error("rollback_route_failed", slog.String("uuid", inst.UUID), slog.String("error", err.Error()))
		}
	}
	if err := e.rt.Stop(cctx, inst.ContainerID); err != nil {
		e.log.Error("rollback_container_failed", slog.String("uuid", inst.UUID), slog.String("container_id", inst.ContainerID), slog.String("error", err.Error()))
	}
	e.releasePort(cctx, snap, inst.Port)
}

// Renew resets the expiry clock of the user's instance of challengeID.
func (e *Engine) Renew(ctx context.Context, userID, challengeID string) (inst state.Instance, err error) {
	ctx, span := e.startSpan(ctx, "instance.renew", userID, challengeID)
	defer func() { e.finish(span, "renew", err) }()

	err = e.locked(ctx, userID, func(ctx context.Context) error {
		snap, err := e.snapshot(ctx)
		if err != nil {
			return err
		}
		now := e.now()
		if err := e.checkRate(ctx, userID, snap, now); err != nil {
			return err
		}
		cur, ok, err := e.store.Get(ctx, userID)
		if err != nil {
			return fmt.Errorf("load instance: %w", err)
		}
		if !ok {
			return ErrNotFound
		}
		if cur.ChallengeID != challengeID {
			return ErrChallengeMismatch
		}
		if cur.RenewCount >= snap.MaxRenewCount {
			return ErrRenewalExceeded
		}
		cur.StartTime = now
		cur.RenewCount++
		if err := e.store.Update(ctx, cur); err != nil {
			return fmt.Errorf("renew instance: %w", err)
		}
		e.recordActivity(ctx, userID, now)
		e.metrics.IncInstanceRenew()
		e.log.Info("instance_renewed",
			slog.String("user_id", userID),
			slog.String("uuid", cur.UUID),
			slog.Int("renew_count", cur.RenewCount))
		inst = cur
		return nil
	})
	return inst, err
}

// Destroy tears down the user's instance. It succeeds without side effects
// when the user has none.
func (e *Engine) Destroy(ctx context.Context, userID string) (err error) {
	ctx, span := e.startSpan(ctx, "instance.destroy", userID, "")
	defer func() { e.finish(span, "destroy", err) }()

	return e.locked(ctx, userID, func(ctx context.Context) error {
		destroyed, err := e.destroyCurrent(ctx, userID)
		if err != nil || !destroyed {
			return err
		}
		e.recordActivity(ctx, userID, e.now())
		return nil
	})
}

// destroyCurrent must run under the user's lock.
func (e *Engine) destroyCurrent(ctx context.Context, userID string) (bool, error) {
	cur, ok, err := e.store.Get(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load instance: %w", err)
	}
	if !ok {
		return false, nil
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return false, err
	}
	if err := e.destroy(ctx, snap, cur, e.now()); err != nil {
		return false, err
	}
	e.metrics.IncInstanceDestroy()
	e.refreshGauges(ctx)
	e.log.Info("instance_destroyed", slog.String("user_id", userID), slog.String("uuid", cur.UUID))
	return true, nil
}

// destroy stops the container first. If that fails the record, port and
// route are left untouched so the call can be retried. The port returns to
// the pool only after the record no longer holds it.
func (e *Engine) destroy(ctx context.Context, snap settings.Snapshot, inst state.Instance, now time.Time) error {
	if err := e.rt.Stop(ctx, inst.ContainerID); err != nil {
		return fmt.Errorf("%w: stop container %s: %w", ErrRuntime, inst.ContainerName, err)
	}
	if inst.RouteName != "" {
		if err := e.proxy.UnregisterRoute(ctx, inst.RouteName); err != nil {
			e.log.Warn("route_unregister_failed", slog.String("route", inst.RouteName), slog.String("error", err.Error()))
		}
	}
	inst.Status = state.StatusDestroyed
	inst.DestroyedAt = &now
	if err := e.store.Update(ctx, inst); err != nil {
		return fmt.Errorf("mark instance destroyed: %w", err)
	}
	e.releasePort(ctx, snap, inst.Port)
	return nil
}

// Query returns the user's active instance, if any. It takes no lock.
func (e *Engine) Query(ctx context.Context, userID string) (View, bool, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return View{}, false, err
	}
	inst, ok, err := e.store.Get(ctx, userID)
	if err != nil {
		return View{}, false, fmt.Errorf("load instance: %w", err)
	}
	if !ok {
		return View{}, false, nil
	}
	return e.view(snap, inst), true, nil
}

func (e *Engine) view(snap settings.Snapshot, inst state.Instance) View {
	v := View{
		Instance:  inst,
		Remaining: snap.Remaining(inst.StartTime, e.now()),
		LanDomain: inst.UserID + "-" + inst.UUID,
	}
	if inst.Port > 0 {
		v.Type = ViewTypeDirect
		v.IP = snap.DirectIP
		v.Port = inst.Port
		return v
	}
	v.Type = ViewTypeHTTP
	v.Domain = inst.UUID + snap.HTTPDomainSuffix
	if snap.HTTPPort != 80 {
		v.Domain += ":" + strconv.Itoa(snap.HTTPPort)
	}
	return v
}

func (e *Engine) instanceableChallenge(ctx context.Context, challengeID string) (state.Challenge, error) {
	if challengeID == "" {
		return state.Challenge{}, ErrChallengeMismatch
	}
	c, ok, err := e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return state.Challenge{}, fmt.Errorf("load challenge: %w", err)
	}
	if !ok || !c.Instanceable() {
		return state.Challenge{}, ErrChallengeMismatch
	}
	return c, nil
}

func (e *Engine) checkRate(ctx context.Context, userID string, snap settings.Snapshot, now time.Time) error {
	if snap.FrequencyLimit <= 0 {
		return nil
	}
	last, ok, err := e.store.LastActivity(ctx, userID)
	if err != nil {
		return fmt.Errorf("load activity: %w", err)
	}
	if ok && now.Sub(last) < snap.FrequencyLimit {
		return ErrRateLimited
	}
	return nil
}

// recordActivity runs after the operation already took effect, so a failure
// here is logged rather than returned.
func (e *Engine) recordActivity(ctx context.Context, userID string, at time.Time) {
	if err := e.store.RecordActivity(ctx, userID, at); err != nil {
		e.log.Error("activity_record_failed", slog.String("user_id", userID), slog.String("error", err.Error()))
	}
}

func (e *Engine) containerSpec(chall state.Challenge, inst state.Instance) (runtime.Spec, error) {
	memLimit := chall.MemoryLimit
	if memLimit == "" {
		memLimit = e.docker.DefaultMemory
	}
	mem, err := runtime.MemoryBytes(memLimit)
	if err != nil {
		return runtime.Spec{}, fmt.Errorf("%w: challenge %s: %w", ErrRuntime, chall.ID, err)
	}
	cpus := chall.CPULimit
	if cpus <= 0 {
		cpus = e.docker.DefaultCPUCores
	}
	env := make(map[string]string, len(chall.Env)+1)
	for k, v := range chall.Env {
		env[k] = v
	}
	env["FLAG"] = inst.Flag
	return runtime.Spec{
		Name:  runtime.ContainerName(e.docker.ContainerPrefix, inst.UserID, inst.UUID),
		Image: chall.Image,
		Env:   env,
		Labels: map[string]string{
			runtime.LabelUUID:      inst.UUID,
			runtime.LabelUser:      inst.UserID,
			runtime.LabelChallenge: inst.ChallengeID,
		},
		MemoryBytes:   mem,
		NanoCPUs:      runtime.NanoCPUs(cpus),
		ContainerPort: chall.RedirectPort,
		HostPort:      inst.Port,
	}, nil
}
