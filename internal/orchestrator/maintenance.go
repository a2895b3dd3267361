package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/csai/chall-instancer/internal/config"
	"github.com/csai/chall-instancer/internal/proxy"
	"github.com/csai/chall-instancer/internal/runtime"
	"github.com/csai/chall-instancer/internal/state"
)

type SweepSummary struct {
	Expired   int
	Destroyed int
	Skipped   int
	Failed    int
	Pruned    int64
}

// Sweep destroys expired instances through the locked destroy path and
// prunes old destroyed history. Users whose lock is busy are skipped and
// picked up by the next sweep. In lazy expiry mode only history is pruned.
func (e *Engine) Sweep(ctx context.Context) (summary SweepSummary, err error) {
	ctx, span := e.tracer.Start(ctx, "instance.sweep")
	defer func() { e.finish(span, "sweep", err) }()

	snap, err := e.snapshot(ctx)
	if err != nil {
		return summary, err
	}
	now := e.now()
	if e.cfg.ExpiryMode == config.ExpiryModeSweep {
		expired, err := e.store.ListExpired(ctx, now.Add(-snap.Timeout))
		if err != nil {
			return summary, fmt.Errorf("list expired: %w", err)
		}
		summary.Expired = len(expired)
		for _, candidate := range expired {
			derr := e.locked(ctx, candidate.UserID, func(ctx context.Context) error {
				cur, ok, err := e.store.Get(ctx, candidate.UserID)
				if err != nil {
					return err
				}
				// Renewed, replaced or destroyed since the listing.
				if !ok || cur.ID != candidate.ID || !snap.Expired(cur.StartTime, e.now()) {
					return errSkip
				}
				return e.destroy(ctx, snap, cur, e.now())
			})
			switch {
			case derr == nil:
				summary.Destroyed++
				e.metrics.IncInstanceExpired()
				e.metrics.IncInstanceDestroy()
				e.log.Info("instance_expired", slog.String("user_id", candidate.UserID), slog.String("uuid", candidate.UUID))
			case errors.Is(derr, errSkip), errors.Is(derr, ErrBusy):
				summary.Skipped++
			default:
				summary.Failed++
				e.log.Error("sweep_destroy_failed", slog.String("user_id", candidate.UserID), slog.String("uuid", candidate.UUID), slog.String("error", derr.Error()))
			}
		}
	}
	if retention := e.cfg.HistoryRetention(); retention > 0 {
		n, err := e.store.PruneDestroyed(ctx, now.Add(-retention))
		if err != nil {
			return summary, fmt.Errorf("prune history: %w", err)
		}
		summary.Pruned = n
	}
	e.refreshGauges(ctx)
	return summary, nil
}

var errSkip = errors.New("skip")

type ReconcileSummary struct {
	Checked         int
	MarkedDestroyed int
	OrphansRemoved  int
	RoutesRestored  int
	Skipped         int
}

// Reconcile aligns the registry with the containers that actually exist.
// Records whose container vanished or exited are destroyed, managed
// containers without a record are removed and HTTP routes of live instances
// are staged and published in one batch. Every change runs under the owning
// user's lock.
func (e *Engine) Reconcile(ctx context.Context) (summary ReconcileSummary, err error) {
	ctx, span := e.tracer.Start(ctx, "instance.reconcile")
	defer func() { e.finish(span, "reconcile", err) }()

	snap, err := e.snapshot(ctx)
	if err != nil {
		return summary, err
	}
	containers, err := e.rt.List(ctx)
	if err != nil {
		return summary, fmt.Errorf("%w: list containers: %w", ErrRuntime, err)
	}
	byUUID := make(map[string]runtime.Container, len(containers))
	for _, c := range containers {
		if id := c.Labels[runtime.LabelUUID]; id != "" {
			byUUID[id] = c
		}
	}
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return summary, fmt.Errorf("list active: %w", err)
	}
	known := make(map[string]struct{}, len(active))
	staged := 0

	for _, inst := range active {
		summary.Checked++
		known[inst.UUID] = struct{}{}
		c, ok := byUUID[inst.UUID]
		if ok && c.State != "exited" && c.State != "dead" {
			if inst.RouteName == "" {
				continue
			}
			// Staged under the lock so a concurrent destroy either runs
			// first (and the record check skips) or removes the route after.
			route := proxy.Route{Name: inst.RouteName, Domain: inst.UUID + snap.HTTPDomainSuffix, Target: inst.InternalAddress}
			derr := e.locked(ctx, inst.UserID, func(ctx context.Context) error {
				cur, ok, err := e.store.Get(ctx, inst.UserID)
				if err != nil {
					return err
				}
				if !ok || cur.ID != inst.ID {
					return errSkip
				}
				if e.proxy.StageRoute(route) {
					staged++
				}
				return nil
			})
			if derr != nil {
				summary.Skipped++
			}
			continue
		}
		derr := e.locked(ctx, inst.UserID, func(ctx context.Context) error {
			cur, ok, err := e.store.Get(ctx, inst.UserID)
			if err != nil {
				return err
			}
			if !ok || cur.ID != inst.ID {
				return errSkip
			}
			return e.destroy(ctx, snap, cur, e.now())
		})
		switch {
		case derr == nil:
			summary.MarkedDestroyed++
			e.metrics.IncInstanceDestroy()
			e.log.Warn("reconcile_container_missing", slog.String("user_id", inst.UserID), slog.String("uuid", inst.UUID))
		case errors.Is(derr, errSkip), errors.Is(derr, ErrBusy):
			summary.Skipped++
		default:
			e.log.Error("reconcile_destroy_failed", slog.String("uuid", inst.UUID), slog.String("error", derr.Error()))
		}
	}

	// One publish covers every restored route and any removal whose
	// earlier publish failed.
	if err := e.proxy.Flush(ctx); err != nil {
		e.log.Warn("reconcile_route_flush_failed", slog.Int("staged", staged), slog.String("error", err.Error()))
	} else {
		summary.RoutesRestored = staged
	}

	for id, c := range byUUID {
		if _, ok := known[id]; ok {
			continue
		}
		userID := c.Labels[runtime.LabelUser]
		// A create in flight holds the user's lock until its record is
		// written, so the lock also guards against removing it early.
		derr := e.locked(ctx, userID, func(ctx context.Context) error {
			cur, ok, err := e.store.Get(ctx, userID)
			if err != nil {
				return err
			}
			if ok && cur.UUID == id {
				return errSkip
			}
			return e.rt.Stop(ctx, c.ID)
		})
		switch {
		case derr == nil:
			summary.OrphansRemoved++
			e.log.Warn("reconcile_orphan_removed", slog.String("container", c.Name), slog.String("uuid", id))
		case errors.Is(derr, errSkip), errors.Is(derr, ErrBusy):
			summary.Skipped++
		default:
			e.log.Error("reconcile_orphan_failed", slog.String("container", c.Name), slog.String("error", derr.Error()))
		}
	}
	e.refreshGauges(ctx)
	return summary, nil
}

// ActiveInstances lists every active record, for the CLI.
func (e *Engine) ActiveInstances(ctx context.Context) ([]state.Instance, error) {
	return e.store.ListActive(ctx)
}
