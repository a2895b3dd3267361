package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/csai/chall-instancer/internal/runtime"
	"github.com/csai/chall-instancer/internal/settings"
	"github.com/csai/chall-instancer/internal/state"
)

// Page is one page of active instances. Page numbers start at 1.
type Page struct {
	Items   []View
	Total   int
	Page    int
	PerPage int
	Pages   int
}

// AdminRenew resets the expiry clock without the renewal cap or the rate
// limit. renew_count is left alone so it never passes the cap.
func (e *Engine) AdminRenew(ctx context.Context, userID, challengeID string) (inst state.Instance, err error) {
	ctx, span := e.startSpan(ctx, "instance.admin_renew", userID, challengeID)
	defer func() { e.finish(span, "admin_renew", err) }()

	err = e.locked(ctx, userID, func(ctx context.Context) error {
		cur, ok, err := e.store.Get(ctx, userID)
		if err != nil {
			return fmt.Errorf("load instance: %w", err)
		}
		if !ok {
			return ErrNotFound
		}
		if challengeID != "" && cur.ChallengeID != challengeID {
			return ErrChallengeMismatch
		}
		cur.StartTime = e.now()
		if err := e.store.Update(ctx, cur); err != nil {
			return fmt.Errorf("renew instance: %w", err)
		}
		e.log.Info("instance_admin_renewed", slog.String("user_id", userID), slog.String("uuid", cur.UUID))
		inst = cur
		return nil
	})
	return inst, err
}

// AdminDestroy destroys the user's instance without touching their rate
// limit window.
func (e *Engine) AdminDestroy(ctx context.Context, userID string) (err error) {
	ctx, span := e.startSpan(ctx, "instance.admin_destroy", userID, "")
	defer func() { e.finish(span, "admin_destroy", err) }()

	return e.locked(ctx, userID, func(ctx context.Context) error {
		destroyed, err := e.destroyCurrent(ctx, userID)
		if err != nil {
			return err
		}
		if !destroyed {
			return ErrNotFound
		}
		return nil
	})
}

// ListActive pages over active instances, oldest first. Negative inputs are
// taken by absolute value and perPage is at least 1.
func (e *Engine) ListActive(ctx context.Context, page, perPage int) (Page, error) {
	page, perPage = abs(page), abs(perPage)
	if perPage < 1 {
		perPage = 1
	}
	offset := perPage * (page - 1)
	if offset < 0 {
		offset = 0
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return Page{}, err
	}
	total, err := e.store.Count(ctx, state.StatusActive)
	if err != nil {
		return Page{}, fmt.Errorf("count instances: %w", err)
	}
	items, err := e.store.List(ctx, state.StatusActive, offset, perPage)
	if err != nil {
		return Page{}, fmt.Errorf("list instances: %w", err)
	}
	views := make([]View, 0, len(items))
	for _, inst := range items {
		views = append(views, e.view(snap, inst))
	}
	return Page{
		Items:   views,
		Total:   total,
		Page:    page,
		PerPage: perPage,
		Pages:   (total + perPage - 1) / perPage,
	}, nil
}

// Settings returns the effective settings, defaults included.
func (e *Engine) Settings(ctx context.Context) (map[string]string, settings.Snapshot, error) {
	raw, version, err := e.store.GetAll(ctx)
	if err != nil {
		return nil, settings.Snapshot{}, fmt.Errorf("load settings: %w", err)
	}
	merged := settings.Defaults()
	for k, v := range raw {
		merged[k] = v
	}
	snap, err := settings.Parse(merged, version)
	if err != nil {
		return nil, settings.Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return merged, snap, nil
}

// UpdateSettings validates and saves a partial update. When the port range
// changes the pool is rebuilt as the new range minus ports held by active
// instances.
func (e *Engine) UpdateSettings(ctx context.Context, update map[string]string) (settings.Snapshot, error) {
	raw, version, err := e.store.GetAll(ctx)
	if err != nil {
		return settings.Snapshot{}, fmt.Errorf("load settings: %w", err)
	}
	if err := settings.Validate(raw, update); err != nil {
		return settings.Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	prev, err := settings.Parse(raw, version)
	if err != nil {
		return settings.Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	newVersion, err := e.store.SaveAll(ctx, update)
	if err != nil {
		return settings.Snapshot{}, fmt.Errorf("save settings: %w", err)
	}
	for k, v := range update {
		raw[k] = v
	}
	next, err := settings.Parse(raw, newVersion)
	if err != nil {
		return settings.Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	e.log.Info("settings_updated", slog.Int64("version", next.Version), slog.Int("keys", len(update)))
	if prev.PortRangeChanged(next) {
		if err := e.reinitPorts(ctx, next); err != nil {
			return next, err
		}
	}
	return next, nil
}

// InitPorts rebuilds the free port pool from the saved range, leaving out
// ports of active instances and ports claimed by creates still in flight.
// It runs when the server starts and on an explicit re-init.
func (e *Engine) InitPorts(ctx context.Context) error {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	return e.reinitPorts(ctx, snap)
}

func (e *Engine) reinitPorts(ctx context.Context, snap settings.Snapshot) error {
	held, err := e.store.ActivePorts(ctx)
	if err != nil {
		return fmt.Errorf("load held ports: %w", err)
	}
	if err := e.ports.Reinit(ctx, snap.PortMin, snap.PortMax, held); err != nil {
		return err
	}
	e.refreshGauges(ctx)
	e.log.Info("port_pool_reinitialized",
		slog.Int("low", snap.PortMin),
		slog.Int("high", snap.PortMax),
		slog.Int("held", len(held)))
	return nil
}

func (e *Engine) UpsertChallenge(ctx context.Context, c state.Challenge) (state.Challenge, error) {
	c.ID = strings.TrimSpace(c.ID)
	if c.Type == "" {
		c.Type = state.ChallengeTypeDynamic
	}
	if c.RedirectType == "" {
		c.RedirectType = state.RedirectHTTP
	}
	switch {
	case c.ID == "":
		return state.Challenge{}, fmt.Errorf("%w: id is required", ErrInvalidChallenge)
	case c.Type == state.ChallengeTypeDynamic && c.Image == "":
		return state.Challenge{}, fmt.Errorf("%w: image is required", ErrInvalidChallenge)
	case c.RedirectType != state.RedirectHTTP && c.RedirectType != state.RedirectDirect:
		return state.Challenge{}, fmt.Errorf("%w: redirect_type must be http or direct", ErrInvalidChallenge)
	case c.RedirectPort < 1 || c.RedirectPort > 65535:
		return state.Challenge{}, fmt.Errorf("%w: redirect_port out of range", ErrInvalidChallenge)
	case c.CPULimit < 0:
		return state.Challenge{}, fmt.Errorf("%w: cpu_limit must be >= 0", ErrInvalidChallenge)
	}
	if _, err := runtime.MemoryBytes(c.MemoryLimit); err != nil {
		return state.Challenge{}, fmt.Errorf("%w: %w", ErrInvalidChallenge, err)
	}
	if err := e.store.UpsertChallenge(ctx, c); err != nil {
		return state.Challenge{}, err
	}
	e.log.Info("challenge_saved", slog.String("challenge_id", c.ID), slog.String("image", c.Image))
	return c, nil
}

func (e *Engine) Challenge(ctx context.Context, id string) (state.Challenge, error) {
	c, ok, err := e.store.GetChallenge(ctx, id)
	if err != nil {
		return state.Challenge{}, err
	}
	if !ok {
		return state.Challenge{}, ErrNotFound
	}
	return c, nil
}

func (e *Engine) ListChallenges(ctx context.Context) ([]state.Challenge, error) {
	return e.store.ListChallenges(ctx)
}

// DeleteChallenge removes a catalog entry. Running instances of it are left
// to expire or be destroyed normally.
func (e *Engine) DeleteChallenge(ctx context.Context, id string) error {
	removed, err := e.store.DeleteChallenge(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotFound
	}
	e.log.Info("challenge_deleted", slog.String("challenge_id", id))
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
