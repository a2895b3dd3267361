package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/csai/chall-instancer/internal/config"
	"github.com/csai/chall-instancer/internal/coord"
	"github.com/csai/chall-instancer/internal/lock"
	"github.com/csai/chall-instancer/internal/metrics"
	"github.com/csai/chall-instancer/internal/observability"
	"github.com/csai/chall-instancer/internal/orchestrator"
	"github.com/csai/chall-instancer/internal/ports"
	"github.com/csai/chall-instancer/internal/proxy"
	"github.com/csai/chall-instancer/internal/runtime"
	"github.com/csai/chall-instancer/internal/state"
)

// app is the wired process: config, stores, runtime and the controller.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	store   *state.Store
	metrics *metrics.Registry
	ports   *ports.Allocator
	engine  *orchestrator.Engine
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel)
	slog.SetDefault(logger)

	st, err := state.OpenWithOptions(cfg.Storage.DatabaseFile, state.OpenOptions{MaxOpenConns: cfg.Storage.MaxOpenConns})
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	// Locks and the port pool share one coordination backend.
	var backend coord.Store = st
	if strings.EqualFold(cfg.Coordination.Backend, "memory") {
		backend = coord.NewMemory()
		logger.Warn("coordination_in_memory", slog.String("detail", "locks and port pool are not shared between processes"))
	}

	docker, err := runtime.NewDocker(ctx, cfg.Docker, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("docker: %w", err)
	}

	reg := metrics.New()
	// A create cannot outlive its lock, so neither can its port claim.
	alloc := ports.NewAllocator(backend, ports.WithClaimTTL(cfg.Lifecycle.LockTTL()))
	engine, err := orchestrator.New(cfg, orchestrator.Deps{
		Store:   st,
		Locks:   lock.NewManager(backend, cfg.Lifecycle.LockTTL()),
		Ports:   alloc,
		Runtime: docker,
		Proxy:   proxy.New(cfg.Proxy),
		Metrics: reg,
		Logger:  logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &app{cfg: cfg, log: logger, store: st, metrics: reg, ports: alloc, engine: engine}, nil
}

// initPorts rebuilds the free port pool. Only serve and ports reinit call it;
// read-only commands must not touch a pool a running server is using.
func (a *app) initPorts(ctx context.Context) error {
	if err := a.engine.InitPorts(ctx); err != nil {
		return fmt.Errorf("init ports: %w", err)
	}
	return nil
}

// reinitPorts is the ports reinit command body.
func (a *app) reinitPorts(ctx context.Context) (map[string]any, error) {
	if err := a.initPorts(ctx); err != nil {
		return nil, err
	}
	_, snap, err := a.engine.Settings(ctx)
	if err != nil {
		return nil, err
	}
	free, err := a.ports.Free(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status": "ok",
		"low":    snap.PortMin,
		"high":   snap.PortMax,
		"free":   free,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("state_close_failed", slog.String("error", err.Error()))
	}
}
