package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csai/chall-instancer/internal/config"
	"github.com/csai/chall-instancer/internal/lock"
	"github.com/csai/chall-instancer/internal/metrics"
	"github.com/csai/chall-instancer/internal/orchestrator"
	"github.com/csai/chall-instancer/internal/ports"
	"github.com/csai/chall-instancer/internal/proxy"
	"github.com/csai/chall-instancer/internal/runtime"
	"github.com/csai/chall-instancer/internal/state"
)

type idleRuntime struct{}

func (idleRuntime) Start(context.Context, runtime.Spec) (runtime.Handle, error) {
	return runtime.Handle{}, nil
}
func (idleRuntime) Stop(context.Context, string) error                { return nil }
func (idleRuntime) List(context.Context) ([]runtime.Container, error) { return nil, nil }
func (idleRuntime) Ping(context.Context) error                        { return nil }

func newTestApp(t *testing.T) *app {
	t.Helper()
	ctx := context.Background()
	st, err := state.Open(filepath.Join(t.TempDir(), "instancer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	_, err = st.SaveAll(ctx, map[string]string{"direct_port_minimum": "30000", "direct_port_maximum": "30002"})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Lifecycle.FlagSecret = "cli-test"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := metrics.New()
	alloc := ports.NewAllocator(st, ports.WithClaimTTL(cfg.Lifecycle.LockTTL()))
	eng, err := orchestrator.New(cfg, orchestrator.Deps{
		Store:   st,
		Locks:   lock.NewManager(st, cfg.Lifecycle.LockTTL()),
		Ports:   alloc,
		Runtime: idleRuntime{},
		Proxy:   proxy.NewMock(),
		Metrics: reg,
		Logger:  logger,
	})
	require.NoError(t, err)
	return &app{cfg: cfg, log: logger, store: st, metrics: reg, ports: alloc, engine: eng}
}

func TestPortsReinitRebuildsPool(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	free, err := a.ports.Free(ctx)
	require.NoError(t, err)
	require.Zero(t, free, "building the app leaves the pool alone")

	out, err := a.reinitPorts(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, 30000, out["low"])
	assert.Equal(t, 30002, out["high"])
	assert.Equal(t, 3, out["free"])
}

func TestPortsReinitKeepsInFlightClaim(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	_, err := a.reinitPorts(ctx)
	require.NoError(t, err)

	claimed, err := a.ports.Claim(ctx)
	require.NoError(t, err)
	out, err := a.reinitPorts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, out["free"])

	for i := 0; i < 2; i++ {
		p, err := a.ports.Claim(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, claimed, p)
	}
}
