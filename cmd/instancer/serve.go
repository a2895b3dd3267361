package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/csai/chall-instancer/internal/api"
	"github.com/csai/chall-instancer/internal/auth"
	"github.com/csai/chall-instancer/internal/config"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the expiry sweep and reconcile loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.initPorts(ctx); err != nil {
				return err
			}
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	guard := auth.NewGuard(cfg.Auth)
	srv := api.New(cfg, a.engine, guard, a.metrics, a.log)

	httpSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      srv.Handler(auth.NewRateLimiter(cfg.RateLimit, a.metrics)),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("instancer_start",
			slog.String("listen_addr", cfg.Server.ListenAddr),
			slog.String("auth_mode", cfg.Auth.Mode),
			slog.String("expiry_mode", cfg.Lifecycle.ExpiryMode),
			slog.String("proxy_mode", cfg.Proxy.Mode))
		var err error
		if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
			err = httpSrv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("shutdown_failed", slog.String("error", err.Error()))
		}
		return nil
	})
	if cfg.Lifecycle.ExpiryMode == config.ExpiryModeSweep {
		g.Go(func() error {
			a.every(gctx, time.Duration(cfg.Lifecycle.SweepIntervalSeconds)*time.Second, a.sweepOnce)
			return nil
		})
	}
	if cfg.Lifecycle.ReconcileIntervalSecond > 0 {
		g.Go(func() error {
			a.every(gctx, time.Duration(cfg.Lifecycle.ReconcileIntervalSecond)*time.Second, a.reconcileOnce)
			return nil
		})
	}

	err := g.Wait()
	a.log.Info("instancer_stopped")
	return err
}

func (a *app) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (a *app) sweepOnce(ctx context.Context) {
	sum, err := a.engine.Sweep(ctx)
	if err != nil {
		a.log.Warn("sweep_failed", slog.String("error", err.Error()))
		return
	}
	if sum.Expired > 0 || sum.Pruned > 0 {
		a.log.Info("sweep_completed",
			slog.Int("expired", sum.Expired),
			slog.Int("destroyed", sum.Destroyed),
			slog.Int("skipped", sum.Skipped),
			slog.Int("failed", sum.Failed),
			slog.Int64("pruned", sum.Pruned))
	}
}

func (a *app) reconcileOnce(ctx context.Context) {
	sum, err := a.engine.Reconcile(ctx)
	if err != nil {
		a.log.Warn("reconcile_failed", slog.String("error", err.Error()))
		return
	}
	a.log.Info("reconcile_completed",
		slog.Int("checked", sum.Checked),
		slog.Int("marked_destroyed", sum.MarkedDestroyed),
		slog.Int("orphans_removed", sum.OrphansRemoved),
		slog.Int("routes_restored", sum.RoutesRestored))
}
