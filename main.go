// Sandbox Session Executor - container-per-session orchestration service.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"

	"github.com/workspace/sandbox-executor/internal/auth"
	"github.com/workspace/sandbox-executor/internal/config"
	"github.com/workspace/sandbox-executor/internal/containermgr"
	"github.com/workspace/sandbox-executor/internal/lifecycle"
	"github.com/workspace/sandbox-executor/internal/logging"
	"github.com/workspace/sandbox-executor/internal/portalloc"
	"github.com/workspace/sandbox-executor/internal/server"
	"github.com/workspace/sandbox-executor/internal/sessionregistry"
	"github.com/workspace/sandbox-executor/internal/sessionstore"
	"github.com/workspace/sandbox-executor/internal/workspace"
)

func main() {
	logging.Setup()
	slog.Info("starting sandbox session executor")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	registry := sessionregistry.New()

	ports, err := portalloc.New(cfg.APIPortLo, cfg.APIPortHi, cfg.CodePortLo, cfg.CodePortHi, cfg.PortProbeAddr)
	if err != nil {
		slog.Error("failed to construct port allocator", "err", err)
		os.Exit(1)
	}

	ws := workspace.New(cfg.WorkspaceRoot, cfg.ConfigTemplateDir)

	containers := newContainerManager(cfg)

	repo, err := sessionstore.Open(cfg.SessionDBPath)
	if err != nil {
		slog.Error("failed to open session repository", "err", err)
		os.Exit(1)
	}
	defer repo.Close()

	core := server.NewCore(cfg, registry, ports, ws, containers, repo)

	var jwtValidator *auth.JWTValidator
	if cfg.JWKSEndpoint != "" {
		jwtValidator, err = auth.NewJWTValidator(cfg.JWKSEndpoint, cfg.JWTAudience, cfg.JWTIssuer)
		if err != nil {
			slog.Error("failed to construct JWT validator", "err", err)
			os.Exit(1)
		}
		defer jwtValidator.Close()
	}

	srv := server.New(cfg, core, jwtValidator)

	supervisor := lifecycle.New(registry, core.Teardown, core.Probe, lifecycle.Config{
		IdleTimeout:        cfg.IdleTimeout,
		SweepInterval:      cfg.SweepInterval,
		DegradeAfter:       cfg.DegradeAfter,
		ProbeRatePerSecond: cfg.ProbeRatePerSecond,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go supervisor.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("server error", "err", err)
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	}

	supervisor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("error during HTTP shutdown", "err", err)
	}

	slog.Info("sandbox session executor stopped")
}

// newContainerManager builds the Container Manager against the local Docker
// daemon. A construction failure is logged rather than fatal: a process
// serving only config.BackendLocal sessions has no need for a working
// daemon, and Core treats a nil Manager as "sandbox backend unavailable"
// rather than panicking.
func newContainerManager(cfg *config.Config) *containermgr.Manager {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		slog.Warn("docker client unavailable, sandbox backend disabled", "err", err)
		return nil
	}
	return containermgr.New(api, cfg.HealthCheckTimeout, cfg.DegradeAfter)
}
