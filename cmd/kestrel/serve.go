package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/exposure"
	"github.com/opensource-finance/kestrel/internal/funding"
	"github.com/opensource-finance/kestrel/internal/jit"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/worker"
)

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the JIT funding API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := domain.LoadConfig()
			if port > 0 {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides KESTREL_PORT)")
	return cmd
}

func serve(parent context.Context, cfg *domain.Config) error {
	setupLogger(cfg.Logging)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"timezone", cfg.JIT.Timezone,
	)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	m := metrics.New()

	policies, err := policy.NewEngine()
	if err != nil {
		return fmt.Errorf("initialize policy engine: %w", err)
	}
	loadPolicies(ctx, repo, policies)
	m.SetPoliciesLoaded(policies.Count())

	exposureSvc, err := exposure.NewService(repo, cfg.JIT)
	if err != nil {
		return fmt.Errorf("initialize exposure service: %w", err)
	}

	evaluator := jit.NewEvaluator(policies)
	slog.Info("rule chain ready", "rules", evaluator.Rules())

	provider := funding.NewProvider(repo, cacheImpl, busImpl, evaluator, m, cfg.JIT)

	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || cfg.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, provider, m, Version)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Provider: provider,
		Policies: policies,
		Exposure: exposureSvc,
		Metrics:  m,
		Version:  Version,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

// loadPolicies loads stored policies into the engine. A policy that no
// longer compiles is skipped so the rest still load.
func loadPolicies(ctx context.Context, repo domain.Repository, engine *policy.Engine) {
	stored, err := repo.ListPolicyRules(ctx)
	if err != nil {
		slog.Warn("failed to list policies from database", "error", err)
		return
	}
	if len(stored) == 0 {
		slog.Info("no policies in database - configure via POST /policies")
		return
	}

	for id, err := range engine.Reload(stored) {
		slog.Error("skipping invalid policy", "id", id, "error", err)
	}
	slog.Info("policies loaded", "stored", len(stored), "active", engine.Count())
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 KESTREL                   |")
	fmt.Println("  |     JIT funding for virtual cards         |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Timezone: %s\n", cfg.JIT.Timezone)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /jit-funding                  - Decide a funding request")
	fmt.Println("    GET  /decisions/{id}               - Get a decision log")
	fmt.Println("    GET  /cards/{id}/decisions         - Decisions for a card")
	fmt.Println("    PUT  /cards/{id}                   - Sync a card snapshot")
	fmt.Println("    PUT  /leases/{id}                  - Sync a lease snapshot")
	fmt.Println("    PUT  /providers/{id}               - Sync a provider")
	fmt.Println("    GET  /providers/{id}/exposure      - Provider credit exposure")
	fmt.Println("    GET  /audit-window                 - Audit window start date")
	fmt.Println("    GET  /policies                     - List active policies")
	fmt.Println("    POST /policies                     - Create a policy")
	fmt.Println("    POST /policies/reload              - Hot-reload policies")
	fmt.Println("    GET  /health  /ready  /metrics")
	fmt.Println()
}
