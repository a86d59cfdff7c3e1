// Command server starts the Tessera control plane HTTP server together
// with its dispatcher, worker reaper, and data-retention background loops.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/tessera-ai/control-plane/internal/adapter/httpserver"
	"github.com/tessera-ai/control-plane/internal/adapter/observability"
	"github.com/tessera-ai/control-plane/internal/adapter/repo/postgres"
	"github.com/tessera-ai/control-plane/internal/admission"
	"github.com/tessera-ai/control-plane/internal/app"
	"github.com/tessera-ai/control-plane/internal/completion"
	"github.com/tessera-ai/control-plane/internal/config"
	"github.com/tessera-ai/control-plane/internal/dispatcher"
	"github.com/tessera-ai/control-plane/internal/registry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories (§6.4, §3).
	jobRepo := postgres.NewJobRepo(pool)
	planRepo := postgres.NewPlanRepo(pool)
	userRepo := postgres.NewUserRepo(pool)
	artifactRepo := postgres.NewArtifactRepo(pool)
	usageRepo := postgres.NewUsageRepo(pool)

	// Data retention sweep (§ Supplemented Feature 4).
	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(jobRepo, artifactRepo, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started", slog.Int("retention_days", cfg.DataRetentionDays), slog.Duration("interval", cfg.CleanupInterval))
	}

	// Worker registry and quarantine circuit breakers (§4.5, §7).
	breakers := registry.NewCircuitBreakerManager(cfg.CircuitBreakerFailureThreshold, cfg.CircuitBreakerRecoveryTimeout)
	reg := registry.New(registry.DefaultHealthyWindow, registry.DefaultStaleWindow, registry.DefaultForensicRetain, breakers)

	// Admission pipeline (§4.2).
	limiter := admission.NewRateLimiter(admission.RateLimitWindow)
	admissionSvc := admission.NewService(planRepo, userRepo, jobRepo, usageRepo, limiter, reg)
	go runRateLimiterSweep(ctx, limiter, cfg.ReaperInterval)

	// Completion handling and webhook delivery (§4.4, §6.3).
	webhookSender := completion.NewWebhookSender(
		cfg.WebhookSigningSecret,
		cfg.WebhookMaxRetries,
		cfg.WebhookInitialInterval,
		cfg.WebhookMaxInterval,
		cfg.WebhookMultiplier,
		cfg.WebhookTimeout,
	)
	completionHandler := completion.NewHandler(jobRepo, artifactRepo, usageRepo, webhookSender)

	// Dispatcher (§4.3).
	dispatchClient := dispatcher.NewClient()
	disp := dispatcher.New(jobRepo, reg, dispatchClient, completionHandler, cfg.DispatchInterval, cfg.DispatchBatchSize)
	go disp.Run(ctx)

	// Worker reaper (§4.4, §4.5).
	reaper := registry.NewReaper(jobRepo, reg, cfg.ReaperInterval, cfg.JobRunningGrace)
	go reaper.Run(ctx)

	dbCheck, dispatcherCheck, reaperCheck := app.BuildReadinessChecks(pool, disp.LastTick, reaper.LastSweep, cfg.ReadinessMaxStaleness)

	srv := httpserver.NewServer(cfg, admissionSvc, jobRepo, userRepo, planRepo, artifactRepo, usageRepo, reg, dbCheck, dispatcherCheck, reaperCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// runRateLimiterSweep periodically drops idle users from the in-process
// rate limiter so its map doesn't grow unbounded over the life of the
// process (the limiter itself is never persisted, §4.2 step 3).
func runRateLimiterSweep(ctx context.Context, limiter *admission.RateLimiter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep(time.Now())
		}
	}
}
