// Command server runs the orchestrator control plane: the pipeline command
// handler, the lifecycle monitor, retention cleanup and the ops HTTP
// endpoint.
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

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/bus/kafka"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/app"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/assets"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/observability"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/pipeline"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/usecase"
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

	policy, err := config.BuildRetryPolicy(cfg)
	if err != nil {
		slog.Error("retry policy load failed", slog.Any("error", err))
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	ownerID := fmt.Sprintf("server-%s-%s", hostname, ulid.Make())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Infra: managed DB pool + schema
	pool, err := postgres.NewManagedPool(ctx, cfg)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	pool.Start(ctx)
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema ensure failed", slog.Any("error", err))
		os.Exit(1)
	}

	locks := postgres.NewLockManager(pool)
	if err := locks.Init(ctx); err != nil {
		slog.Error("lock manager init failed", slog.Any("error", err))
		os.Exit(1)
	}
	projectRepo := postgres.NewProjectRepo(pool)
	jobRepo := postgres.NewJobRepo(pool)

	// Retention cleanup for terminal jobs
	if cfg.JobRetentionDays > 0 {
		maxAge := time.Duration(cfg.JobRetentionDays) * 24 * time.Hour
		cleanup := postgres.NewCleanupService(pool, locks, ownerID, cfg.CleanupInterval, maxAge)
		go cleanup.Start(ctx)
		slog.Info("retention cleanup started",
			slog.Int("retention_days", cfg.JobRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// Event bus
	publisher, err := kafka.NewPublisher(ctx, cfg.Brokers(), cfg.EventBusProjectID, cfg.EventBusProjectID+"-server-producer")
	if err != nil {
		slog.Error("bus publisher init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = publisher.Close() }()
	topics := publisher.TopicNames()

	// Services and the command handler
	ledger := assets.NewLedger(projectRepo, locks, ownerID, cfg.EntityLockLease)
	jobSvc := usecase.NewJobService(jobRepo, publisher, &policy)
	projSvc := usecase.NewProjectService(projectRepo, publisher)
	handler := pipeline.NewHandler(projectRepo, jobRepo, jobSvc, projSvc, ledger, locks, publisher, ownerID, cfg.ProjectLockLease)

	// Lifecycle monitor (singleton across processes via the lock)
	monitor := app.NewLifecycleMonitor(jobRepo, jobSvc, locks, &policy, ownerID, cfg.StallTimeout, cfg.ReclaimInterval)
	go monitor.Run(ctx)

	// Bus consumers: commands and job completions
	ns := cfg.EventBusProjectID
	cmdConsumer, err := kafka.NewConsumer(cfg.Brokers(), ns+".pipeline-commands", topics.Commands, nil, handler.HandleCommandRecord)
	if err != nil {
		slog.Error("command consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = cmdConsumer.Close() }()
	go func() {
		if err := cmdConsumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("command consumer stopped", slog.Any("error", err))
		}
	}()

	evConsumer, err := kafka.NewConsumer(cfg.Brokers(), ns+".pipeline-progression", topics.JobEvents, nil, handler.HandleJobEventRecord)
	if err != nil {
		slog.Error("job event consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = evConsumer.Close() }()
	go func() {
		if err := evConsumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("job event consumer stopped", slog.Any("error", err))
		}
	}()

	// Ops HTTP
	ready := app.BuildReadinessCheck(pool, pool.Breaker(), publisher)
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.BuildRouter(cfg, projSvc, jobSvc, ready),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ops http server starting", slog.Int("port", cfg.Port))
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
	pool.Drain(shutdownCtx)
}
