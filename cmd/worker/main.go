// Command worker runs the dispatch loop: it claims dispatched jobs, executes
// the agent for each type and records outcomes. Scale horizontally by
// running more worker processes against the same database and bus.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/agents"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/bus/kafka"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/assets"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/observability"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/usecase"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	// Dedicated metrics endpoint so Prometheus can scrape worker gauges.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("worker-%s-%s", hostname, ulid.Make())
	slog.Info("starting worker", slog.String("worker_id", workerID), slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewManagedPool(ctx, cfg)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
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
	ledger := assets.NewLedger(projectRepo, locks, workerID, cfg.EntityLockLease)

	// Transactional id distinct from the server's producer to avoid
	// cross-process transactional conflicts.
	publisher, err := kafka.NewPublisher(ctx, cfg.Brokers(), cfg.EventBusProjectID, cfg.EventBusProjectID+"-"+workerID+"-producer")
	if err != nil {
		slog.Error("bus publisher init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = publisher.Close() }()
	topics := publisher.TopicNames()

	projSvc := usecase.NewProjectService(projectRepo, publisher)

	w := worker.New(worker.Config{
		OwnerID:         workerID,
		ProjectClaimCap: cfg.ProjectClaimConcurrency,
		SafetyRetries:   cfg.SafetyRetries,
		AgentTimeout:    cfg.AgentTimeout,
		VideoTimeout:    cfg.VideoGenerationTimeout,
	}, jobRepo, projectRepo, agents.NewStubRouter(), ledger, publisher, projSvc)

	ns := cfg.EventBusProjectID

	// Shared worker group over dispatch announcements.
	dispatchConsumer, err := kafka.NewConsumer(cfg.Brokers(), ns+".workers", topics.JobEvents,
		kafka.Filter{"type": domain.EventJobDispatched}, w.HandleDispatchRecord)
	if err != nil {
		slog.Error("dispatch consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = dispatchConsumer.Close() }()

	// Per-worker cancellation broadcast subscription, removed on shutdown.
	cancelConsumer, err := kafka.NewEphemeralConsumer(cfg.Brokers(), ns+".cancel."+workerID, topics.Cancellations,
		kafka.Filter{"type": domain.EventCancel}, w.HandleCancelRecord)
	if err != nil {
		slog.Error("cancellation consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = cancelConsumer.Close() }()

	go func() {
		if err := cancelConsumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("cancellation consumer stopped", slog.Any("error", err))
		}
	}()

	if err := dispatchConsumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("dispatch consumer stopped", slog.Any("error", err))
	}

	// In-flight work is either finished by now or will be returned to
	// DISPATCHED by the lifecycle monitor.
	slog.Info("worker shutting down", slog.String("worker_id", workerID))
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool.Drain(drainCtx)
}
