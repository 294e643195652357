package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jwalitptl/clinical-api/config"
	"github.com/jwalitptl/clinical-api/internal/repository/postgres"
	cleanupWorker "github.com/jwalitptl/clinical-api/internal/worker"
	"github.com/jwalitptl/clinical-api/pkg/logger"
	"github.com/jwalitptl/clinical-api/pkg/messaging/redis"
	"github.com/jwalitptl/clinical-api/pkg/metrics"
	"github.com/jwalitptl/clinical-api/pkg/worker"
)

// healthPortOffset places /health and /metrics next to the API port.
const healthPortOffset = 1

type starter interface {
	Start(ctx context.Context)
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	level := logger.ParseLevel(cfg.Monitoring.LogLevel)
	zerolog.SetGlobalLevel(level)
	log := logger.NewLogger(&logger.Config{Level: level, TimeFormat: time.RFC3339, Console: cfg.Monitoring.LogConsole})

	if cfg.Storage.Driver != config.StorageDriverPostgres {
		log.Fatal(errors.New("worker requires postgres storage"), "Unsupported storage driver",
			"driver", cfg.Storage.Driver)
	}

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal(err, "Failed to connect to database")
	}
	defer db.Close()

	m := metrics.NewMetrics(cfg.Monitoring.Namespace+"_worker", prometheus.DefaultRegisterer)

	broker, err := redis.NewRedisBroker(cfg.Redis.ToBrokerConfig(), &log.ZL, redis.WithMetrics(m))
	if err != nil {
		log.Fatal(err, "Failed to create Redis broker")
	}
	defer broker.Close()

	// Initialize repositories
	baseRepo := postgres.NewBaseRepository(db)
	outboxRepo := postgres.NewOutboxRepository(baseRepo)
	auditRepo := postgres.NewAuditRepository(baseRepo)

	workers := []starter{
		worker.NewOutboxProcessor(outboxRepo, broker, cfg.Outbox.ToWorkerConfig(), log, m),
		cleanupWorker.NewAuditCleanupWorker(auditRepo, cfg.Audit.RetentionDays, cfg.Audit.CleanupInterval, log),
		cleanupWorker.NewOutboxCleanupWorker(outboxRepo, cfg.Outbox.Retention, cfg.Audit.CleanupInterval, log),
	}

	// Setup health check endpoints
	srv := healthServer(cfg.Server.Port+healthPortOffset, func(ctx context.Context) error {
		if err := baseRepo.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if err := broker.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	})
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "Health server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Shutting down...")
		cancel()
	}()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w starter) {
			defer wg.Done()
			w.Start(ctx)
		}(w)
	}
	log.Info("Worker started", "workers", len(workers))
	wg.Wait()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
}

func healthServer(port int, ready func(context.Context) error) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := ready(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
