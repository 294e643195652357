package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/clinical-api/config"
	auditHandler "github.com/jwalitptl/clinical-api/internal/handler/audit"
	recordHandler "github.com/jwalitptl/clinical-api/internal/handler/clinicalrecord"
	chartHandler "github.com/jwalitptl/clinical-api/internal/handler/dentalchart"
	"github.com/jwalitptl/clinical-api/internal/handler/health"
	"github.com/jwalitptl/clinical-api/internal/middleware"
	"github.com/jwalitptl/clinical-api/internal/repository"
	"github.com/jwalitptl/clinical-api/internal/repository/memory"
	"github.com/jwalitptl/clinical-api/internal/repository/postgres"
	"github.com/jwalitptl/clinical-api/internal/router"
	auditService "github.com/jwalitptl/clinical-api/internal/service/audit"
	recordService "github.com/jwalitptl/clinical-api/internal/service/clinicalrecord"
	chartService "github.com/jwalitptl/clinical-api/internal/service/dentalchart"
	eventService "github.com/jwalitptl/clinical-api/internal/service/event"
	cleanupWorker "github.com/jwalitptl/clinical-api/internal/worker"
	"github.com/jwalitptl/clinical-api/pkg/auth"
	"github.com/jwalitptl/clinical-api/pkg/logger"
	"github.com/jwalitptl/clinical-api/pkg/messaging/redis"
	"github.com/jwalitptl/clinical-api/pkg/metrics"
	"github.com/jwalitptl/clinical-api/pkg/worker"
)

// storage bundles the repositories of one driver.
type storage struct {
	records repository.ClinicalRecordRepository
	visits  repository.VisitRepository
	charts  repository.ChartRepository
	audit   repository.AuditRepository
	outbox  repository.OutboxRepository
	pinger  health.Pinger
	close   func() error
}

func openStorage(cfg *config.Config) (*storage, error) {
	switch cfg.Storage.Driver {
	case config.StorageDriverMemory:
		store := memory.NewStore()
		return &storage{
			records: store.Records(),
			visits:  store.Visits(),
			charts:  store.Charts(),
			audit:   store.Audit(),
			outbox:  store.Outbox(),
			pinger:  store,
			close:   func() error { return nil },
		}, nil
	default:
		db, err := postgres.NewDB(cfg.Database)
		if err != nil {
			return nil, err
		}
		if cfg.Database.AutoMigrate {
			n, err := postgres.Migrate(context.Background(), db)
			if err != nil {
				db.Close()
				return nil, err
			}
			log.Info().Int("applied", n).Msg("database migrated")
		}
		base := postgres.NewBaseRepository(db)
		return &storage{
			records: postgres.NewClinicalRecordRepository(base),
			visits:  postgres.NewVisitRepository(base),
			charts:  postgres.NewChartRepository(base),
			audit:   postgres.NewAuditRepository(base),
			outbox:  postgres.NewOutboxRepository(base),
			pinger:  &base,
			close:   db.Close,
		}, nil
	}
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level := logger.ParseLevel(cfg.Monitoring.LogLevel)
	zerolog.SetGlobalLevel(level)
	if cfg.Monitoring.LogConsole {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	appLogger := logger.NewLogger(&logger.Config{Level: level, TimeFormat: time.RFC3339, Console: cfg.Monitoring.LogConsole})

	store, err := openStorage(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("failed to open storage")
	}
	defer store.close()

	m := metrics.NewMetrics(cfg.Monitoring.Namespace, prometheus.DefaultRegisterer)

	// Initialize services
	events := eventService.NewEventService(store.outbox)
	auditor := auditService.NewService(store.audit)
	records := recordService.NewService(store.records, store.visits, events, auditor,
		recordService.WithLogger(appLogger))
	charts := chartService.NewService(store.records, store.charts, events, auditor,
		chartService.WithCache(cfg.Cache.ChartTTL, cfg.Cache.CleanupInterval),
		chartService.WithMetrics(m),
		chartService.WithLogger(appLogger),
	)

	routerCfg := router.RouterConfig{
		Mode:           cfg.Server.Mode,
		CORSConfig:     middleware.DefaultCORSConfig(),
		Security:       middleware.DefaultSecurityConfig(),
		RequestTimeout: cfg.Server.RequestTimeout,
	}
	if cfg.Monitoring.PrometheusEnabled {
		routerCfg.MetricsPath = cfg.Monitoring.MetricsPath
	}
	if cfg.RateLimit.Enabled {
		routerCfg.RateLimit = &middleware.RateLimiterConfig{
			Rate:  rate.Limit(cfg.RateLimit.RequestsPerSecond),
			Burst: cfg.RateLimit.Burst,
		}
	}

	authMiddleware := middleware.NewAuthMiddleware(auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TTL()))
	r, err := router.NewRouter(
		authMiddleware,
		health.NewHandler(map[string]health.Pinger{"storage": store.pinger}),
		m,
		routerCfg,
		recordHandler.NewHandler(records),
		chartHandler.NewHandler(charts),
		auditHandler.NewHandler(records, authMiddleware),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build router")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// The worker binary cannot reach an in-process store, so memory mode runs
	// delivery and cleanup here.
	if cfg.Storage.Driver == config.StorageDriverMemory {
		startBackground(ctx, cfg, store, appLogger, m)
	}

	// Create server
	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        r.Engine(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	// Start server
	go func() {
		log.Info().Int("port", cfg.Server.Port).Str("storage", cfg.Storage.Driver).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited properly")
}

func startBackground(ctx context.Context, cfg *config.Config, store *storage, appLogger *logger.Logger, m *metrics.Metrics) {
	go cleanupWorker.NewAuditCleanupWorker(store.audit, cfg.Audit.RetentionDays, cfg.Audit.CleanupInterval, appLogger).Start(ctx)
	go cleanupWorker.NewOutboxCleanupWorker(store.outbox, cfg.Outbox.Retention, cfg.Audit.CleanupInterval, appLogger).Start(ctx)

	broker, err := redis.NewRedisBroker(cfg.Redis.ToBrokerConfig(), &appLogger.ZL, redis.WithMetrics(m))
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, outbox events will stay pending")
		return
	}
	processor := worker.NewOutboxProcessor(store.outbox, broker, cfg.Outbox.ToWorkerConfig(), appLogger, m)
	go func() {
		defer broker.Close()
		processor.Start(ctx)
	}()
}
