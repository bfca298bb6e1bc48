package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/event-intake/internal/adapter/api"
	"github.com/V4T54L/event-intake/internal/adapter/api/handler"
	"github.com/V4T54L/event-intake/internal/adapter/cache"
	"github.com/V4T54L/event-intake/internal/adapter/metrics"
	"github.com/V4T54L/event-intake/internal/adapter/pii"
	"github.com/V4T54L/event-intake/internal/adapter/repository/memory"
	pebblestore "github.com/V4T54L/event-intake/internal/adapter/repository/pebble"
	"github.com/V4T54L/event-intake/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/event-intake/internal/adapter/repository/redis"
	"github.com/V4T54L/event-intake/internal/adapter/repository/wal"
	"github.com/V4T54L/event-intake/internal/adapter/tracking"
	"github.com/V4T54L/event-intake/internal/domain"
	"github.com/V4T54L/event-intake/internal/pkg/config"
	"github.com/V4T54L/event-intake/internal/pkg/logger"
	"github.com/V4T54L/event-intake/internal/usecase"

	_ "github.com/lib/pq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewIngestMetrics(reg)

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Durable Store ---
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open event store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// --- Fan-out ---
	var (
		publisher  domain.NotificationPublisher
		queueAdmin handler.QueueAdmin
	)
	switch cfg.DispatchMode {
	case config.DispatchQueue:
		redisOpts, err := redis.ParseURL(cfg.RedisAddr)
		if err != nil {
			logger.Error("failed to parse redis url", "error", err)
			os.Exit(1)
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("could not connect to redis, will proceed in WAL-only mode", "error", err)
		}

		walRepo, err := wal.NewWALRepository(cfg.WALPath, cfg.WALSegmentSize, cfg.WALMaxDiskSize, logger)
		if err != nil {
			logger.Error("failed to initialize WAL repository", "error", err)
			os.Exit(1)
		}
		defer walRepo.Close()

		queue := redisrepo.NewNotificationQueue(redisClient, logger, cfg.DispatchStream, cfg.DispatchDLQStream, cfg.DispatchGroup, walRepo, m)
		go queue.StartHealthCheck(ctx, 5*time.Second)
		publisher = queue

		adminRepo := redisrepo.NewAdminRepository(redisClient, logger)
		queueAdmin = usecase.NewQueueAdminUseCase(adminRepo, cfg.DispatchStream, cfg.DispatchDLQStream, cfg.DispatchGroup)
	default:
		publisher = newDispatcher(cfg, m, logger)
	}

	// --- Ingestion Service ---
	recent := cache.NewRecencyCache(cfg.CacheCapacity)
	redactor := pii.NewRedactor(cfg.PIIRedactionFields, logger)
	events := usecase.NewIngestEventUseCase(store, recent, publisher, redactor, m, logger)
	if err := events.Warm(ctx); err != nil {
		logger.Warn("failed to warm recency cache, serving reads from the store", "error", err)
	}

	rates := handler.NewRateBroker(ctx, logger, time.Second)

	// --- Start Admin and Metrics Server ---
	adminServer := &http.Server{
		Addr: cfg.AdminServerAddr,
		Handler: api.NewAdminRouter(api.AdminDeps{
			Logger:     logger,
			Gatherer:   reg,
			QueueAdmin: queueAdmin,
			RateStream: rates,
		}),
	}

	go func() {
		logger.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin & metrics server failed", "error", err)
		}
	}()

	// --- Initialize Ingest Server ---
	ingestServer := &http.Server{
		Addr: cfg.IngestServerAddr,
		Handler: api.NewRouter(api.RouterDeps{
			Logger:      logger,
			Metrics:     m,
			Events:      events,
			Outcomes:    rates,
			MaxBodySize: cfg.MaxBodySize,
		}),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	go func() {
		logger.Info("starting ingest server", "addr", ingestServer.Addr, "store", cfg.StoreBackend, "dispatch", cfg.DispatchMode)
		if err := ingestServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ingest server failed", "error", err)
			stop() // Trigger shutdown on server error
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down servers...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := ingestServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ingest server shutdown failed", "error", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "error", err)
	}

	logger.Info("servers shut down gracefully")
}

// openStore opens the configured durable store. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.EventStore, func(), error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		repo := postgres.NewEventRepository(db, logger)
		if err := repo.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return repo, func() { db.Close() }, nil

	case config.StoreMemory:
		logger.Warn("using in-memory event store, events will not survive a restart")
		return memory.NewEventRepository(), func() {}, nil

	default:
		mode, err := pebblestore.ParseFsyncMode(cfg.PebbleFsync)
		if err != nil {
			return nil, nil, err
		}
		repo, err := pebblestore.NewEventRepository(pebblestore.Options{
			DataDir:       cfg.PebbleDir,
			Fsync:         mode,
			FsyncInterval: 100 * time.Millisecond,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				logger.Error("failed to close pebble store", "error", err)
			}
		}, nil
	}
}

// newDispatcher builds the in-process fan-out to the three vendors.
func newDispatcher(cfg *config.Config, m *metrics.IngestMetrics, logger *slog.Logger) *usecase.DispatchUseCase {
	routes := tracking.BuildRoutes(tracking.EndpointConfig{
		tracking.Segment:  cfg.SegmentEndpoint,
		tracking.PostHog:  cfg.PostHogEndpoint,
		tracking.Mixpanel: cfg.MixpanelEndpoint,
	}, tracking.NewSimulatedSink(cfg.SimulatedFailureRate, logger))

	creds := tracking.Credentials{
		SegmentWriteKey: cfg.SegmentWriteKey,
		PostHogAPIKey:   cfg.PostHogAPIKey,
		MixpanelToken:   cfg.MixpanelToken,
	}
	return usecase.NewDispatchUseCase(routes, creds, cfg.VendorTimeout, cfg.TrackingEnabled, m, logger)
}
