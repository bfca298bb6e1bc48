package main

import (
	"context"
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
	"github.com/V4T54L/event-intake/internal/adapter/metrics"
	redisrepo "github.com/V4T54L/event-intake/internal/adapter/repository/redis"
	"github.com/V4T54L/event-intake/internal/adapter/tracking"
	"github.com/V4T54L/event-intake/internal/pkg/config"
	"github.com/V4T54L/event-intake/internal/pkg/logger"
	"github.com/V4T54L/event-intake/internal/usecase"
)

const processingInterval = 1 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log.Info("starting dispatcher worker")

	// Create a context that we can cancel on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info("shutdown signal received, stopping dispatcher...")
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.NewIngestMetrics(reg)

	metricsServer := &http.Server{
		Addr:    cfg.DispatcherAddr,
		Handler: api.NewAdminRouter(api.AdminDeps{Logger: log, Gatherer: reg}),
	}
	go func() {
		log.Info("starting metrics server", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()

	// Connect to Redis
	redisOpts, err := redis.ParseURL(cfg.RedisAddr)
	if err != nil {
		log.Error("failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	log.Info("connected to redis")

	// Create a unique consumer name for this instance
	consumerName, err := os.Hostname()
	if err != nil {
		log.Warn("could not get hostname for consumer name, using default", "error", err)
		consumerName = "dispatcher-default"
	}

	queue := redisrepo.NewNotificationQueue(redisClient, log, cfg.DispatchStream, cfg.DispatchDLQStream, cfg.DispatchGroup, nil, m)

	routes := tracking.BuildRoutes(tracking.EndpointConfig{
		tracking.Segment:  cfg.SegmentEndpoint,
		tracking.PostHog:  cfg.PostHogEndpoint,
		tracking.Mixpanel: cfg.MixpanelEndpoint,
	}, tracking.NewSimulatedSink(cfg.SimulatedFailureRate, log))
	creds := tracking.Credentials{
		SegmentWriteKey: cfg.SegmentWriteKey,
		PostHogAPIKey:   cfg.PostHogAPIKey,
		MixpanelToken:   cfg.MixpanelToken,
	}
	dispatch := usecase.NewDispatchUseCase(routes, creds, cfg.VendorTimeout, cfg.TrackingEnabled, m, log)

	process := usecase.NewProcessNotificationsUseCase(queue, dispatch, log, cfg.DispatchGroup, consumerName, cfg.DispatchBatchSize, cfg.DispatchWorkers, cfg.DispatchClaimIdle)

	ticker := time.NewTicker(processingInterval)
	defer ticker.Stop()

	log.Info("dispatcher worker started, processing notifications...", "group", cfg.DispatchGroup, "consumer", consumerName)

Loop:
	for {
		select {
		case <-ticker.C:
			// Drain everything that is ready before waiting for the next tick.
			for ctx.Err() == nil {
				n, err := process.ProcessBatch(ctx)
				if err != nil {
					log.Error("error processing batch", "error", err)
					break
				}
				if n == 0 {
					break
				}
			}
		case <-ctx.Done():
			log.Info("context cancelled, shutting down dispatcher loop")
			break Loop
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown failed", "error", err)
	}

	log.Info("dispatcher worker shut down gracefully")
}
