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

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"activity-sync/internal/app"
	"activity-sync/internal/config"
	"activity-sync/internal/handlers"
	"activity-sync/internal/metrics"
	"activity-sync/internal/middleware"
	"activity-sync/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := app.NewJSONLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("Starting activity-sync server",
		"host", cfg.Host,
		"port", cfg.Port,
		"database_driver", cfg.DatabaseDriver,
		"provider", cfg.ProviderName,
		"log_level", cfg.LogLevel)

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	logger.Info("Database opened successfully")

	// Set up HTTP routes
	router := mux.NewRouter()

	webhookHandler := handlers.NewWebhookHandler(a.Registry, a.DB, a.WebhookLog, cfg.ProviderName, logger.With("component", "webhook"))
	router.Handle("/webhook", middleware.WrapHandler(metrics.EndpointWebhook, webhookHandler.HandleEvent)).Methods(http.MethodPost)

	apiHandler := handlers.NewAPIHandler(a.DB, a.Registry, a.Badges, a.Syncer, a.Progress, cfg.Location(), logger.With("component", "api"))
	apiHandler.Register(router, cfg.InternalAPIKey)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // batch syncs run inside the request
		IdleTimeout:  120 * time.Second,
	}

	// Start sync job worker in background
	workerInstance := worker.NewWorker(a.DB, a.Syncer, cfg.WorkerPollInterval, logger.With("component", "worker"))
	workerInstance.SetThrottle(a.Provider, cfg.RateLimitThrottlePercent)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go func() {
		if err := workerInstance.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Sync worker failed", "error", err)
		}
	}()

	// Start metrics server and queue depth collector if enabled
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		go func() {
			logger.Info("Starting queue depth collector")
			metrics.StartQueueDepthCollector(workerCtx, a.DB, 15*time.Second)
		}()

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())

		metricsAddr := fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort)
		metricsServer = &http.Server{
			Addr:    metricsAddr,
			Handler: metricsMux,
		}

		go func() {
			logger.Info("Metrics server listening", "addr", metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Start HTTP server in background
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	workerCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", "error", err)
		}
	}

	logger.Info("Server stopped")
}
