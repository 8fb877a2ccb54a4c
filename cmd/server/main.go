package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"air-quality-platform/internal/cache"
	"air-quality-platform/internal/config"
	"air-quality-platform/internal/handlers"
	"air-quality-platform/internal/services"
	"air-quality-platform/internal/watcher"
	"air-quality-platform/pkg/logging"
	"air-quality-platform/pkg/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("air-quality-api", "1.0.0", logging.ParseLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "[STARTUP] Starting air quality API server", logging.Fields{
		"version":      "1.0.0",
		"server_host":  cfg.Server.Host,
		"server_port":  cfg.Server.Port,
		"dataset_path": cfg.Server.DatasetPath,
		"redis":        cfg.Redis.Enabled(),
	})

	metricsCollector := metrics.NewCollector("air_quality_api")

	// Optional response cache; the API works without it
	var responses services.ResponseCache
	if cfg.Redis.Enabled() {
		client, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn(ctx, "[CACHE_UNAVAILABLE] Serving without response cache", logging.Fields{
				"addr":  cfg.Redis.Addr,
				"error": err.Error(),
			})
		} else {
			defer client.Close()
			responses = cache.NewQueryCache(client, cfg.Server.CacheTTL)
		}
	}

	queries := services.NewQueryService(responses, cfg.Pipeline.Workers, logger, metricsCollector)
	if err := queries.Load(ctx, cfg.Server.DatasetPath); err != nil {
		logger.Warn(ctx, "[DATASET_MISSING] No dataset loaded yet, waiting for the pipeline", logging.Fields{
			"path":  cfg.Server.DatasetPath,
			"error": err.Error(),
		})
	}

	// Reload whenever the pipeline replaces the dataset
	if err := os.MkdirAll(filepath.Dir(cfg.Server.DatasetPath), 0o755); err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to create dataset directory", logging.Fields{}, err)
	}
	datasetWatcher, err := watcher.NewDatasetWatcher(cfg.Server.DatasetPath, watcher.DefaultDebounce, queries.Load, logger)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to watch dataset", logging.Fields{}, err)
	}
	go func() {
		if err := datasetWatcher.Run(ctx); err != nil {
			logger.Error(ctx, "[WATCHER_ERROR] Dataset watcher stopped", logging.Fields{}, err)
		}
	}()

	measurementHandler := handlers.NewMeasurementHandler(queries, logger, metricsCollector)

	router := mux.NewRouter()
	measurementHandler.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[SERVER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	<-ctx.Done()

	logger.Info(context.Background(), "[SHUTDOWN] Shutting down server...", logging.Fields{})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
	}

	logger.Info(shutdownCtx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}
