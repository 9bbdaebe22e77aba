// Package main provides the entry point for the storage service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"asisaid.cn/unistore/internal/catalog"
	"asisaid.cn/unistore/internal/common/config"
	"asisaid.cn/unistore/internal/common/logger"
	"asisaid.cn/unistore/internal/common/ratelimit"
	"asisaid.cn/unistore/internal/common/retry"
	"asisaid.cn/unistore/internal/drivercache"
	"asisaid.cn/unistore/internal/service"
	httpapi "asisaid.cn/unistore/pkg/api/http"
)

var (
	configPath = flag.String("config", "", "path to config file")
	version    = "dev"
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logCfg := logger.Config{
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
		Output:      cfg.Logger.Output,
		Development: cfg.Logger.Development,
	}
	if err := logger.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.WithComponent("main")
	log.Info("starting storage service",
		zap.String("version", version),
		zap.String("backend", string(cfg.Storage.Kind)),
	)

	// Initialize upload catalog
	var store catalog.Store
	if cfg.Catalog.Enabled {
		badgerStore, err := catalog.NewBadgerStore(cfg.Catalog.Path)
		if err != nil {
			log.Fatal("failed to initialize upload catalog", zap.Error(err))
		}
		store = badgerStore
	}

	// Create storage service
	limiter := ratelimit.New(cfg.Limits.RateWindow, cfg.Limits.RateMax)
	svc := service.NewStorageService(cfg.Storage, service.Options{
		Cache:   drivercache.New(cfg.Limits.DriverCacheSize, nil),
		Catalog: store,
		Limiter: limiter,
		Retry: retry.Config{
			MaxAttempts: cfg.Limits.RetryAttempts,
			BaseDelay:   cfg.Limits.RetryBaseDelay,
			MaxDelay:    cfg.Limits.RetryMaxDelay,
		},
		MaxConcurrent: cfg.Limits.MaxConcurrent,
	})
	defer svc.Close()

	// Fail fast on an unusable default backend
	if _, err := svc.Driver(context.Background(), service.Target{}); err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}

	// Create HTTP handler
	handler := httpapi.NewHandler(svc, httpapi.Options{StreamThreshold: cfg.Server.StreamThreshold})

	// Setup Gin
	if !cfg.Logger.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpapi.RequestID())
	router.Use(httpapi.Logger())
	router.Use(httpapi.Metrics())

	// Register routes
	handler.RegisterRoutes(router)

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	// Drop idle rate limit windows
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(limiter.Window())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := limiter.Sweep(); n > 0 {
					log.Debug("expired rate limit windows removed", zap.Int("count", n))
				}
			case <-sweepDone:
				return
			}
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	close(sweepDone)

	log.Info("shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited")
}
