package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/pagerender/internal/common/config"
	"github.com/edgecomet/pagerender/internal/common/configtypes"
	logutil "github.com/edgecomet/pagerender/internal/common/logger"
	"github.com/edgecomet/pagerender/internal/common/metricsserver"
	"github.com/edgecomet/pagerender/internal/common/redis"
	"github.com/edgecomet/pagerender/internal/render/backend"
	"github.com/edgecomet/pagerender/internal/render/bitmapcache"
	"github.com/edgecomet/pagerender/internal/render/facade"
	"github.com/edgecomet/pagerender/internal/render/memwatch"
	"github.com/edgecomet/pagerender/internal/render/metrics"
	"github.com/edgecomet/pagerender/internal/render/raster"
	"github.com/edgecomet/pagerender/internal/render/registry"
	"github.com/edgecomet/pagerender/internal/render/resilience"
	"github.com/edgecomet/pagerender/internal/render/scheduler"
	"github.com/edgecomet/pagerender/internal/render/service"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("c", "configs/render-service.yaml",
		"Path to render service configuration file")
	flag.Parse()

	// Initialize logger (will be reconfigured from config)
	initialLogger, err := logutil.NewDefaultLogger()
	if err != nil {
		panic(err)
	}

	initialLogger.Info("Loading configuration", zap.String("path", *configPath))

	absPath, err := config.GetConfigPath(*configPath)
	if err != nil {
		initialLogger.Fatal("Invalid config path", zap.Error(err))
	}

	cfg, err := config.LoadConfig(absPath)
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Uses INFO during startup if the configured level is higher
	dynamicLogger, err := logutil.NewLoggerWithStartupOverride(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}

	logger := dynamicLogger.Logger

	logger.Info("Render Service starting",
		zap.String("rs", cfg.Server.ID),
		zap.String("listen", cfg.Server.Listen),
		zap.Int("parallelism", cfg.Scheduler.Parallelism))

	metricsCollector := metrics.NewMetricsCollector(cfg.Metrics.Namespace, logger)

	pageBudget := bitmapcache.ComputeBudget(cfg.Cache.Page.LimitBytes, cfg.Cache.Page.FloorBytes)
	pageCache, err := bitmapcache.New[bitmapcache.PageKey, *backend.Bitmap]("page", pageBudget, logger)
	if err != nil {
		logger.Fatal("Failed to create page cache", zap.Error(err))
	}
	tileBudget := bitmapcache.ComputeBudget(cfg.Cache.Tile.LimitBytes, cfg.Cache.Tile.FloorBytes)
	tileCache, err := bitmapcache.New[bitmapcache.TileKey, *backend.Bitmap]("tile", tileBudget, logger)
	if err != nil {
		logger.Fatal("Failed to create tile cache", zap.Error(err))
	}

	controller := resilience.NewController(logger, pageCache, tileCache)

	schedulerConfig := cfg.SchedulerSettings()
	sched, err := scheduler.New(&schedulerConfig, logger, metricsCollector)
	if err != nil {
		logger.Fatal("Failed to create scheduler", zap.Error(err))
	}

	engine := facade.New(sched, pageCache, tileCache, controller, metricsCollector, logger)

	metricsCollector.TrackCache("page", pageCache.Snapshot)
	metricsCollector.TrackCache("tile", tileCache.Snapshot)
	metricsCollector.TrackResilience(controller.State)

	metricsServer, err := metricsserver.Start(cfg.Metrics, metricsCollector, logger)
	if err != nil {
		logger.Fatal("Failed to start metrics server", zap.Error(err))
	}

	rasterConfig := cfg.RasterSettings()
	openDocument := func(path string) (backend.Document, backend.Backend, error) {
		doc, err := raster.Open(path, rasterConfig, logger)
		if err != nil {
			return nil, nil, err
		}
		return doc, doc.Legacy(), nil
	}

	svc := service.New(engine, openDocument, service.Config{
		DocumentsRoot: cfg.Documents.Root,
		RenderTimeout: cfg.Server.RenderTimeout.ToDuration(),
	}, metricsCollector, dynamicLogger, logger)

	serverTimeout := cfg.Server.ServerTimeout()
	server := &fasthttp.Server{
		Handler:      service.CreateHTTPHandler(svc),
		ReadTimeout:  serverTimeout,
		WriteTimeout: serverTimeout,
		IdleTimeout:  serverTimeout,
		Name:         "RenderService/" + cfg.Server.ID,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("listen", cfg.Server.Listen))
		if err := server.ListenAndServe(cfg.Server.Listen); err != nil {
			serverErrCh <- err
		}
	}()

	// Wait briefly for HTTP server to start listening
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-serverErrCh:
		logger.Fatal("HTTP server failed to start", zap.Error(err))
	default:
	}

	var watcher *memwatch.Watcher
	if cfg.MemoryWatch.Enabled {
		watcher, err = memwatch.New(cfg.MemoryWatchSettings(), engine, metricsCollector, logger)
		if err != nil {
			logger.Fatal("Failed to create memory watcher", zap.Error(err))
		}
		watcher.Start()
	}

	var (
		redisClient *redis.Client
		heartbeat   *registry.Heartbeat
	)
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(&cfg.Redis, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}

		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = cfg.Server.ID
		}

		// Validated by config
		listen, _ := configtypes.ParseListen(cfg.Server.Listen)

		info := registry.ServiceInfo{
			ID:       cfg.Server.ID,
			Address:  listen.AdvertiseHost(hostname),
			Port:     listen.Port,
			Capacity: sched.Parallelism(),
			Version:  version,
			Metadata: map[string]string{registry.MetaHostname: hostname},
		}

		heartbeat = registry.NewHeartbeat(registry.NewServiceRegistry(redisClient, logger), info,
			func() registry.Status {
				d := engine.Diagnostics()
				return registry.Status{
					Active:         d.Scheduler.Active,
					Queued:         d.Scheduler.TotalQueued(),
					FallbackMode:   d.FallbackMode.String(),
					CircuitBreaker: d.CircuitBreakerActive,
					DocumentID:     d.DocumentID,
				}
			}, registry.HeartbeatInterval, logger)

		if err := heartbeat.Start(); err != nil {
			logger.Fatal("Failed to register service", zap.Error(err))
		}
	}

	logger.Info("Render Service ready",
		zap.String("rs", cfg.Server.ID),
		zap.String("listen", cfg.Server.Listen),
		zap.Int64("page_cache_bytes", pageBudget),
		zap.Int64("tile_cache_bytes", tileBudget),
		zap.Bool("registry", heartbeat != nil),
		zap.Bool("memory_watch", watcher != nil))

	// Switch to configured log level after startup is complete
	dynamicLogger.SwitchToConfiguredLevel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		logger.Error("Server error", zap.Error(err))
	}

	dynamicLogger.EnsureInfoLevelForShutdown()
	logger.Info("Shutting down gracefully...")

	// Unregister first so no new traffic is routed here
	if heartbeat != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := heartbeat.Stop(stopCtx); err != nil {
			logger.Error("Failed to deregister service", zap.Error(err))
		} else {
			logger.Info("Successfully deregistered from Redis")
		}
		stopCancel()
	}

	if watcher != nil {
		watcher.Stop()
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(); err != nil {
			logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverTimeout)
	defer shutdownCancel()
	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	if err := sched.Shutdown(); err != nil {
		logger.Error("Scheduler shutdown error", zap.Error(err))
	}
	engine.CloseDocument()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}

	logger.Info("Render Service stopped")
}
