package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	appcredits "github.com/fieldops/backend/internal/application/credits"
	"github.com/fieldops/backend/internal/infrastructure/cache"
	"github.com/fieldops/backend/internal/infrastructure/config"
	"github.com/fieldops/backend/internal/infrastructure/logger"
	"github.com/fieldops/backend/internal/infrastructure/metrics"
	"github.com/fieldops/backend/internal/infrastructure/persistence"
	"github.com/fieldops/backend/internal/infrastructure/scheduler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting credits worker",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	// Initialize database connection
	db, err := persistence.NewDatabaseWithLogger(&cfg.Database, log, cfg.Log.Level)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	// Availability cache: Redis when configured, per-process otherwise
	var availabilityCache appcredits.AvailabilityCache
	if cfg.Redis.Enabled {
		redisCache, err := cache.NewRedisAvailabilityCache(cache.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Credits.AvailabilityCacheTTL)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		availabilityCache = redisCache
		log.Info("Redis availability cache enabled")
	} else {
		availabilityCache = cache.NewInMemoryAvailabilityCache(cfg.Credits.AvailabilityCacheTTL)
	}

	// Wire repositories and services
	packRepo := persistence.NewGormPackRepository(db.DB)
	reservationRepo := persistence.NewGormReservationRepository(db.DB)
	txScope := persistence.NewGormCreditsTransactionScope(db.DB)

	consumptionService := appcredits.NewConsumptionService(
		txScope, packRepo, reservationRepo, availabilityCache, log,
		appcredits.ConsumptionConfig{ReservationTTL: cfg.Credits.ReservationTTL},
	)
	orchestrator := appcredits.NewRetryOrchestrator(
		consumptionService, reservationRepo, log,
		appcredits.RetryConfig{
			MaxAttempts:            cfg.Retry.MaxAttempts,
			BaseDelay:              cfg.Retry.BaseDelay,
			MaxDelay:               cfg.Retry.MaxDelay,
			FailOpen:               cfg.Retry.FailOpen,
			HandoffRetryDelay:      cfg.Retry.HandoffRetryDelay,
			HandoffDeadlinePadding: cfg.Retry.HandoffDeadlinePadding,
			MaxExtension:           cfg.Retry.MaxExtension,
		},
	)
	compensationService := appcredits.NewCompensationService(
		consumptionService, reservationRepo, log,
		appcredits.CompensationConfig{
			BatchSize:        cfg.Compensation.BatchSize,
			AttemptCeiling:   cfg.Compensation.AttemptCeiling,
			MinBackoff:       cfg.Compensation.MinBackoff,
			MaxBackoff:       cfg.Compensation.MaxBackoff,
			DeadlinePadding:  cfg.Compensation.DeadlinePadding,
			NearExpiryWindow: cfg.Compensation.NearExpiryWindow,
			StaleAfter:       cfg.Compensation.StaleAfter,
		},
	)
	metricsService := appcredits.NewMetricsService(
		reservationRepo, log,
		appcredits.MetricsConfig{
			SuccessRateWindow:        cfg.Alerts.SuccessRateWindow,
			NearExpiryWindow:         cfg.Compensation.NearExpiryWindow,
			SuccessRateWarning:       cfg.Alerts.SuccessRateWarning,
			SuccessRateCritical:      cfg.Alerts.SuccessRateCritical,
			CompensationQueueWarning: cfg.Alerts.CompensationQueueWarning,
			PendingBacklogWarning:    cfg.Alerts.PendingBacklogWarning,
		},
	)
	packService := appcredits.NewPackService(packRepo, availabilityCache, log)

	// Start the background worker
	worker := scheduler.NewCompensationWorker(
		compensationService, consumptionService, packService, metricsService,
		metrics.NewExporter(), log,
		scheduler.CompensationWorkerConfig{
			Enabled:                cfg.Worker.Enabled,
			CompensationInterval:   cfg.Worker.CompensationInterval,
			ReconciliationInterval: cfg.Worker.ReconciliationInterval,
			MetricsInterval:        cfg.Worker.MetricsInterval,
		},
	)
	if err := worker.Start(context.Background()); err != nil {
		log.Fatal("Failed to start compensation worker", zap.Error(err))
	}

	// Set Gin mode based on environment
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logger.GinMiddleware(log))
	engine.Use(logger.Recovery(log))

	engine.GET("/healthz", healthHandler(db))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	newCreditsHandler(consumptionService, orchestrator, packService).register(engine)

	srv := &http.Server{
		Addr:    ":" + cfg.App.Port,
		Handler: engine,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := worker.Stop(ctx); err != nil {
		log.Error("Worker forced to shutdown", zap.Error(err))
	}

	log.Info("Worker exited gracefully")
}

// healthHandler reports process and database health
func healthHandler(db *persistence.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"time":     time.Now().Format(time.RFC3339),
				"database": "error",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"time":     time.Now().Format(time.RFC3339),
			"database": "ok",
		})
	}
}
