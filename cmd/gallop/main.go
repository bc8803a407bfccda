package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/stridelabs/gallop/api"
	"github.com/stridelabs/gallop/internal/config"
	"github.com/stridelabs/gallop/internal/drift"
	"github.com/stridelabs/gallop/internal/events"
	"github.com/stridelabs/gallop/internal/registry"
	"github.com/stridelabs/gallop/internal/scheduler"
	"github.com/stridelabs/gallop/internal/store"
	"github.com/stridelabs/gallop/internal/training"
	"github.com/stridelabs/gallop/pkg/logger"
	"github.com/stridelabs/gallop/pkg/metrics"
	"github.com/stridelabs/gallop/pkg/models"
	"github.com/stridelabs/gallop/pkg/otel"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Create logger
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()
	sugar := zapLogger.Sugar()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Telemetry providers
	otelShutdown, err := otel.Setup(context.Background(), otel.Config{
		ServiceName:   "gallop",
		EnableTracing: cfg.Telemetry.EnableTracing,
		EnableMetrics: cfg.Telemetry.EnableMetrics,
	})
	if err != nil {
		zapLogger.Warn("Telemetry setup incomplete", zap.Error(err))
	}

	// Connect the prediction and run-history store
	db, err := store.Open(
		cfg.Database.Driver,
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	st := store.NewStore(db, sugar)
	if err := st.AutoMigrate(context.Background()); err != nil {
		zapLogger.Fatal("Failed to migrate database schema", zap.Error(err))
	}

	// Schedule DB pool metrics collection every 30s
	tickerDB := time.NewTicker(30 * time.Second)
	go func() {
		for range tickerDB.C {
			if sqlDB, err := db.DB(); err == nil {
				stats := sqlDB.Stats()
				metrics.DBOpenConns.WithLabelValues(cfg.Database.Driver).Set(float64(stats.OpenConnections))
				metrics.DBIdleConns.WithLabelValues(cfg.Database.Driver).Set(float64(stats.Idle))
				metrics.DBInUseConns.WithLabelValues(cfg.Database.Driver).Set(float64(stats.InUse))
			}
		}
	}()

	// Event publisher
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Kafka.EnableEvents {
		kafkaCfg := events.DefaultKafkaConfig()
		kafkaCfg.Brokers = cfg.Kafka.Brokers
		kafkaCfg.TopicPrefix = cfg.Kafka.TopicPrefix
		publisher = events.NewKafkaPublisher(kafkaCfg, "gallop", sugar)
	}

	// Core components
	reg := registry.NewRegistry(registry.DefaultConfig(), sugar)
	monitor := drift.NewMonitor(drift.Config{
		PerformanceThreshold:   cfg.Drift.PerformanceThreshold,
		ConceptThreshold:       cfg.Drift.ConceptThreshold,
		WinAccuracyThreshold:   cfg.Drift.WinAccuracyThreshold,
		PlaceAccuracyThreshold: cfg.Drift.PlaceAccuracyThreshold,
		CooldownPeriod:         cfg.Drift.CooldownPeriod,
		HistoryWindow:          cfg.Drift.HistoryWindow,
	}, reg, sugar)
	monitor.SetAlertCallback(func(alert models.DriftAlert) error {
		return publisher.PublishDriftAlert(context.Background(), &alert)
	})

	orchestrator := training.NewOrchestrator(
		training.Config{
			MinDataPoints:        cfg.Training.MinDataPoints,
			Strategy:             models.TrainingStrategy(cfg.Training.Strategy),
			AutoPromoteThreshold: cfg.Training.AutoPromoteThreshold,
			TrainerTimeout:       cfg.Training.TrainerTimeout,
		},
		reg,
		st,
		training.NewRankingFeatureBuilder(),
		training.DefaultTrainers(time.Now().UnixNano()),
		training.RegistryBaseline(reg, cfg.Training.FallbackBaseline),
		st,
		sugar,
	)

	sched := scheduler.NewScheduler(
		scheduler.Config{
			MaxConcurrentJobs:    cfg.Scheduler.MaxConcurrentJobs,
			PollInterval:         cfg.Scheduler.PollInterval,
			ErrorBackoff:         cfg.Scheduler.ErrorBackoff,
			PerformanceThreshold: cfg.Scheduler.PerformanceThreshold,
			CompletedGracePeriod: cfg.Scheduler.CompletedGracePeriod,
			CompletedHistorySize: cfg.Scheduler.CompletedHistorySize,
		},
		reg, monitor, orchestrator, st, publisher, sugar,
	)
	if err := sched.Start(); err != nil {
		zapLogger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// Queue retraining for drifted models every 5 minutes. Models already
	// holding a pending or running job are skipped; the cooldown makes any
	// duplicate that slips through a fast no-op.
	driftTicker := time.NewTicker(5 * time.Minute)
	go func() {
		for range driftTicker.C {
			queueDriftJobs(sched, zapLogger)
		}
	}()

	// Create API server
	apiServer := api.NewServer(zapLogger, reg, monitor, orchestrator, sched, st, cfg.Server.AllowedOrigins)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down server...")

	tickerDB.Stop()
	driftTicker.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	sched.Stop()
	if err := publisher.Close(); err != nil {
		zapLogger.Error("Failed to close event publisher", zap.Error(err))
	}
	if otelShutdown != nil {
		if err := otelShutdown(shutdownCtx); err != nil {
			zapLogger.Error("Telemetry shutdown failed", zap.Error(err))
		}
	}

	zapLogger.Info("Server exited properly")
}

// queueDriftJobs closes the drift feedback loop: every model the scheduler
// reports as needing retraining gets a drift_detected job, unless one is
// already in flight.
func queueDriftJobs(sched *scheduler.Scheduler, zapLogger *zap.Logger) {
	needs := sched.CheckRetrainingNeeds()
	if len(needs.ModelsNeedingRetrain) == 0 {
		return
	}

	inflight := make(map[string]bool)
	for _, job := range sched.RecentJobs(0) {
		if !job.Status.Terminal() {
			inflight[job.ModelID] = true
		}
	}

	for _, modelID := range needs.ModelsNeedingRetrain {
		if inflight[modelID] {
			continue
		}
		job, err := sched.QueueRetrainingJob(context.Background(), modelID, models.TriggerDriftDetected)
		if err != nil {
			zapLogger.Error("Failed to queue drift retraining",
				zap.String("model_id", modelID), zap.Error(err))
			continue
		}
		zapLogger.Info("Queued drift retraining",
			zap.String("model_id", modelID),
			zap.String("job_id", job.JobID),
			zap.String("evidence", needs.Reasons[modelID]))
	}
}
