package main

import (
	"context"

	"github.com/driftworks/cascade/internal/batch"
	appconfig "github.com/driftworks/cascade/internal/config"
	"github.com/driftworks/cascade/internal/cooldown"
	"github.com/driftworks/cascade/internal/generator"
	"github.com/driftworks/cascade/internal/learning"
	"github.com/driftworks/cascade/internal/ops"
	"github.com/driftworks/cascade/internal/pipeline"
	"github.com/driftworks/cascade/internal/platform"
	"github.com/driftworks/cascade/internal/queue"
	"github.com/driftworks/cascade/internal/settings"
	"github.com/driftworks/cascade/internal/state"
	"github.com/driftworks/cascade/internal/stats"
	"github.com/driftworks/cascade/pkg/config"
	"github.com/driftworks/cascade/pkg/database"
	"github.com/driftworks/cascade/pkg/logging"
	"github.com/driftworks/cascade/pkg/monitoring"
	"github.com/driftworks/cascade/pkg/server"
	"github.com/driftworks/cascade/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("cascade")
	config.LoadEnv(logger)

	logger.Info("Starting Cascade (Content Orchestrator)")

	cfg := appconfig.LoadConfig()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("cascade", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("cascade", version.Version, version.GitCommit)

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.DatabaseURL
	db := database.MustConnect(dbConfig, logger)
	defer func() { _ = db.Close() }()

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))

	// Stores
	settingsStore := settings.NewSQLStore(db)
	snap, err := settings.Take(context.Background(), settingsStore)
	if err != nil {
		logger.WithError(err).Warn("Failed to load system settings; using defaults")
	}

	taskStore := queue.NewSQLStore(db, cfg.WorkerID, snap.TaskMaxRetries())
	stateStore := state.NewSQLStore(db)
	checkpoints := pipeline.NewSQLCheckpointStore(db)
	metricsStore := pipeline.NewSQLMetricsStore(db)
	cooldowns := cooldown.NewChecker(db)

	baselines := stats.NewBaselineStore(db)
	adjustments := stats.NewAdjustmentStore(db)
	predictions := stats.NewPredictionStore(db)
	hypotheses := stats.NewHypothesisStore(db)
	recipes := stats.NewRecipeStore(db)
	promoter := learning.NewPromoter(db)
	dedup := learning.NewDeduper(db)

	// Platform adapters. Stub mode fakes every platform for local runs;
	// real adapters register themselves here as they land.
	adapters := platform.NewRegistry()
	if cfg.StubMode {
		for _, name := range cfg.Platforms {
			adapters.Register(name, platform.NewStubAdapter(name))
		}
		logger.WithField("platforms", cfg.Platforms).Warn("Running with stub platform adapters")
	}

	gen := generator.NewDispatcher(
		generator.NewStubGenerator("video"),
		generator.NewStubGenerator("text"),
	)

	// Loop metrics
	iterations, tasksProcessed, queueDepth := metricsCollector.CreatePipelineMetrics()
	loopMetrics := &pipeline.Metrics{
		Iterations: iterations,
		Tasks:      tasksProcessed,
		QueueDepth: queueDepth,
	}

	predictor := pipeline.NewStatsPredictor(baselines, adjustments, predictions)

	// Orchestrator loops
	production := pipeline.NewLoop(
		pipeline.NewProductionLoop(taskStore, stateStore, gen, checkpoints, loopMetrics, logger),
		settingsStore, loopMetrics, logger)
	publishing := pipeline.NewLoop(
		pipeline.NewPublishingLoop(taskStore, stateStore, cooldowns, adapters, predictor, loopMetrics, logger),
		settingsStore, loopMetrics, logger)
	measurement := pipeline.NewLoop(
		pipeline.NewMeasurementLoop(taskStore, stateStore, metricsStore, adapters, loopMetrics, logger).
			WithAnomalyChecker(stats.NewAnomalyDetector(db)),
		settingsStore, loopMetrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	production.Start(ctx)
	publishing.Start(ctx)
	measurement.Start(ctx)

	// Batch statistical jobs
	runner := batch.NewRunner(logger, batch.StandardJobs(batch.Stores{
		Settings:    settingsStore,
		Baselines:   baselines,
		Adjustments: adjustments,
		Hypotheses:  hypotheses,
		Recipes:     recipes,
		Promoter:    promoter,
		Dedup:       dedup,
		State:       stateStore,
		Checkpoints: checkpoints,
		Tasks:       taskStore,
	}, logger)...)
	runner.Start(ctx)

	// HTTP server (operator API, health, metrics)
	router := server.SetupServiceRouter(logger, "cascade", healthChecker, metricsCollector)
	ops.RegisterRoutes(router, ops.Dependencies{
		Logger:   logger,
		Tasks:    taskStore,
		Settings: settingsStore,
	})

	srvConfig := server.DefaultConfig("cascade", cfg.Port)
	if err := server.Start(srvConfig, router, logger); err != nil {
		logger.WithError(err).Error("Server error")
	}

	// HTTP server is down; drain the loops and batch jobs.
	cancel()
	production.Stop()
	publishing.Stop()
	measurement.Stop()
	runner.Wait()

	logger.Info("Cascade stopped")
}
