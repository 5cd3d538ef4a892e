// Package main is the entry point for the shadowscan detection engine.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shadowscan/internal/api"
	"shadowscan/internal/config"
	"shadowscan/internal/correlate"
	"shadowscan/internal/detect"
	"shadowscan/internal/entity"
	"shadowscan/internal/feedback"
	"shadowscan/internal/kafka"
	"shadowscan/internal/metrics"
	"shadowscan/internal/normalize"
	"shadowscan/internal/pipeline"
	"shadowscan/internal/risk"
	"shadowscan/internal/storage"
	"shadowscan/internal/storage/s3"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting shadowscan",
		"workers", cfg.Pipeline.Workers,
		"kafka_enabled", cfg.Kafka.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"checkpoint_enabled", cfg.Checkpoint.Enabled,
	)

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			logger.Error("failed to register metrics", "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage.
	var (
		chClient     *storage.ClickHouseClient
		repository   *storage.Repository
		signalWriter *storage.SignalWriter
	)
	if cfg.Storage.Enabled {
		chClient, err = storage.NewClickHouseClient(cfg.Storage.ClickHouse)
		if err != nil {
			logger.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}
		defer chClient.Close()

		if err := storage.NewMigrator(chClient, logger).Run(ctx); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		repository = storage.NewRepository(chClient)
		signalWriter = storage.NewSignalWriter(chClient, cfg.Storage.SignalWriter, logger)
	}

	// Hot state: correlation checkpoints and threshold snapshots.
	var (
		checkpoints    correlate.CheckpointStore
		checkpointRC   *correlate.RedisCheckpointStore
		thresholdStore *feedback.RedisThresholdStore
	)
	if cfg.Checkpoint.Enabled {
		checkpointRC, err = correlate.NewRedisCheckpointStore(cfg.Checkpoint.Redis)
		if err != nil {
			logger.Error("failed to connect checkpoint store", "error", err)
			os.Exit(1)
		}
		defer checkpointRC.Close()
		checkpoints = checkpointRC

		tsCfg := feedback.DefaultThresholdStoreConfig()
		tsCfg.Addr = cfg.Checkpoint.Redis.Addr
		tsCfg.Password = cfg.Checkpoint.Redis.Password
		tsCfg.DB = cfg.Checkpoint.Redis.DB
		thresholdStore, err = feedback.NewRedisThresholdStore(tsCfg)
		if err != nil {
			logger.Error("failed to connect threshold store", "error", err)
			os.Exit(1)
		}
		defer thresholdStore.Close()
	}

	// Archive.
	var archiver entity.Archiver
	if cfg.Archive.Enabled {
		s3Archiver, err := s3.NewArchiver(ctx, cfg.Archive.S3, logger)
		if err != nil {
			logger.Error("failed to initialize archive", "error", err)
			os.Exit(1)
		}
		archiver = s3Archiver
	}

	// Detection core. A stored snapshot from a previous calibration run
	// wins over the file thresholds when its version is newer.
	initial := cfg.Thresholds
	if thresholdStore != nil {
		if stored, err := thresholdStore.LoadLatest(ctx); err == nil && stored.Version > initial.Version {
			logger.Info("resuming calibrated thresholds", "version", stored.Version)
			initial = *stored
		} else if err != nil && !errors.Is(err, feedback.ErrNoStoredThresholds) {
			logger.Warn("could not load stored thresholds", "error", err)
		}
	}

	calibrator, err := feedback.NewCalibrator(cfg.Calibrator, &initial, logger)
	if err != nil {
		logger.Error("failed to create calibrator", "error", err)
		os.Exit(1)
	}

	var entityStore entity.Store
	if repository != nil {
		entityStore = repository
	}
	tracker := entity.NewTracker(cfg.Entities, risk.NewAggregator(cfg.Risk), entityStore, archiver, logger)

	correlator, err := correlate.New(cfg.Correlator, checkpoints, logger)
	if err != nil {
		logger.Error("failed to create correlator", "error", err)
		os.Exit(1)
	}
	if err := correlator.Restore(ctx); err != nil {
		logger.Warn("checkpoint restore failed, starting empty", "error", err)
	}

	// Chain publishing.
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer, err = kafka.NewProducer(cfg.Kafka.Config, logger)
		if err != nil {
			logger.Error("failed to create kafka producer", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
	}

	// Pipeline.
	deps := pipeline.Deps{
		Normalizer: normalize.New(normalize.Config{DefaultOrgID: cfg.Normalizer.DefaultOrgID}),
		Registry:   detect.NewDefaultRegistry(logger),
		Calibrator: calibrator,
		Tracker:    tracker,
		Correlator: correlator,
		Logger:     logger,
	}
	if signalWriter != nil {
		deps.Signals = signalWriter
	}
	if repository != nil {
		deps.Chains = repository
	}
	if producer != nil {
		deps.Publisher = producer
	}

	pipe, err := pipeline.New(pipeline.Config{
		Workers:              cfg.Pipeline.Workers,
		QueueSize:            cfg.Pipeline.QueueSize,
		ShutdownWait:         cfg.Pipeline.ShutdownWait,
		MaxLateness:          cfg.Pipeline.MaxLateness,
		WindowSpan:           cfg.Pipeline.WindowSpan,
		MaxWindowEvents:      cfg.Pipeline.MaxWindowEvents,
		ArchiveSweepInterval: cfg.Pipeline.ArchiveSweepInterval,
	}, deps)
	if err != nil {
		logger.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}
	if err := pipe.Start(ctx); err != nil {
		logger.Error("failed to start pipeline", "error", err)
		os.Exit(1)
	}

	// Intake.
	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		consumer, err = kafka.NewConsumer(cfg.Kafka.Config, func(ctx context.Context, rec kafka.Record) error {
			return pipe.HandleRaw(ctx, string(rec.Key), rec.Value)
		}, logger)
		if err != nil {
			logger.Error("failed to create kafka consumer", "error", err)
			os.Exit(1)
		}
		if err := consumer.Start(); err != nil {
			logger.Error("failed to start kafka consumer", "error", err)
			os.Exit(1)
		}
	}

	// Feedback and calibration surface.
	var feedbackJournal feedback.Journal
	if repository != nil {
		feedbackJournal = repository
	}
	engine := feedback.NewEngine(tracker, feedbackJournal, logger)

	onRecal := func(ctx context.Context) {
		th := calibrator.Current()
		metrics.SetThresholdVersion(int(th.Version))
		if thresholdStore != nil {
			if err := thresholdStore.SaveThresholds(ctx, th); err != nil {
				logger.Error("failed to store threshold snapshot", "version", th.Version, "error", err)
			}
		}
	}
	go feedback.NewCalibrationLoop(engine, calibrator, onRecal, logger).Run(ctx)

	var apiServer *http.Server
	if cfg.API.Enabled {
		handler := api.NewHandler(cfg.API.Config, engine, calibrator, tracker, correlator, logger)
		apiServer = &http.Server{
			Addr:         cfg.API.Addr,
			Handler:      handler.Routes(),
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
		}
		go func() {
			logger.Info("admin api listening", "address", cfg.API.Addr)
			if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin api exited", "error", err)
				stop()
			}
		}()
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Metrics.Addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", "address", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", "error", err)
				stop()
			}
		}()
	}

	// Hot reload of detection tuning.
	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		th := calibrator.Current().Clone()
		th.VelocityWindow = next.Thresholds.VelocityWindow
		th.VelocityRate = next.Thresholds.VelocityRate
		th.VelocityMinEvents = next.Thresholds.VelocityMinEvents
		th.BatchWindow = next.Thresholds.BatchWindow
		th.BatchThreshold = next.Thresholds.BatchThreshold
		th.OffHoursConfidence = next.Thresholds.OffHoursConfidence
		th.DataVolumeWindow = next.Thresholds.DataVolumeWindow
		th.DataVolumeMaxEvents = next.Thresholds.DataVolumeMaxEvents
		th.DataVolumeMaxBytes = next.Thresholds.DataVolumeMaxBytes
		th.Calendar = next.Thresholds.Calendar
		if err := calibrator.Publish(th); err != nil {
			logger.Error("rejected reloaded thresholds", "error", err)
			return
		}
		logger.Info("detection thresholds reloaded", "version", th.Version)
	}, logger)
	if err == nil && configPath != "" {
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("config watcher exited", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("consumer stop error", "error", err)
		}
	}
	pipe.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin api shutdown", "error", err)
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}
	if signalWriter != nil {
		if err := signalWriter.Close(); err != nil {
			logger.Error("signal writer close error", "error", err)
		}
	}

	stats := pipe.Stats()
	logger.Info("shutdown complete",
		"accepted", stats["accepted"],
		"malformed", stats["malformed"],
		"late", stats["late"],
	)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
