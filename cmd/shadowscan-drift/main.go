// Package main is the drift report runner: a one-shot job that compares
// current detection accuracy against stored baselines.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	"shadowscan/internal/config"
	"shadowscan/internal/feedback"
	"shadowscan/internal/kafka"
	"shadowscan/internal/schema"
	"shadowscan/internal/storage"
)

func main() {
	var (
		configPath string
		period     time.Duration
		capture    bool
		publish    bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.DurationVar(&period, "period", 24*time.Hour, "Feedback window to evaluate")
	flag.BoolVar(&capture, "capture", false, "Store current metrics as the new baselines")
	flag.BoolVar(&publish, "publish", false, "Publish the report to the drift topic")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if !cfg.Storage.Enabled {
		logger.Error("drift reports need the feedback journal; enable storage")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	client, err := storage.NewClickHouseClient(cfg.Storage.ClickHouse)
	if err != nil {
		logger.Error("failed to connect to ClickHouse", "error", err)
		os.Exit(1)
	}
	defer client.Close()
	repo := storage.NewRepository(client)

	baselines, err := repo.LoadBaselines(ctx)
	if err != nil {
		logger.Error("failed to load baselines", "error", err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	counts, err := repo.FeedbackCountsSince(ctx, now.Add(-period))
	if err != nil {
		logger.Error("failed to aggregate feedback", "error", err)
		os.Exit(1)
	}

	current := make(map[schema.Platform]schema.ReinforcementMetrics, len(counts))
	for platform, c := range counts {
		current[platform] = feedback.ComputeMetrics(c.TruePositives, c.FalsePositives, c.FalseNegatives, now)
	}

	detector := feedback.NewDriftDetector(cfg.Drift, logger)
	report := detector.Detect(baselines, current)

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	if err := out.Encode(report); err != nil {
		logger.Error("failed to encode report", "error", err)
		os.Exit(1)
	}

	if publish && cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(cfg.Kafka.Config, logger)
		if err != nil {
			logger.Error("failed to create kafka producer", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		if err := producer.PublishDriftReport(ctx, &report); err != nil {
			logger.Error("failed to publish drift report", "error", err)
			os.Exit(1)
		}
	}

	if capture {
		for platform, m := range current {
			b := feedback.BaselineFrom(platform, m)
			if err := repo.SaveBaseline(ctx, &b); err != nil {
				logger.Error("failed to store baseline", "platform", platform, "error", err)
				os.Exit(1)
			}
		}
		logger.Info("baselines captured", "platforms", len(current))
	}

	if report.Breached {
		os.Exit(2)
	}
}
