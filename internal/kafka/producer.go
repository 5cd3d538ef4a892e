package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"shadowscan/internal/feedback"
	"shadowscan/internal/schema"

	"github.com/segmentio/kafka-go"
)

// Producer publishes confirmed chains and drift reports for downstream
// collaborators (dashboards, alerting).
type Producer struct {
	chains *kafka.Writer
	drift  *kafka.Writer
	logger *slog.Logger

	produced atomic.Int64
	failed   atomic.Int64
}

// NewProducer creates a Producer for the chains and drift topics.
func NewProducer(config Config, logger *slog.Logger) (*Producer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    config.ProducerBatchSize,
			BatchTimeout: config.ProducerBatchTimeout,
			RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
			Compression:  config.GetCompression(),
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer", "topic", topic)
			}),
		}
	}

	return &Producer{
		chains: newWriter(config.ChainsTopic),
		drift:  newWriter(config.DriftTopic),
		logger: logger,
	}, nil
}

// PublishChain emits one confirmed workflow chain, keyed by chain ID so
// updates to the same chain stay ordered.
func (p *Producer) PublishChain(ctx context.Context, chain *schema.WorkflowChain) error {
	payload, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("kafka: marshal chain %s: %w", chain.ChainID, err)
	}

	err = p.chains.WriteMessages(ctx, kafka.Message{
		Key:   []byte(chain.ChainID.String()),
		Value: payload,
	})
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("kafka: publish chain %s: %w", chain.ChainID, err)
	}

	p.produced.Add(1)
	p.logger.Debug("chain published",
		"chain_id", chain.ChainID,
		"confidence", chain.CorrelationConfidence,
	)
	return nil
}

// PublishDriftReport emits one drift report for the alerting collaborator.
func (p *Producer) PublishDriftReport(ctx context.Context, report *feedback.DriftReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("kafka: marshal drift report: %w", err)
	}

	err = p.drift.WriteMessages(ctx, kafka.Message{
		Key:   []byte(report.GeneratedAt.UTC().Format("2006-01-02T15:04:05Z")),
		Value: payload,
	})
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("kafka: publish drift report: %w", err)
	}

	p.produced.Add(1)
	p.logger.Info("drift report published",
		"alerts", len(report.Alerts),
		"breached", report.Breached,
	)
	return nil
}

// Close flushes and closes both writers.
func (p *Producer) Close() error {
	chainsErr := p.chains.Close()
	driftErr := p.drift.Close()
	if chainsErr != nil {
		return chainsErr
	}
	return driftErr
}

// Stats returns producer counters.
func (p *Producer) Stats() (produced, failed int64) {
	return p.produced.Load(), p.failed.Load()
}
