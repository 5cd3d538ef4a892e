package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// Record is one raw activity record off the wire. The key carries the
// upstream connector's platform name; the value is the platform-native
// audit payload.
type Record struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// RecordHandler processes one consumed record. Returning nil commits the
// offset; an error leaves it uncommitted for redelivery.
type RecordHandler func(ctx context.Context, rec Record) error

// Consumer reads activity records from the intake topic.
type Consumer struct {
	reader  *kafka.Reader
	config  Config
	logger  *slog.Logger
	handler RecordHandler

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	consumed atomic.Int64
	failed   atomic.Int64
}

// NewConsumer creates a Consumer for the activity topic.
func NewConsumer(config Config, handler RecordHandler, logger *slog.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("kafka: record handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		GroupID:        config.ConsumerGroup,
		Topic:          config.ActivityTopic,
		Dialer:         dialer,
		MinBytes:       config.ConsumerMinBytes,
		MaxBytes:       config.ConsumerMaxBytes,
		MaxWait:        config.ConsumerMaxWait,
		CommitInterval: config.CommitInterval,
		StartOffset:    config.StartOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		reader:  reader,
		config:  config,
		logger:  logger,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	logger.Info("kafka consumer initialized",
		"brokers", config.Brokers,
		"topic", config.ActivityTopic,
		"group", config.ConsumerGroup,
	)
	return c, nil
}

// Start begins consuming in a goroutine and returns immediately.
func (c *Consumer) Start() error {
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumeLoop(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consumer loop exited", "error", err)
		}
	}()
	return nil
}

func (c *Consumer) consumeLoop() error {
	for {
		msg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.failed.Add(1)
			c.logger.Error("failed to fetch record", "error", err, "topic", c.config.ActivityTopic)
			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		rec := Record{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       msg.Key,
			Value:     msg.Value,
			Time:      msg.Time,
		}

		if err := c.handler(c.ctx, rec); err != nil {
			c.failed.Add(1)
			c.logger.Error("record handler failed, leaving offset uncommitted",
				"error", err,
				"partition", rec.Partition,
				"offset", rec.Offset,
			)
			continue
		}

		if err := c.reader.CommitMessages(c.ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.logger.Error("failed to commit offset", "error", err, "offset", rec.Offset)
		}
		c.consumed.Add(1)
	}
}

// Stop cancels consumption and closes the reader.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	return c.reader.Close()
}

// Stats returns consumer counters.
func (c *Consumer) Stats() (consumed, failed int64) {
	return c.consumed.Load(), c.failed.Load()
}
