package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nsridhar76/go-txnsaga/internal/messaging"
)

// Start positions for a group without a committed offset.
const (
	FirstOffset = kafka.FirstOffset
	LastOffset  = kafka.LastOffset
)

// ConsumerConfig configures a consumer-group member.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	// StartOffset applies when the group has no committed offset.
	// Default is kafka.LastOffset.
	StartOffset int64

	// MaxWait bounds a single fetch. Default is 1s.
	MaxWait time.Duration

	// PartitionBuffer is the per-partition queue between the fetch loop and
	// the partition worker. Default is 64.
	PartitionBuffer int

	// RetryBackoff is the pause after a failed fetch. Default is 500ms.
	RetryBackoff time.Duration

	// DeadLetters receives messages whose handler returned a dead-letter
	// directive. A zero sink only logs.
	DeadLetters messaging.DeadLetterSink

	Logger *slog.Logger
}

func (c ConsumerConfig) applyDefaults() ConsumerConfig {
	if c.StartOffset == 0 {
		c.StartOffset = kafka.LastOffset
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	if c.PartitionBuffer <= 0 {
		c.PartitionBuffer = 64
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer drives a handler over one topic as a consumer-group member.
type Consumer struct {
	config ConsumerConfig
	reader messageReader
}

// NewConsumer creates a consumer; nothing is fetched until Run.
func NewConsumer(config ConsumerConfig) *Consumer {
	config = config.applyDefaults()
	return &Consumer{
		config: config,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     config.Brokers,
			GroupID:     config.GroupID,
			Topic:       config.Topic,
			StartOffset: config.StartOffset,
			MaxWait:     config.MaxWait,
			// Offsets are committed explicitly after each message.
			CommitInterval: 0,
		}),
	}
}

// Run fetches until ctx is canceled. Every fetched message is dispatched to
// handler and then committed, whatever the handler's result. Run returns nil
// on cancellation.
func (c *Consumer) Run(ctx context.Context, handler messaging.Handler) error {
	if handler == nil {
		return errors.New("kafka consumer: handler is required")
	}
	logger := c.config.Logger.With("topic", c.config.Topic, "group", c.config.GroupID)
	logger.Info("kafka consumer started",
		"event", "kafka_consumer_started",
		"module", "messaging/kafka",
	)

	var wg sync.WaitGroup
	workers := make(map[int]chan kafka.Message)
	defer func() {
		for _, ch := range workers {
			close(ch)
		}
		wg.Wait()
		logger.Info("kafka consumer stopped",
			"event", "kafka_consumer_stopped",
			"module", "messaging/kafka",
		)
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("kafka fetch failed",
				"event", "kafka_fetch_failed",
				"module", "messaging/kafka",
				"error", err.Error(),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.config.RetryBackoff):
			}
			continue
		}

		ch, ok := workers[msg.Partition]
		if !ok {
			ch = make(chan kafka.Message, c.config.PartitionBuffer)
			workers[msg.Partition] = ch
			wg.Add(1)
			go func(partition int, in <-chan kafka.Message) {
				defer wg.Done()
				c.drainPartition(ctx, in, handler, logger.With("partition", partition))
			}(msg.Partition, ch)
		}

		select {
		case ch <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) drainPartition(ctx context.Context, in <-chan kafka.Message, handler messaging.Handler, logger *slog.Logger) {
	for msg := range in {
		if ctx.Err() != nil {
			// Left uncommitted; the group redelivers it.
			continue
		}
		messaging.Dispatch(ctx, messaging.Message{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       msg.Key,
			Value:     msg.Value,
			Time:      msg.Time,
		}, handler, c.config.DeadLetters, logger)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			logger.Error("kafka commit failed",
				"event", "kafka_commit_failed",
				"module", "messaging/kafka",
				"offset", msg.Offset,
				"error", err.Error(),
			)
		}
	}
}

// Close leaves the group and closes the reader.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("close kafka reader: %w", err)
	}
	return nil
}
