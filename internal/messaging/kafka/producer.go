// Package kafka adapts segmentio/kafka-go to the messaging publish and
// consume contracts.
//
// Records are keyed by transaction id and written with the hash balancer, so
// every record of one saga lands on the same partition. The consumer hands
// each partition to its own worker goroutine: messages of one partition are
// handled and committed strictly in order while partitions proceed in
// parallel.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// ProducerConfig configures the Kafka producer.
type ProducerConfig struct {
	Brokers []string

	// BatchTimeout bounds how long the writer waits to fill a batch.
	// Saga steps are written one at a time, so it stays small.
	// Default is 10ms.
	BatchTimeout time.Duration

	// RequiredAcks defaults to kafka.RequireAll.
	RequiredAcks kafka.RequiredAcks

	Logger *slog.Logger
}

func (c ProducerConfig) applyDefaults() ProducerConfig {
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.RequiredAcks == 0 {
		c.RequiredAcks = kafka.RequireAll
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes keyed records, one writer per topic.
type Producer struct {
	config    ProducerConfig
	newWriter func(topic string) messageWriter

	mu      sync.Mutex
	writers map[string]messageWriter
}

// NewProducer creates a producer. Writers are created lazily per topic.
func NewProducer(config ProducerConfig) *Producer {
	config = config.applyDefaults()
	p := &Producer{
		config:  config,
		writers: make(map[string]messageWriter),
	}
	p.newWriter = func(topic string) messageWriter {
		return &kafka.Writer{
			Addr:                   kafka.TCP(config.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           config.BatchTimeout,
			RequiredAcks:           config.RequiredAcks,
			AllowAutoTopicCreation: false,
		}
	}
	return p
}

func (p *Producer) writer(topic string) messageWriter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := p.newWriter(topic)
	p.writers[topic] = w
	return w
}

// Publish writes one record and returns once the broker acknowledged it.
func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte) error {
	if err := p.writer(topic).WriteMessages(ctx, kafka.Message{Key: key, Value: value}); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.config.Logger.Debug("record published",
		"event", "kafka_publish",
		"module", "messaging/kafka",
		"topic", topic,
		"key", string(key),
	)
	return nil
}

// Close closes every writer.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			lastErr = fmt.Errorf("close writer for %s: %w", topic, err)
		}
	}
	p.writers = make(map[string]messageWriter)
	return lastErr
}
