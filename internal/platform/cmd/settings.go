package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nsridhar76/go-txnsaga/internal/messaging/kafka"
	"github.com/nsridhar76/go-txnsaga/internal/platform/config"
)

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `env:"TXNSAGA_LOG_LEVEL"  envDefault:"info"`
	Format string `env:"TXNSAGA_LOG_FORMAT" envDefault:"json"`
}

// RegisterFlags binds the log flags to fs.
func (c *LogConfig) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Level, "log-level", c.Level, "log level (debug, info, warn, error)")
	fs.StringVar(&c.Format, "log-format", c.Format, "log format (json, text)")
}

// Logger builds the command logger tagged with service.
func (c LogConfig) Logger(w io.Writer, service string) *slog.Logger {
	return config.NewLogger(w, c.Level, c.Format).With("service", service)
}

// KafkaConfig is the log connection shared by every command.
type KafkaConfig struct {
	Brokers           []string      `env:"TXNSAGA_KAFKA_BROKERS"            envDefault:"localhost:9092" envSeparator:","`
	CommandsTopic     string        `env:"TXNSAGA_KAFKA_COMMANDS_TOPIC"     envDefault:"txn.commands"`
	EventsTopic       string        `env:"TXNSAGA_KAFKA_EVENTS_TOPIC"       envDefault:"txn.events"`
	DeadLetterTopic   string        `env:"TXNSAGA_KAFKA_DLQ_TOPIC"          envDefault:"txn.dlq"`
	CreateTopics      bool          `env:"TXNSAGA_KAFKA_CREATE_TOPICS"      envDefault:"false"`
	Partitions        int           `env:"TXNSAGA_KAFKA_PARTITIONS"         envDefault:"3"`
	ReplicationFactor int           `env:"TXNSAGA_KAFKA_REPLICATION_FACTOR" envDefault:"1"`
	StartupTimeout    time.Duration `env:"TXNSAGA_KAFKA_STARTUP_TIMEOUT"    envDefault:"10s"`
}

// RegisterFlags binds the Kafka flags to fs.
func (c *KafkaConfig) RegisterFlags(fs *flag.FlagSet) {
	fs.Func("kafka-brokers", "comma-separated Kafka bootstrap brokers", func(v string) error {
		c.Brokers = splitList(v)
		return nil
	})
	fs.BoolVar(&c.CreateTopics, "kafka-create-topics", c.CreateTopics, "create missing topics at startup")
	fs.IntVar(&c.Partitions, "kafka-partitions", c.Partitions, "partitions for created topics")
}

// Connect verifies the brokers are reachable and, when CreateTopics is set,
// creates the three saga topics.
func (c KafkaConfig) Connect(ctx context.Context, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, c.StartupTimeout)
	defer cancel()
	if err := kafka.Ping(ctx, c.Brokers); err != nil {
		return err
	}
	if c.CreateTopics {
		specs := make([]kafka.TopicSpec, 0, 3)
		for _, topic := range []string{c.CommandsTopic, c.EventsTopic, c.DeadLetterTopic} {
			specs = append(specs, kafka.TopicSpec{Name: topic, Partitions: c.Partitions, ReplicationFactor: c.ReplicationFactor})
		}
		if err := kafka.EnsureTopics(ctx, c.Brokers, specs...); err != nil {
			return fmt.Errorf("ensure topics: %w", err)
		}
	}
	logger.Info("kafka reachable",
		"event", "kafka_connected",
		"module", "cmd",
		"brokers", c.Brokers,
		"create_topics", c.CreateTopics,
	)
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
