// Package archiver parses dead-letter archiver flags and runs the archive
// consumer.
package archiver

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nsridhar76/go-txnsaga/internal/deadletter"
	"github.com/nsridhar76/go-txnsaga/internal/messaging/kafka"
	entrypoint "github.com/nsridhar76/go-txnsaga/internal/platform/cmd"
	"github.com/nsridhar76/go-txnsaga/internal/platform/health"
)

// Config holds archiver command configuration.
type Config struct {
	Log   entrypoint.LogConfig
	Kafka entrypoint.KafkaConfig

	GroupID     string `env:"TXNSAGA_ARCHIVER_GROUP_ID"    envDefault:"dlq-archiver-group"`
	HTTPAddr    string `env:"TXNSAGA_ARCHIVER_HTTP_ADDR"   envDefault:":8083"`
	HealthAddr  string `env:"TXNSAGA_ARCHIVER_HEALTH_ADDR" envDefault:":9083"`
	PostgresDSN string `env:"TXNSAGA_ARCHIVER_POSTGRES_DSN"`

	SaveRetryFor time.Duration `env:"TXNSAGA_ARCHIVER_SAVE_RETRY_FOR" envDefault:"15m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	cfg.Log.RegisterFlags(fs)
	cfg.Kafka.RegisterFlags(fs)
	fs.StringVar(&cfg.GroupID, "group-id", cfg.GroupID, "consumer group for the dead-letter topic")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "archive HTTP listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "gRPC health listen address")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "archive database; empty keeps the archive in memory")
	fs.DurationVar(&cfg.SaveRetryFor, "save-retry-for", cfg.SaveRetryFor, "how long a failed archive write is retried")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg Config, logger *slog.Logger) (deadletter.Store, func(), error) {
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		logger.Warn("archive kept in memory, entries are lost on restart",
			"event", "archiver_store_memory",
			"module", "cmd",
		)
		return deadletter.NewMemoryStore(), func() {}, nil
	}
	store, err := deadletter.OpenPostgres(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("migrate archive: %w", err)
	}
	return store, store.Close, nil
}

// Run archives dead letters until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	logger := cfg.Log.Logger(os.Stdout, entrypoint.ServiceDLQArchiver)
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceDLQArchiver, logger, func(ctx context.Context) error {
		if err := cfg.Kafka.Connect(ctx, logger); err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		store, closeStore, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore()

		archiver := deadletter.NewArchiver(store, logger).WithRetry(0, 0, cfg.SaveRetryFor)
		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:     cfg.Kafka.Brokers,
			Topic:       cfg.Kafka.DeadLetterTopic,
			GroupID:     cfg.GroupID,
			StartOffset: kafka.FirstOffset,
			Logger:      logger,
		})
		defer consumer.Close()

		healthServer, err := health.Listen(cfg.HealthAddr, logger, "txnsaga.DeadLetterArchiver")
		if err != nil {
			return err
		}
		listener, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
		}
		httpServer := &http.Server{Handler: deadletter.NewHandler(store), ReadHeaderTimeout: 5 * time.Second}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return healthServer.Serve(ctx) })
		g.Go(func() error { return health.ServeHTTP(ctx, listener, httpServer, 5*time.Second) })
		g.Go(func() error { return consumer.Run(ctx, archiver.HandleMessage) })

		healthServer.SetServing()
		logger.Info("archiver started",
			"event", "archiver_started",
			"module", "cmd",
			"topic", cfg.Kafka.DeadLetterTopic,
			"group_id", cfg.GroupID,
		)
		return g.Wait()
	})
}
