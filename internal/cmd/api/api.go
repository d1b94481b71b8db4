// Package api parses ingress command flags and serves the transaction API.
package api

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nsridhar76/go-txnsaga/internal/ingress"
	"github.com/nsridhar76/go-txnsaga/internal/messaging/kafka"
	entrypoint "github.com/nsridhar76/go-txnsaga/internal/platform/cmd"
	"github.com/nsridhar76/go-txnsaga/internal/platform/health"
)

// Config holds api command configuration.
type Config struct {
	Log   entrypoint.LogConfig
	Kafka entrypoint.KafkaConfig

	HTTPAddr       string        `env:"TXNSAGA_API_HTTP_ADDR"       envDefault:":8080"`
	HealthAddr     string        `env:"TXNSAGA_API_HEALTH_ADDR"     envDefault:":9080"`
	PublishTimeout time.Duration `env:"TXNSAGA_API_PUBLISH_TIMEOUT" envDefault:"5s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	cfg.Log.RegisterFlags(fs)
	cfg.Kafka.RegisterFlags(fs)
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "ingress HTTP listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "gRPC health listen address")
	fs.DurationVar(&cfg.PublishTimeout, "publish-timeout", cfg.PublishTimeout, "bound on each command append")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run serves the ingress API until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	logger := cfg.Log.Logger(os.Stdout, entrypoint.ServiceAPI)
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAPI, logger, func(ctx context.Context) error {
		if err := cfg.Kafka.Connect(ctx, logger); err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		producer := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.Kafka.Brokers, Logger: logger})
		defer producer.Close()

		healthServer, err := health.Listen(cfg.HealthAddr, logger, "txnsaga.Ingress")
		if err != nil {
			return err
		}
		listener, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
		}
		httpServer := &http.Server{
			Handler: ingress.NewHandler(producer, ingress.Config{
				CommandsTopic:  cfg.Kafka.CommandsTopic,
				PublishTimeout: cfg.PublishTimeout,
			}, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return healthServer.Serve(ctx) })
		g.Go(func() error { return health.ServeHTTP(ctx, listener, httpServer, 10*time.Second) })

		healthServer.SetServing()
		logger.Info("api started",
			"event", "api_started",
			"module", "cmd",
			"http_addr", listener.Addr().String(),
		)
		return g.Wait()
	})
}
