// Package orchestrator parses orchestrator command flags and runs the saga
// consumer.
package orchestrator

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nsridhar76/go-txnsaga/internal/messaging"
	"github.com/nsridhar76/go-txnsaga/internal/messaging/kafka"
	entrypoint "github.com/nsridhar76/go-txnsaga/internal/platform/cmd"
	"github.com/nsridhar76/go-txnsaga/internal/platform/health"
	"github.com/nsridhar76/go-txnsaga/internal/saga"
)

// Config holds orchestrator command configuration.
type Config struct {
	Log   entrypoint.LogConfig
	Kafka entrypoint.KafkaConfig

	GroupID        string        `env:"TXNSAGA_ORCHESTRATOR_GROUP_ID"        envDefault:"orchestrator-group"`
	HTTPAddr       string        `env:"TXNSAGA_ORCHESTRATOR_HTTP_ADDR"       envDefault:":8081"`
	HealthAddr     string        `env:"TXNSAGA_ORCHESTRATOR_HEALTH_ADDR"     envDefault:":9081"`
	StepTimeout    time.Duration `env:"TXNSAGA_ORCHESTRATOR_STEP_TIMEOUT"    envDefault:"10s"`
	MaxAttempts    int           `env:"TXNSAGA_ORCHESTRATOR_MAX_ATTEMPTS"    envDefault:"5"`
	ResumeInterval time.Duration `env:"TXNSAGA_ORCHESTRATOR_RESUME_INTERVAL" envDefault:"30s"`
	Retention      time.Duration `env:"TXNSAGA_ORCHESTRATOR_RETENTION"       envDefault:"1h"`
	Risk           string        `env:"TXNSAGA_ORCHESTRATOR_RISK"            envDefault:"random"`
	RiskLowRatio   float64       `env:"TXNSAGA_ORCHESTRATOR_RISK_LOW_RATIO"  envDefault:"0.7"`
	RiskLimit      float64       `env:"TXNSAGA_ORCHESTRATOR_RISK_LIMIT"      envDefault:"10000"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	cfg.Log.RegisterFlags(fs)
	cfg.Kafka.RegisterFlags(fs)
	fs.StringVar(&cfg.GroupID, "group-id", cfg.GroupID, "consumer group for the commands topic")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "saga status HTTP listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "gRPC health listen address")
	fs.DurationVar(&cfg.StepTimeout, "step-timeout", cfg.StepTimeout, "bound on each event append")
	fs.StringVar(&cfg.Risk, "risk", cfg.Risk, "risk evaluator (random, threshold, low, high)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if _, err := newRiskEvaluator(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newRiskEvaluator(cfg Config) (saga.RiskEvaluator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Risk)) {
	case "", "random":
		return saga.NewRandomEvaluator(cfg.RiskLowRatio), nil
	case "threshold":
		return saga.ThresholdEvaluator{Limit: cfg.RiskLimit}, nil
	case "low":
		return saga.FixedEvaluator(saga.RiskLow), nil
	case "high":
		return saga.FixedEvaluator(saga.RiskHigh), nil
	default:
		return nil, fmt.Errorf("unknown risk evaluator %q", cfg.Risk)
	}
}

// Run consumes commands until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	logger := cfg.Log.Logger(os.Stdout, entrypoint.ServiceOrchestrator)
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceOrchestrator, logger, func(ctx context.Context) error {
		if err := cfg.Kafka.Connect(ctx, logger); err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		risk, err := newRiskEvaluator(cfg)
		if err != nil {
			return err
		}

		producer := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.Kafka.Brokers, Logger: logger})
		defer producer.Close()

		orch := saga.New(producer, risk, nil, saga.Config{
			EventsTopic: cfg.Kafka.EventsTopic,
			StepTimeout: cfg.StepTimeout,
			MaxAttempts: cfg.MaxAttempts,
		}, logger)

		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.CommandsTopic,
			GroupID: cfg.GroupID,
			DeadLetters: messaging.DeadLetterSink{
				Publisher: producer,
				Topic:     cfg.Kafka.DeadLetterTopic,
				Timeout:   cfg.StepTimeout,
			},
			Logger: logger,
		})
		defer consumer.Close()

		healthServer, err := health.Listen(cfg.HealthAddr, logger, "txnsaga.Orchestrator")
		if err != nil {
			return err
		}
		listener, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
		}
		httpServer := &http.Server{Handler: saga.NewStatusHandler(orch.Tracker()), ReadHeaderTimeout: 5 * time.Second}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return healthServer.Serve(ctx) })
		g.Go(func() error { return health.ServeHTTP(ctx, listener, httpServer, 5*time.Second) })
		g.Go(func() error {
			orch.RunMaintenance(ctx, cfg.ResumeInterval, cfg.Retention)
			return nil
		})
		g.Go(func() error { return consumer.Run(ctx, orch.HandleMessage) })

		healthServer.SetServing()
		logger.Info("orchestrator started",
			"event", "orchestrator_started",
			"module", "cmd",
			"topic", cfg.Kafka.CommandsTopic,
			"group_id", cfg.GroupID,
			"http_addr", listener.Addr().String(),
		)
		return g.Wait()
	})
}
