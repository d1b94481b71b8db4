// Package gateway parses gateway command flags and runs the event push
// service.
package gateway

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

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	push "github.com/nsridhar76/go-txnsaga/internal/gateway"
	"github.com/nsridhar76/go-txnsaga/internal/messaging"
	"github.com/nsridhar76/go-txnsaga/internal/messaging/kafka"
	"github.com/nsridhar76/go-txnsaga/internal/messaging/noop"
	entrypoint "github.com/nsridhar76/go-txnsaga/internal/platform/cmd"
	"github.com/nsridhar76/go-txnsaga/internal/platform/health"
	"github.com/nsridhar76/go-txnsaga/internal/registry"
)

// Config holds gateway command configuration.
type Config struct {
	Log   entrypoint.LogConfig
	Kafka entrypoint.KafkaConfig

	GroupID         string        `env:"TXNSAGA_GATEWAY_GROUP_ID"          envDefault:"gateway-group"`
	HTTPAddr        string        `env:"TXNSAGA_GATEWAY_HTTP_ADDR"         envDefault:":3002"`
	HealthAddr      string        `env:"TXNSAGA_GATEWAY_HEALTH_ADDR"       envDefault:":9082"`
	InstanceID      string        `env:"TXNSAGA_GATEWAY_INSTANCE_ID"`
	QueueSize       int           `env:"TXNSAGA_GATEWAY_QUEUE_SIZE"        envDefault:"64"`
	MaxDecodeErrors int           `env:"TXNSAGA_GATEWAY_MAX_DECODE_ERRORS" envDefault:"3"`
	WriteTimeout    time.Duration `env:"TXNSAGA_GATEWAY_WRITE_TIMEOUT"     envDefault:"10s"`
	RedisAddr       string        `env:"TXNSAGA_GATEWAY_REDIS_ADDR"`
	RedisPassword   string        `env:"TXNSAGA_GATEWAY_REDIS_PASSWORD"`
	RedisDB         int           `env:"TXNSAGA_GATEWAY_REDIS_DB"          envDefault:"0"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	cfg.Log.RegisterFlags(fs)
	cfg.Kafka.RegisterFlags(fs)
	fs.StringVar(&cfg.GroupID, "group-id", cfg.GroupID, "consumer group for the events topic")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "websocket HTTP listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "gRPC health listen address")
	fs.StringVar(&cfg.InstanceID, "instance-id", cfg.InstanceID, "connection id prefix of this instance (default hostname)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "shared registry Redis address; empty keeps the registry in memory")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		cfg.InstanceID, _ = os.Hostname()
	}
	if strings.Contains(cfg.InstanceID, "/") {
		return Config{}, fmt.Errorf("instance id %q must not contain '/'", cfg.InstanceID)
	}
	return cfg, nil
}

// backend is the registry and relay pair chosen by the configuration.
type backend struct {
	store registry.Store
	relay messaging.Publisher
	run   func(ctx context.Context, hub *push.Hub) error
	close func() error
}

func openBackend(ctx context.Context, cfg Config, logger *slog.Logger) (backend, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		logger.Info("registry in memory, single instance",
			"event", "gateway_registry_memory",
			"module", "cmd",
		)
		return backend{
			store: registry.New(),
			relay: noop.Publisher{},
			close: func() error { return nil },
		}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return backend{}, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}

	store := registry.NewRedisStore(client, "")
	purged, err := store.Purge(pingCtx, cfg.InstanceID+"/")
	if err != nil {
		_ = client.Close()
		return backend{}, err
	}
	logger.Info("registry in redis",
		"event", "gateway_registry_redis",
		"module", "cmd",
		"redis_addr", cfg.RedisAddr,
		"purged_connections", purged,
	)
	relay := push.NewRedisRelay(client, logger)
	return backend{
		store: store,
		relay: relay,
		run:   relay.Run,
		close: client.Close,
	}, nil
}

// Run serves websocket clients and consumes events until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	logger := cfg.Log.Logger(os.Stdout, entrypoint.ServiceGateway)
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceGateway, logger, func(ctx context.Context) error {
		if err := cfg.Kafka.Connect(ctx, logger); err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		be, err := openBackend(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer be.close()

		hub := push.NewHub(be.store, push.HubConfig{
			InstanceID:      cfg.InstanceID,
			QueueSize:       cfg.QueueSize,
			MaxDecodeErrors: cfg.MaxDecodeErrors,
			WriteTimeout:    cfg.WriteTimeout,
			Logger:          logger,
		})
		gw := push.New(hub, be.store, be.relay, logger)

		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.EventsTopic,
			GroupID: cfg.GroupID,
			Logger:  logger,
		})
		defer consumer.Close()

		healthServer, err := health.Listen(cfg.HealthAddr, logger, "txnsaga.Gateway")
		if err != nil {
			return err
		}
		listener, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
		}
		router := chi.NewRouter()
		router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
		router.Handle("/ws", hub)
		httpServer := &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return healthServer.Serve(ctx) })
		g.Go(func() error { return health.ServeHTTP(ctx, listener, httpServer, 5*time.Second) })
		g.Go(func() error { return consumer.Run(ctx, gw.HandleMessage) })
		if be.run != nil {
			g.Go(func() error { return be.run(ctx, hub) })
		}

		healthServer.SetServing()
		logger.Info("gateway started",
			"event", "gateway_started",
			"module", "cmd",
			"instance_id", hub.InstanceID(),
			"http_addr", listener.Addr().String(),
		)
		return g.Wait()
	})
}
