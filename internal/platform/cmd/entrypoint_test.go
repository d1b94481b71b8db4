package cmd

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Address string `env:"TXNSAGA_CMD_TEST_ADDRESS" envDefault:"127.0.0.1:8080"`
	Mode    string `env:"TXNSAGA_CMD_TEST_MODE" envDefault:"server"`
}

func TestParseConfigReadsEnvAndFlags(t *testing.T) {
	t.Setenv("TXNSAGA_CMD_TEST_ADDRESS", "env:9000")
	t.Setenv("TXNSAGA_CMD_TEST_MODE", "env-mode")

	var cfg testConfig
	require.NoError(t, ParseConfig(&cfg))
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.StringVar(&cfg.Address, "address", cfg.Address, "address")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "mode")
	require.NoError(t, ParseArgs(fs, []string{"-address", "flag:9001"}))

	assert.Equal(t, "flag:9001", cfg.Address)
	assert.Equal(t, "env-mode", cfg.Mode)
}

func TestParseRejectsNilInputs(t *testing.T) {
	assert.Error(t, ParseConfig[testConfig](nil))
	assert.Error(t, ParseArgs(nil, nil))
}

func TestRunWithTelemetry(t *testing.T) {
	t.Setenv("TXNSAGA_OTEL_ENDPOINT", "")
	ctx := context.Background()

	assert.Error(t, RunWithTelemetry(ctx, "", nil, func(context.Context) error { return nil }))
	assert.Error(t, RunWithTelemetry(ctx, ServiceAPI, nil, nil))

	boom := errors.New("boom")
	err := RunWithTelemetry(ctx, ServiceAPI, nil, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

type sharedConfig struct {
	Log   LogConfig
	Kafka KafkaConfig
}

func TestSharedConfigDefaults(t *testing.T) {
	var cfg sharedConfig
	require.NoError(t, ParseConfig(&cfg))
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "txn.commands", cfg.Kafka.CommandsTopic)
	assert.Equal(t, "txn.events", cfg.Kafka.EventsTopic)
	assert.Equal(t, "txn.dlq", cfg.Kafka.DeadLetterTopic)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestKafkaBrokersFlag(t *testing.T) {
	var cfg sharedConfig
	require.NoError(t, ParseConfig(&cfg))
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.Kafka.RegisterFlags(fs)
	cfg.Log.RegisterFlags(fs)
	require.NoError(t, ParseArgs(fs, []string{"-kafka-brokers", " k1:9092, ,k2:9092", "-log-level", "debug"}))
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestKafkaConnectWithoutBrokers(t *testing.T) {
	cfg := KafkaConfig{StartupTimeout: time.Second}
	assert.Error(t, cfg.Connect(context.Background(), slog.Default()))
}
