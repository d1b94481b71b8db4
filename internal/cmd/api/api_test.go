package api

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(flag.NewFlagSet("api", flag.ContinueOnError), nil)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 5*time.Second, cfg.PublishTimeout)
	assert.Equal(t, "txn.commands", cfg.Kafka.CommandsTopic)
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("TXNSAGA_API_HTTP_ADDR", "env-addr")
	t.Setenv("TXNSAGA_KAFKA_COMMANDS_TOPIC", "env.commands")

	cfg, err := ParseConfig(flag.NewFlagSet("api", flag.ContinueOnError), []string{"-http-addr", "flag-addr"})
	require.NoError(t, err)
	assert.Equal(t, "flag-addr", cfg.HTTPAddr)
	assert.Equal(t, "env.commands", cfg.Kafka.CommandsTopic)
}
