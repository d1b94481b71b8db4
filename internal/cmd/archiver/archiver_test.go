package archiver

import (
	"context"
	"flag"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsridhar76/go-txnsaga/internal/deadletter"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(flag.NewFlagSet("dlq-archiver", flag.ContinueOnError), nil)
	require.NoError(t, err)
	assert.Equal(t, "dlq-archiver-group", cfg.GroupID)
	assert.Equal(t, "txn.dlq", cfg.Kafka.DeadLetterTopic)
	assert.Empty(t, cfg.PostgresDSN)
	assert.Equal(t, 15*time.Minute, cfg.SaveRetryFor)
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("TXNSAGA_ARCHIVER_POSTGRES_DSN", "postgres://env")
	cfg, err := ParseConfig(flag.NewFlagSet("dlq-archiver", flag.ContinueOnError), []string{"-group-id", "flag-group", "-save-retry-for", "2m"})
	require.NoError(t, err)
	assert.Equal(t, "flag-group", cfg.GroupID)
	assert.Equal(t, 2*time.Minute, cfg.SaveRetryFor)
	assert.Equal(t, "postgres://env", cfg.PostgresDSN)
}

func TestOpenStoreInMemory(t *testing.T) {
	store, closeStore, err := openStore(context.Background(), Config{}, slog.Default())
	require.NoError(t, err)
	defer closeStore()
	assert.IsType(t, &deadletter.MemoryStore{}, store)
}

func TestOpenStoreBadDSN(t *testing.T) {
	_, _, err := openStore(context.Background(), Config{PostgresDSN: "postgres://nobody@127.0.0.1:1/none?connect_timeout=1"}, slog.Default())
	assert.Error(t, err)
}
