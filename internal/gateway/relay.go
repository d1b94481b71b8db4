package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/nsridhar76/go-txnsaga/internal/messaging"
)

// DefaultRelayPrefix namespaces the per-instance relay channels.
const DefaultRelayPrefix = "txnsaga:relay:"

// RelayChannel is the channel an instance listens on for frames addressed to
// its connections.
func RelayChannel(instanceID string) string { return DefaultRelayPrefix + instanceID }

type relayMessage struct {
	ConnectionID string `json:"connId"`
	Frame        Frame  `json:"frame"`
}

// RedisRelay forwards frames between gateway instances over Redis pub/sub.
type RedisRelay struct {
	client redis.UniversalClient
	logger *slog.Logger
}

var _ messaging.Publisher = (*RedisRelay)(nil)

// NewRedisRelay returns a relay on client.
func NewRedisRelay(client redis.UniversalClient, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, logger: logger.With("module", "gateway")}
}

// Publish sends value on channel. The key is unused; pub/sub has no
// partitions.
func (r *RedisRelay) Publish(ctx context.Context, channel string, _ []byte, value []byte) error {
	if err := r.client.Publish(ctx, channel, value).Err(); err != nil {
		return fmt.Errorf("relay publish to %s: %w", channel, err)
	}
	return nil
}

// Run delivers frames arriving on hub's channel to its connections until ctx
// is canceled.
func (r *RedisRelay) Run(ctx context.Context, hub *Hub) error {
	channel := RelayChannel(hub.InstanceID())
	sub := r.client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe %s: %w", channel, err)
	}
	r.logger.Info("relay listening", "event", "relay_started", "channel", channel)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-messages:
			if !ok {
				return nil
			}
			var rm relayMessage
			if err := json.Unmarshal([]byte(m.Payload), &rm); err != nil {
				r.logger.Warn("relay message decode failed",
					"event", "relay_decode_failed",
					"error", err.Error(),
				)
				continue
			}
			if err := hub.Send(rm.ConnectionID, rm.Frame); err != nil {
				r.logger.Warn("relay push failed",
					"event", "relay_push_failed",
					"conn_id", rm.ConnectionID,
					"error", err.Error(),
				)
			}
		}
	}
}
