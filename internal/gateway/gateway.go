// Package gateway pushes outcome events to the websocket connections
// subscribed to them.
//
// An event fans out to the subscribers of its user key and its transaction
// key. A connection subscribed to both receives the event once. Connections
// owned by another gateway instance are reached through a relay publisher.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nsridhar76/go-txnsaga/internal/messaging"
	"github.com/nsridhar76/go-txnsaga/internal/registry"
)

const tracerName = "github.com/nsridhar76/go-txnsaga/internal/gateway"

// Gateway resolves subscribers for each event and delivers it.
type Gateway struct {
	hub    *Hub
	store  registry.Store
	relay  messaging.Publisher
	logger *slog.Logger
	tracer trace.Tracer
}

// New wires a gateway. relay carries frames for connections owned by other
// instances; a nil relay drops them.
func New(hub *Hub, store registry.Store, relay messaging.Publisher, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		hub:    hub,
		store:  store,
		relay:  relay,
		logger: logger.With("module", "gateway"),
		tracer: otel.Tracer(tracerName),
	}
}

// HandleMessage is the consumer handler for the events topic.
func (g *Gateway) HandleMessage(ctx context.Context, msg messaging.Message) messaging.Result {
	event, err := messaging.DecodeEnvelope(msg.Value)
	if err != nil {
		g.logger.Error("event decode failed",
			"event", "gateway_event_decode_failed",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err.Error(),
		)
		return messaging.DeadLetter(err)
	}
	g.Fanout(ctx, event)
	return messaging.Ack()
}

// Fanout pushes event to every subscriber of its keys and returns how many
// connections it was handed to, locally or through the relay. A relayed
// frame is only known to have reached the relay channel, so the log line
// counts it apart from local deliveries. Delivery failures are logged, never
// returned.
func (g *Gateway) Fanout(ctx context.Context, event messaging.Envelope) int {
	keys := registry.KeysFor(event.UserID, event.TransactionID)
	ctx, span := g.tracer.Start(ctx, "gateway.fanout", trace.WithAttributes(
		attribute.String("gateway.transaction_id", event.TransactionID),
		attribute.String("gateway.event_type", event.Type),
		attribute.Int("gateway.keys", len(keys)),
	))
	defer span.End()

	logger := g.logger.With("transaction_id", event.TransactionID, "event_type", event.Type)
	targets := g.resolve(ctx, keys, logger)
	span.SetAttributes(attribute.Int("gateway.targets", len(targets)))
	if len(targets) == 0 {
		return 0
	}

	raw, err := event.Encode()
	if err != nil {
		logger.Error("event encode failed", "event", "gateway_event_encode_failed", "error", err.Error())
		return 0
	}
	frame := Frame{Type: FrameTransactionEvent, Payload: raw}

	delivered, relayed := 0, 0
	for _, connID := range targets {
		remote, err := g.deliver(ctx, connID, frame)
		if err != nil {
			logger.Warn("push failed",
				"event", "gateway_push_failed",
				"conn_id", connID,
				"error", err.Error(),
			)
			continue
		}
		if remote {
			relayed++
		} else {
			delivered++
		}
	}
	span.SetAttributes(
		attribute.Int("gateway.delivered", delivered),
		attribute.Int("gateway.relayed", relayed),
	)
	logger.Debug("event fanned out",
		"event", "gateway_fanout",
		"targets", len(targets),
		"delivered", delivered,
		"relayed", relayed,
	)
	return delivered + relayed
}

// resolve returns the distinct subscribers of keys in first-seen order.
func (g *Gateway) resolve(ctx context.Context, keys []string, logger *slog.Logger) []string {
	seen := make(map[string]struct{})
	var targets []string
	for _, key := range keys {
		conns, err := g.store.SubscribersOf(ctx, key)
		if err != nil {
			logger.Error("subscriber lookup failed",
				"event", "gateway_lookup_failed",
				"key", key,
				"error", err.Error(),
			)
			continue
		}
		for _, connID := range conns {
			if _, dup := seen[connID]; dup {
				continue
			}
			seen[connID] = struct{}{}
			targets = append(targets, connID)
		}
	}
	return targets
}

// deliver sends frame to connID and reports whether it went through the
// relay.
func (g *Gateway) deliver(ctx context.Context, connID string, frame Frame) (bool, error) {
	if g.hub.Owns(connID) {
		return false, g.hub.Send(connID, frame)
	}
	instance, _, ok := strings.Cut(connID, "/")
	if !ok || g.relay == nil {
		return true, ErrConnectionClosed
	}
	value, err := json.Marshal(relayMessage{ConnectionID: connID, Frame: frame})
	if err != nil {
		return true, err
	}
	if err := g.relay.Publish(ctx, RelayChannel(instance), []byte(connID), value); err != nil {
		return true, errors.Join(ErrConnectionClosed, err)
	}
	return true, nil
}
