package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/nsridhar76/go-txnsaga/internal/registry"
)

// Frame types exchanged over the websocket.
const (
	FrameSubscribe           = "subscribe"
	FrameSubscriptionSuccess = "subscription.success"
	FrameTransactionEvent    = "transaction.event"
	FrameError               = "error"
)

var (
	// ErrConnectionClosed is returned when sending to a connection that is
	// gone or was never attached to this hub.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSlowConnection is returned when a connection's outbound queue is
	// full. The frame is dropped.
	ErrSlowConnection = errors.New("connection outbound queue full")
)

// Frame is one websocket message in either direction.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	UserID        string `json:"userId"`
	TransactionID string `json:"transactionId"`
}

type subscribedPayload struct {
	Keys []string `json:"keys"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HubConfig tunes connection handling.
type HubConfig struct {
	// InstanceID prefixes every connection id owned by this hub. Default is
	// a random id.
	InstanceID string
	// QueueSize bounds each connection's outbound queue. Default 64.
	QueueSize int
	// MaxDecodeErrors closes a connection after that many consecutive
	// undecodable frames. Default 3.
	MaxDecodeErrors int
	// WriteTimeout bounds one frame write. Default 10s.
	WriteTimeout time.Duration
	// UnsubscribeTimeout bounds the registry teardown on disconnect.
	// Default 5s.
	UnsubscribeTimeout time.Duration
	Logger             *slog.Logger
}

func (c HubConfig) withDefaults() HubConfig {
	if strings.TrimSpace(c.InstanceID) == "" {
		c.InstanceID = uuid.NewString()[:8]
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxDecodeErrors <= 0 {
		c.MaxDecodeErrors = 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.UnsubscribeTimeout <= 0 {
		c.UnsubscribeTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Hub owns the websocket connections of one gateway instance and keeps
// their subscriptions in the registry.
type Hub struct {
	store  registry.Store
	config HubConfig
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*connection
}

// NewHub returns a hub registering subscriptions in store.
func NewHub(store registry.Store, config HubConfig) *Hub {
	config = config.withDefaults()
	return &Hub{
		store:  store,
		config: config,
		logger: config.Logger.With("module", "gateway", "instance_id", config.InstanceID),
		conns:  make(map[string]*connection),
	}
}

// InstanceID returns the prefix of every connection id owned by h.
func (h *Hub) InstanceID() string { return h.config.InstanceID }

// Owns reports whether connID was issued by h.
func (h *Hub) Owns(connID string) bool {
	instance, _, ok := strings.Cut(connID, "/")
	return ok && instance == h.config.InstanceID
}

// Len returns the number of attached connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Send enqueues frame for connID without blocking.
func (h *Hub) Send(connID string, frame Frame) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrConnectionClosed
	}
	return c.send(frame)
}

// ServeHTTP upgrades GET requests to a websocket connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	websocket.Handler(h.serve).ServeHTTP(w, r)
}

func (h *Hub) newConnID() string {
	return h.config.InstanceID + "/" + uuid.NewString()
}

func (h *Hub) serve(ws *websocket.Conn) {
	writeTimeout := h.config.WriteTimeout
	c := h.attach(h.newConnID(), func(frame Frame) error {
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		return websocket.JSON.Send(ws, frame)
	})
	logger := h.logger.With("conn_id", c.id)
	logger.Info("connection opened", "event", "ws_connection_opened")

	defer func() {
		h.detach(c)
		_ = ws.Close()
		ctx, cancel := context.WithTimeout(context.Background(), h.config.UnsubscribeTimeout)
		defer cancel()
		keys, err := h.store.UnsubscribeAll(ctx, c.id)
		if err != nil {
			logger.Error("unsubscribe on close failed",
				"event", "ws_unsubscribe_failed",
				"error", err.Error(),
			)
			return
		}
		logger.Info("connection closed", "event", "ws_connection_closed", "keys", keys)
	}()

	ctx := ws.Request().Context()
	decodeErrors := 0
	for {
		var raw []byte
		if err := websocket.Message.Receive(ws, &raw); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("connection read ended", "event", "ws_read_ended", "error", err.Error())
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			decodeErrors++
			_ = c.send(errorFrame("INVALID_ARGUMENT", "invalid frame payload"))
			if decodeErrors >= h.config.MaxDecodeErrors {
				logger.Warn("closing connection after repeated decode errors",
					"event", "ws_decode_limit",
					"decode_errors", decodeErrors,
				)
				return
			}
			continue
		}
		decodeErrors = 0

		switch frame.Type {
		case FrameSubscribe:
			h.handleSubscribe(ctx, c, frame, logger)
		default:
			_ = c.send(errorFrame("INVALID_ARGUMENT", "unsupported frame type"))
		}
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, c *connection, frame Frame, logger *slog.Logger) {
	var payload subscribePayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			_ = c.send(errorFrame("INVALID_ARGUMENT", "invalid subscribe payload"))
			return
		}
	}
	keys := registry.KeysFor(payload.UserID, payload.TransactionID)
	if len(keys) == 0 {
		_ = c.send(errorFrame("INVALID_ARGUMENT", "userId or transactionId is required"))
		return
	}

	for _, key := range keys {
		if _, err := h.store.Subscribe(ctx, c.id, key); err != nil {
			logger.Error("subscribe failed",
				"event", "ws_subscribe_failed",
				"key", key,
				"error", err.Error(),
			)
			_ = c.send(errorFrame("UNAVAILABLE", "subscription registry unavailable"))
			return
		}
	}
	logger.Info("connection subscribed", "event", "ws_subscribed", "keys", keys)
	_ = c.send(Frame{Type: FrameSubscriptionSuccess, Payload: mustJSON(subscribedPayload{Keys: keys})})
}

// attach registers a connection whose frames are written by write on a
// dedicated goroutine.
func (h *Hub) attach(id string, write func(Frame) error) *connection {
	c := &connection{
		id:   id,
		out:  make(chan Frame, h.config.QueueSize),
		done: make(chan struct{}),
		quit: make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
	go c.writeLoop(write)
	return c
}

// detach unregisters c and waits for its writer to flush.
func (h *Hub) detach(c *connection) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	c.stop()
}

type connection struct {
	id   string
	out  chan Frame
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func (c *connection) send(frame Frame) error {
	select {
	case <-c.quit:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
		return ErrSlowConnection
	}
}

func (c *connection) stop() {
	c.once.Do(func() { close(c.quit) })
	<-c.done
}

// writeLoop writes queued frames until stop, then flushes what is left. A
// failed write marks the connection closed.
func (c *connection) writeLoop(write func(Frame) error) {
	defer close(c.done)
	for {
		select {
		case frame := <-c.out:
			if err := write(frame); err != nil {
				c.once.Do(func() { close(c.quit) })
				return
			}
		case <-c.quit:
			for {
				select {
				case frame := <-c.out:
					if err := write(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func errorFrame(code, message string) Frame {
	return Frame{Type: FrameError, Payload: mustJSON(errorPayload{Code: code, Message: message})}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("websocket payload encode failed", "event", "ws_payload_encode_failed", "error", err.Error())
		return nil
	}
	return b
}
