package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/nsridhar76/go-txnsaga/internal/messaging"
	"github.com/nsridhar76/go-txnsaga/internal/registry"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	conn, err := websocket.Dial("ws"+strings.TrimPrefix(server.URL, "http"), "", server.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, websocket.JSON.Send(conn, Frame{Type: frameType, Payload: raw}))
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame Frame
	require.NoError(t, websocket.JSON.Receive(conn, &frame))
	return frame
}

func readError(t *testing.T, conn *websocket.Conn) errorPayload {
	t.Helper()
	frame := readFrame(t, conn)
	require.Equal(t, FrameError, frame.Type)
	var payload errorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	return payload
}

func TestWebsocketSubscribeAndReceive(t *testing.T) {
	store := registry.New()
	hub := newTestHub(t, store)
	gw := New(hub, store, nil, nil)
	conn := dialHub(t, hub)

	sendFrame(t, conn, FrameSubscribe, subscribePayload{UserID: "u1", TransactionID: "t1"})
	frame := readFrame(t, conn)
	require.Equal(t, FrameSubscriptionSuccess, frame.Type)
	var ok subscribedPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &ok))
	assert.Equal(t, []string{"user:u1", "txn:t1"}, ok.Keys)

	event := testEvent(t, messaging.TypeCommitted, "t1", "u1")
	assert.Equal(t, 1, gw.Fanout(context.Background(), event))
	assert.Equal(t, event, decodeEventFrame(t, readFrame(t, conn)))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		keys, err := store.Keys(context.Background())
		return err == nil && len(keys) == 0 && hub.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketRejectsEmptySubscribe(t *testing.T) {
	store := registry.New()
	conn := dialHub(t, newTestHub(t, store))

	sendFrame(t, conn, FrameSubscribe, subscribePayload{})
	assert.Equal(t, "INVALID_ARGUMENT", readError(t, conn).Code)

	sendFrame(t, conn, "chat.send", map[string]string{"body": "hi"})
	assert.Equal(t, "INVALID_ARGUMENT", readError(t, conn).Code)

	keys, err := store.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestWebsocketClosesAfterRepeatedDecodeErrors(t *testing.T) {
	hub := NewHub(registry.New(), HubConfig{InstanceID: "gw-1", MaxDecodeErrors: 2})
	conn := dialHub(t, hub)

	require.NoError(t, websocket.Message.Send(conn, "not json"))
	assert.Equal(t, "INVALID_ARGUMENT", readError(t, conn).Code)

	// A good frame resets the count.
	sendFrame(t, conn, FrameSubscribe, subscribePayload{TransactionID: "t1"})
	assert.Equal(t, FrameSubscriptionSuccess, readFrame(t, conn).Type)

	require.NoError(t, websocket.Message.Send(conn, "still not json"))
	assert.Equal(t, "INVALID_ARGUMENT", readError(t, conn).Code)
	require.NoError(t, websocket.Message.Send(conn, "{"))
	assert.Equal(t, "INVALID_ARGUMENT", readError(t, conn).Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame Frame
	assert.Error(t, websocket.JSON.Receive(conn, &frame), "connection should be closed")
}

func TestHubRejectsNonGet(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHub(t, registry.New()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ws", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRedisRelayAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := registry.NewRedisStore(client, "")

	local := NewHub(store, HubConfig{InstanceID: "gw-1"})
	remote := NewHub(store, HubConfig{InstanceID: "gw-2"})
	rec := attachRecorder(t, remote, "gw-2/x")
	subscribe(t, store, "gw-2/x", registry.TransactionKey("t1"))

	ctx, cancel := context.WithCancel(context.Background())
	relay := NewRedisRelay(client, nil)
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx, remote) }()
	require.Eventually(t, func() bool {
		counts, err := client.PubSubNumSub(context.Background(), RelayChannel("gw-2")).Result()
		return err == nil && counts[RelayChannel("gw-2")] == 1
	}, 2*time.Second, 10*time.Millisecond)

	gw := New(local, store, relay, nil)
	event := testEvent(t, messaging.TypeNotified, "t1", "u1")
	assert.Equal(t, 1, gw.Fanout(context.Background(), event))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, event, decodeEventFrame(t, rec.snapshot()[0]))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
