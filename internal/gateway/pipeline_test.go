package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/nsridhar76/go-txnsaga/internal/gateway"
	"github.com/nsridhar76/go-txnsaga/internal/ingress"
	"github.com/nsridhar76/go-txnsaga/internal/messaging"
	"github.com/nsridhar76/go-txnsaga/internal/messaging/memory"
	"github.com/nsridhar76/go-txnsaga/internal/registry"
	"github.com/nsridhar76/go-txnsaga/internal/saga"
)

func TestTransactionPipeline(t *testing.T) {
	ctx := context.Background()
	log := memory.NewLog(3)
	dlq := messaging.DeadLetterSink{Publisher: log, Topic: "txn.dlq"}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/transactions",
		strings.NewReader(`{"fromAccount":"acc-1","toAccount":"acc-2","amount":40,"currency":"EUR","userId":"u-7"}`))
	ingress.NewHandler(log, ingress.Config{}, nil).ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted ingress.Accepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))

	store := registry.New()
	hub := gateway.NewHub(store, gateway.HubConfig{InstanceID: "gw-1"})
	gw := gateway.New(hub, store, nil, nil)
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	conn, err := websocket.Dial("ws"+strings.TrimPrefix(server.URL, "http"), "", server.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	sub, err := json.Marshal(map[string]string{"transactionId": accepted.TransactionID})
	require.NoError(t, err)
	require.NoError(t, websocket.JSON.Send(conn, gateway.Frame{Type: gateway.FrameSubscribe, Payload: sub}))
	var frame gateway.Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, websocket.JSON.Receive(conn, &frame))
	require.Equal(t, gateway.FrameSubscriptionSuccess, frame.Type)

	orch := saga.New(log, saga.FixedEvaluator(saga.RiskLow), nil, saga.Config{}, nil)
	assert.Equal(t, 1, log.Drain(ctx, "txn.commands", "orchestrator-group", orch.HandleMessage, dlq, nil))
	assert.Equal(t, 4, log.Drain(ctx, "txn.events", "gateway-group", gw.HandleMessage, dlq, nil))
	assert.Empty(t, log.Records("txn.dlq"))

	commandID := ""
	if cmds := log.Records("txn.commands"); assert.Len(t, cmds, 1) {
		cmd, err := messaging.DecodeEnvelope(cmds[0].Value)
		require.NoError(t, err)
		commandID = cmd.ID
	}

	var types []string
	for i := 0; i < 4; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, websocket.JSON.Receive(conn, &frame))
		require.Equal(t, gateway.FrameTransactionEvent, frame.Type)
		event, err := messaging.DecodeEnvelope(frame.Payload)
		require.NoError(t, err)
		assert.Equal(t, accepted.TransactionID, event.TransactionID)
		assert.Equal(t, "u-7", event.UserID)
		assert.Equal(t, commandID, event.CorrelationID)
		types = append(types, event.Type)
	}
	assert.Equal(t, []string{
		messaging.TypeFundsReserved,
		messaging.TypeFraudChecked,
		messaging.TypeCommitted,
		messaging.TypeNotified,
	}, types)

	run, ok := orch.Tracker().Get(accepted.TransactionID)
	require.True(t, ok)
	assert.Equal(t, saga.StatusCompleted, run.Status)
}
