package realtime

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-conference/orchestrator/internal/events"
)

func dialTestHub(t *testing.T) (*events.Bus, *Hub, *websocket.Conn) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := events.NewBus(nil, nil)
	hub := NewHub(bus, nil)
	t.Cleanup(hub.Close)

	router := gin.New()
	router.GET("/ws", ServeWs(hub, nil))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Wait for the hub to register the connection.
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	return bus, hub, conn
}

func TestSubscribedClientReceivesEvents(t *testing.T) {
	bus, _, conn := dialTestHub(t)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe_recordings"}))

	// The subscription races the publish; retry until delivered.
	deadline := time.Now().Add(2 * time.Second)
	var msg WSMessage
	for {
		require.Less(t, time.Now().UnixNano(), deadline.UnixNano(), "no event delivered")
		bus.Publish(events.ClassRecordings, "recording_started", map[string]string{"job_id": "rec-1"})
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if err := conn.ReadJSON(&msg); err == nil {
			break
		}
	}

	assert.Equal(t, "recording_started", msg.Event)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "rec-1", payload["job_id"])
}

func TestUnsubscribedClassIsNotDelivered(t *testing.T) {
	bus, _, conn := dialTestHub(t)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe_metrics"}))
	time.Sleep(100 * time.Millisecond) // let the subscription land

	bus.Publish(events.ClassRecordings, "recording_started", nil)

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var msg WSMessage
	err := conn.ReadJSON(&msg)
	assert.Error(t, err, "recordings events must not reach a metrics-only subscriber")
}

func TestDisconnectUnregisters(t *testing.T) {
	_, hub, conn := dialTestHub(t)
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}
