package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secureconnect-callagent/internal/events"
	"secureconnect-callagent/pkg/metrics"
)

func startStream(t *testing.T, bus *events.Bus, opts EventStreamOptions) (*EventStream, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	stream := NewEventStream(bus, opts)
	r := gin.New()
	r.GET("/v1/call/events", stream.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		stream.Close()
		srv.Close()
	})
	return stream, "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/call/events"
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var evt events.Event
	require.NoError(t, json.Unmarshal(data, &evt))
	return evt
}

func TestEventStream_SnapshotThenEvents(t *testing.T) {
	bus := events.NewBus()
	m := metrics.NewMetrics("call-agent-test")
	stream, url := startStream(t, bus, EventStreamOptions{
		Snapshot: SnapshotFunc(func() any { return map[string]string{"state": "idle"} }),
		Metrics:  m,
	})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readEvent(t, conn)
	assert.Equal(t, TypeSnapshot, first.Type)
	assert.Equal(t, map[string]any{"state": "idle"}, first.Payload)

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, stream.Connections())

	bus.Publish(events.Event{Type: events.TypeIncomingCall, CallID: "call-1"})
	bus.Publish(events.Event{Type: events.TypeCallEnded, CallID: "call-1"})

	evt := readEvent(t, conn)
	assert.Equal(t, events.TypeIncomingCall, evt.Type)
	assert.Equal(t, "call-1", evt.CallID)
	assert.Equal(t, events.TypeCallEnded, readEvent(t, conn).Type)
}

func TestEventStream_DisconnectUnsubscribes(t *testing.T) {
	bus := events.NewBus()
	stream, url := startStream(t, bus, EventStreamOptions{})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return bus.Subscribers() == 0 && stream.Connections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventStream_RejectsForeignOrigin(t *testing.T) {
	bus := events.NewBus()
	_, url := startStream(t, bus, EventStreamOptions{AllowedOrigins: []string{"http://localhost:3000"}})

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, bus.Subscribers())
}

func TestEventStream_Capacity(t *testing.T) {
	bus := events.NewBus()
	_, url := startStream(t, bus, EventStreamOptions{MaxConnections: 1})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
