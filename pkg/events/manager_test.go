package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockCatchupQuerier implements CatchupQuerier for tests. It respects the
// sinceID cursor the way LogCatchup does.
type mockCatchupQuerier struct {
	events []CatchupEvent
	err    error
}

func (m *mockCatchupQuerier) GetCatchupEvents(_ context.Context, _ string, sinceID, limit int) ([]CatchupEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := []CatchupEvent{}
	for _, e := range m.events {
		if e.ID > sinceID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newWSServer(t *testing.T, manager *ConnectionManager) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)
	return server
}

func setupTestManager(t *testing.T) (*ConnectionManager, *httptest.Server) {
	t.Helper()
	manager := NewConnectionManager(&mockCatchupQuerier{}, 5*time.Second)
	return manager, newWSServer(t, manager)
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeClientMessage(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

// assertNoMessage verifies nothing arrives on the connection within the
// grace window.
func assertNoMessage(t *testing.T, conn *websocket.Conn, msgAndArgs ...any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err, msgAndArgs...)
}

func TestConnectionManager_ConnectionEstablished(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
}

func TestConnectionManager_Subscribe(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: "session:test-123"})

	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", msg["type"])
	assert.Equal(t, "session:test-123", msg["channel"])

	// subscribe completes before the confirmation is sent
	assert.Equal(t, 1, manager.subscriberCount("session:test-123"))
	assert.Equal(t, 1, manager.ActiveConnections())
}

func TestConnectionManager_SubscribeStartsBrokerListen(t *testing.T) {
	manager, server := setupTestManager(t)
	broker := NewBroker(16)
	broker.SetSink(manager.Broadcast)
	manager.SetBroker(broker)
	broker.Start()
	t.Cleanup(broker.Stop)

	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: "session:live"})
	readJSON(t, conn) // subscription.confirmed
	assert.True(t, broker.Listening("session:live"))

	// Publish through the broker — the subscriber receives it.
	broker.Publish("session:live", []byte(`{"type":"message.created","content":"hi"}`))
	msg := readJSON(t, conn)
	assert.Equal(t, "message.created", msg["type"])

	// Last unsubscribe stops the listen.
	writeClientMessage(t, conn, ClientMessage{Action: "unsubscribe", Channel: "session:live"})
	require.Eventually(t, func() bool { return !broker.Listening("session:live") },
		2*time.Second, 10*time.Millisecond)
}

func TestConnectionManager_Broadcast(t *testing.T) {
	manager, server := setupTestManager(t)

	conn1 := connectWS(t, server)
	conn2 := connectWS(t, server)
	readJSON(t, conn1) // connection.established
	readJSON(t, conn2) // connection.established

	channel := "session:broadcast-test"
	writeClientMessage(t, conn1, ClientMessage{Action: "subscribe", Channel: channel})
	readJSON(t, conn1) // subscription.confirmed
	writeClientMessage(t, conn2, ClientMessage{Action: "subscribe", Channel: channel})
	readJSON(t, conn2) // subscription.confirmed

	payload, _ := json.Marshal(map[string]string{"type": "test", "data": "hello"})
	manager.Broadcast(channel, payload)

	msg1 := readJSON(t, conn1)
	msg2 := readJSON(t, conn2)
	assert.Equal(t, "hello", msg1["data"])
	assert.Equal(t, "hello", msg2["data"])
}

func TestConnectionManager_BroadcastIsolation(t *testing.T) {
	manager, server := setupTestManager(t)

	conn1 := connectWS(t, server)
	conn2 := connectWS(t, server)
	readJSON(t, conn1) // connection.established
	readJSON(t, conn2) // connection.established

	writeClientMessage(t, conn1, ClientMessage{Action: "subscribe", Channel: "session:ch1"})
	readJSON(t, conn1) // subscription.confirmed
	writeClientMessage(t, conn2, ClientMessage{Action: "subscribe", Channel: "session:ch2"})
	readJSON(t, conn2) // subscription.confirmed

	payload, _ := json.Marshal(map[string]string{"type": "test", "target": "ch1"})
	manager.Broadcast("session:ch1", payload)

	msg := readJSON(t, conn1)
	assert.Equal(t, "ch1", msg["target"])
	assertNoMessage(t, conn2, "conn2 should not receive ch1 broadcast")
}

func TestConnectionManager_PingPong(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeClientMessage(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_Unsubscribe(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	channel := "session:unsub-test"
	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: channel})
	readJSON(t, conn) // subscription.confirmed

	writeClientMessage(t, conn, ClientMessage{Action: "unsubscribe", Channel: channel})
	require.Eventually(t, func() bool { return manager.subscriberCount(channel) == 0 },
		2*time.Second, 10*time.Millisecond)

	payload, _ := json.Marshal(map[string]string{"type": "should-not-receive"})
	manager.Broadcast(channel, payload)
	assertNoMessage(t, conn, "should not receive message after unsubscribe")
}

func TestConnectionManager_AutoCatchupOnSubscribe(t *testing.T) {
	events := []CatchupEvent{
		{ID: 10, Payload: map[string]any{"type": EventTypeMessageCreated, "seq": float64(1)}},
		{ID: 11, Payload: map[string]any{"type": EventTypeSessionStatus, "seq": float64(2)}},
		{ID: 12, Payload: map[string]any{"type": EventTypeRunStatus, "seq": float64(3)}},
	}
	manager := NewConnectionManager(&mockCatchupQuerier{events: events}, 5*time.Second)
	server := newWSServer(t, manager)

	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: "session:catchup-test"})
	readJSON(t, conn) // subscription.confirmed

	// Subscribe auto-catches-up from position 0: all three events arrive
	// in order with db_event_id injected.
	for i := 0; i < 3; i++ {
		msg := readJSON(t, conn)
		assert.Equal(t, float64(i+1), msg["seq"])
		assert.Equal(t, float64(10+i), msg["db_event_id"])
	}

	// Explicit catchup from the last seen position delivers nothing more.
	lastEventID := 12
	writeClientMessage(t, conn, ClientMessage{Action: "catchup", Channel: "session:catchup-test", LastEventID: &lastEventID})
	assertNoMessage(t, conn, "no events past the cursor")
}

func TestConnectionManager_CatchupFromCursor(t *testing.T) {
	events := []CatchupEvent{
		{ID: 10, Payload: map[string]any{"type": EventTypeMessageCreated, "seq": float64(1)}},
		{ID: 11, Payload: map[string]any{"type": EventTypeMessageCreated, "seq": float64(2)}},
		{ID: 12, Payload: map[string]any{"type": EventTypeMessageCreated, "seq": float64(3)}},
	}
	manager := NewConnectionManager(&mockCatchupQuerier{events: events}, 5*time.Second)
	server := newWSServer(t, manager)

	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	// Catchup without subscribing — client tracks its own position.
	lastEventID := 11
	writeClientMessage(t, conn, ClientMessage{Action: "catchup", Channel: "session:cursor-test", LastEventID: &lastEventID})

	msg := readJSON(t, conn)
	assert.Equal(t, float64(3), msg["seq"])
	assert.Equal(t, float64(12), msg["db_event_id"])
	assertNoMessage(t, conn)
}

func TestConnectionManager_CatchupOverflow(t *testing.T) {
	manyEvents := make([]CatchupEvent, catchupLimit+5)
	for i := range manyEvents {
		manyEvents[i] = CatchupEvent{
			ID:      i + 1,
			Payload: map[string]any{"type": "test", "seq": i},
		}
	}
	manager := NewConnectionManager(&mockCatchupQuerier{events: manyEvents}, 5*time.Second)
	server := newWSServer(t, manager)

	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	// Auto-catchup on subscribe hits the overflow: catchupLimit events then
	// a catchup.overflow marker.
	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: "session:overflow-test"})
	readJSON(t, conn) // subscription.confirmed

	var overflowReceived bool
	for i := 0; i < catchupLimit+1; i++ {
		msg := readJSON(t, conn)
		if msg["type"] == "catchup.overflow" {
			overflowReceived = true
			assert.Equal(t, true, msg["has_more"])
			break
		}
	}
	assert.True(t, overflowReceived, "expected catchup.overflow message")
}

func TestConnectionManager_CatchupError(t *testing.T) {
	// Catchup error is logged but must not crash the connection.
	manager := NewConnectionManager(&mockCatchupQuerier{err: fmt.Errorf("database unreachable")}, 5*time.Second)
	server := newWSServer(t, manager)

	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: "session:err-test"})
	readJSON(t, conn) // subscription.confirmed

	// Connection remains usable — ping/pong works.
	writeClientMessage(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_EmptyChannelValidation(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	for _, action := range []string{"subscribe", "unsubscribe", "catchup"} {
		lastEventID := 0
		writeClientMessage(t, conn, ClientMessage{Action: action, Channel: "", LastEventID: &lastEventID})
		msg := readJSON(t, conn)
		assert.Equal(t, "error", msg["type"])
		assert.Contains(t, msg["message"], "channel is required")
	}

	// Connection still alive after validation errors.
	writeClientMessage(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_BroadcastToNonExistentChannel(t *testing.T) {
	manager, _ := setupTestManager(t)
	payload, _ := json.Marshal(map[string]string{"type": "test"})
	assert.NotPanics(t, func() { manager.Broadcast("nonexistent-channel", payload) })
}

func TestConnectionManager_SetBroker(t *testing.T) {
	manager := NewConnectionManager(&mockCatchupQuerier{}, 5*time.Second)
	assert.Nil(t, manager.broker)

	broker := NewBroker(4)
	manager.SetBroker(broker)

	manager.brokerMu.RLock()
	assert.Equal(t, broker, manager.broker)
	manager.brokerMu.RUnlock()
}

func TestConnectionManager_CleanupOnDisconnect(t *testing.T) {
	manager, server := setupTestManager(t)

	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)

	_, _, err = conn.Read(ctx) // connection.established
	require.NoError(t, err)

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: "session:cleanup-test"})
	_, _, err = conn.Read(ctx) // subscription.confirmed
	require.NoError(t, err)

	assert.Equal(t, 1, manager.ActiveConnections())

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return manager.ActiveConnections() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Zero(t, manager.subscriberCount("session:cleanup-test"))

	// Broadcast to the emptied channel must not panic.
	payload, _ := json.Marshal(map[string]string{"type": "test"})
	assert.NotPanics(t, func() { manager.Broadcast("session:cleanup-test", payload) })
}
