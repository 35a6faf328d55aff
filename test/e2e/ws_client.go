package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/pkg/events"
)

// WSEvent is one message received over the WebSocket, kept both raw and
// parsed so tests can assert on any field.
type WSEvent struct {
	Type     string
	Raw      json.RawMessage
	Parsed   map[string]any
	Received time.Time
}

// WSClient is a test WebSocket client. A background goroutine reads every
// server message into an ordered buffer; tests poll the buffer with
// WaitForEvent-style helpers instead of reading the socket directly.
type WSClient struct {
	t      *testing.T
	conn   *websocket.Conn
	cancel context.CancelFunc
	doneCh chan struct{}

	mu     sync.Mutex
	events []WSEvent
}

// NewWSClient dials the app's WebSocket endpoint and starts the read loop.
// The connection closes automatically at test cleanup.
func NewWSClient(t *testing.T, app *TestApp) *WSClient {
	t.Helper()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, app.WSURL, nil)
	require.NoError(t, err, "dial %s", app.WSURL)

	ctx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		t:      t,
		conn:   conn,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go c.readLoop(ctx)

	t.Cleanup(c.Close)
	return c
}

func (c *WSClient) readLoop(ctx context.Context) {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			continue
		}
		eventType, _ := parsed["type"].(string)

		c.mu.Lock()
		c.events = append(c.events, WSEvent{
			Type:     eventType,
			Raw:      json.RawMessage(data),
			Parsed:   parsed,
			Received: time.Now(),
		})
		c.mu.Unlock()
	}
}

func (c *WSClient) send(msg events.ClientMessage) {
	c.t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(c.t, err, "marshal client message")

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(writeCtx, websocket.MessageText, data), "write client message")
}

// Subscribe joins a channel and waits for the confirmation, so events
// published afterwards cannot be missed.
func (c *WSClient) Subscribe(channel string) {
	c.t.Helper()
	c.send(events.ClientMessage{Action: "subscribe", Channel: channel})
	c.WaitForEvent(func(e WSEvent) bool {
		return e.Type == "subscription.confirmed" && e.Parsed["channel"] == channel
	}, 5*time.Second)
}

// Unsubscribe leaves a channel. The server sends no acknowledgement.
func (c *WSClient) Unsubscribe(channel string) {
	c.t.Helper()
	c.send(events.ClientMessage{Action: "unsubscribe", Channel: channel})
}

// Catchup requests the durable events on a channel after lastEventID.
func (c *WSClient) Catchup(channel string, lastEventID int) {
	c.t.Helper()
	c.send(events.ClientMessage{Action: "catchup", Channel: channel, LastEventID: &lastEventID})
}

// Ping sends a ping and waits for the pong.
func (c *WSClient) Ping() {
	c.t.Helper()
	c.send(events.ClientMessage{Action: "ping"})
	c.WaitForEventType("pong", 5*time.Second)
}

// WaitForEvent polls the buffer until an event matches the predicate,
// failing the test on timeout. Matching starts from the oldest buffered
// event, so calls are order-independent.
func (c *WSClient) WaitForEvent(match func(WSEvent) bool, timeout time.Duration) WSEvent {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		for _, e := range c.events {
			if match(e) {
				c.mu.Unlock()
				return e
			}
		}
		c.mu.Unlock()

		if time.Now().After(deadline) {
			require.Failf(c.t, "timed out waiting for WebSocket event",
				"buffered events: %s", c.describeEvents())
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// WaitForEventType waits for the first event with the given type field.
func (c *WSClient) WaitForEventType(eventType string, timeout time.Duration) WSEvent {
	c.t.Helper()
	return c.WaitForEvent(func(e WSEvent) bool { return e.Type == eventType }, timeout)
}

// CollectUntil polls until at least n events match, then returns every
// match in arrival order.
func (c *WSClient) CollectUntil(match func(WSEvent) bool, n int, timeout time.Duration) []WSEvent {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		matched := c.eventsMatching(match)
		if len(matched) >= n {
			return matched
		}
		if time.Now().After(deadline) {
			require.Failf(c.t, "timed out collecting WebSocket events",
				"want %d, have %d: %s", n, len(matched), c.describeEvents())
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// Events returns a copy of everything received so far.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WSEvent, len(c.events))
	copy(out, c.events)
	return out
}

// EventsByType returns the received events with the given type field.
func (c *WSClient) EventsByType(eventType string) []WSEvent {
	return c.eventsMatching(func(e WSEvent) bool { return e.Type == eventType })
}

func (c *WSClient) eventsMatching(match func(WSEvent) bool) []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []WSEvent
	for _, e := range c.events {
		if match(e) {
			out = append(out, e)
		}
	}
	return out
}

func (c *WSClient) describeEvents() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, len(c.events))
	for i, e := range c.events {
		types[i] = e.Type
	}
	return fmt.Sprintf("%v", types)
}

// Close tears the connection down and waits for the read loop to exit.
// Safe to call more than once.
func (c *WSClient) Close() {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
}
