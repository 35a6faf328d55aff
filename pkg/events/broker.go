package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// delivery is one published payload waiting for dispatch.
type delivery struct {
	channel string
	payload []byte
}

// Broker is the in-process publish/subscribe hub between event publishers
// and the ConnectionManager. Publishers enqueue payloads; a single dispatch
// goroutine hands them to the sink, so slow WebSocket writes never block the
// code producing events.
//
// Channels follow listen semantics: a publish to a channel nobody listens on
// is dropped. The ConnectionManager listens on a channel while it has at
// least one subscribed connection.
type Broker struct {
	mu       sync.RWMutex
	channels map[string]bool

	sinkMu sync.RWMutex
	sink   func(channel string, payload []byte)

	queue   chan delivery
	stop    chan struct{}
	done    chan struct{}
	stopped sync.Once
	started atomic.Bool
}

// NewBroker creates a broker whose dispatch queue buffers up to size
// payloads. A non-positive size selects the default of 256.
func NewBroker(size int) *Broker {
	if size <= 0 {
		size = 256
	}
	return &Broker{
		channels: make(map[string]bool),
		queue:    make(chan delivery, size),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetSink installs the broadcast target. Called once during startup after
// both the Broker and the ConnectionManager exist.
func (b *Broker) SetSink(fn func(channel string, payload []byte)) {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()
	b.sink = fn
}

// Start launches the dispatch loop. Calling Start twice is a no-op.
func (b *Broker) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	go b.dispatchLoop()
	slog.Info("Event broker started")
}

// Stop signals the dispatch loop to exit and waits for already-queued
// deliveries to drain. Safe to call more than once.
func (b *Broker) Stop() {
	b.stopped.Do(func() { close(b.stop) })
	if b.started.Load() {
		<-b.done
	}
}

// Listen marks a channel as having a subscriber. Idempotent.
func (b *Broker) Listen(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels[channel] = true
}

// Unlisten removes a channel from the listened set.
func (b *Broker) Unlisten(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels, channel)
}

// Listening reports whether a channel currently has a listener.
func (b *Broker) Listening(channel string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.channels[channel]
}

// Publish queues a payload for delivery to the channel's subscribers.
// Delivery is best-effort: publishes to unlistened channels are dropped
// silently, and a full dispatch queue drops the payload with a warning.
// Durable events survive either way — catchup replays them from the log.
func (b *Broker) Publish(channel string, payload []byte) {
	if !b.Listening(channel) {
		return
	}
	select {
	case <-b.stop:
	case b.queue <- delivery{channel: channel, payload: payload}:
	default:
		slog.Warn("Event dispatch queue full, dropping payload", "channel", channel)
	}
}

// dispatchLoop is the sole consumer of the queue. It drains remaining
// deliveries after Stop so nothing already accepted is lost.
func (b *Broker) dispatchLoop() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			for {
				select {
				case d := <-b.queue:
					b.deliver(d)
				default:
					return
				}
			}
		case d := <-b.queue:
			b.deliver(d)
		}
	}
}

func (b *Broker) deliver(d delivery) {
	b.sinkMu.RLock()
	sink := b.sink
	b.sinkMu.RUnlock()
	if sink != nil {
		sink(d.channel, d.payload)
	}
}
