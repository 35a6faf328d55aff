package providers

import (
	"context"
	"strings"
	"sync"

	"github.com/storyloom/loom/pkg/models"
)

// FakeReply is one scripted reply. A reply carrying both content and an
// error streams the content first and then fails, which is how tests
// exercise mid-stream provider failures; Complete just fails.
type FakeReply struct {
	Content string
	Err     error
}

// Fake is the deterministic in-process provider used by tests and offline
// development. Replies are consumed from a scripted queue; when the queue is
// empty an optional handler decides, and with neither the fake echoes the
// last user message so unscripted paths still make progress.
type Fake struct {
	mu       sync.Mutex
	queue    []FakeReply
	handler  func(ChatRequest) (string, error)
	requests []ChatRequest
}

var _ ChatProvider = (*Fake)(nil)

// NewFake creates an empty fake provider.
func NewFake() *Fake {
	return &Fake{}
}

// Enqueue scripts the next reply content.
func (f *Fake) Enqueue(content string) {
	f.EnqueueReply(FakeReply{Content: content})
}

// EnqueueError scripts the next call to fail.
func (f *Fake) EnqueueError(err error) {
	f.EnqueueReply(FakeReply{Err: err})
}

// EnqueueReply scripts the next reply verbatim.
func (f *Fake) EnqueueReply(r FakeReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, r)
}

// SetHandler installs a fallback used when the queue is empty.
func (f *Fake) SetHandler(fn func(ChatRequest) (string, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
}

// Requests returns a copy of every request seen so far, in call order.
func (f *Fake) Requests() []ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChatRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// CallCount returns how many requests the fake has served.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// Reset drops all scripted replies and recorded requests.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = nil
	f.handler = nil
	f.requests = nil
}

// Complete serves the next scripted reply.
func (f *Fake) Complete(_ context.Context, req ChatRequest) (ChatResponse, error) {
	reply := f.next(req)
	if reply.Err != nil {
		return ChatResponse{}, reply.Err
	}
	return ChatResponse{
		Content:          reply.Content,
		Model:            req.Model,
		CompletionTokens: len(reply.Content) / 4,
	}, nil
}

// Stream serves the next scripted reply as word-boundary deltas.
func (f *Fake) Stream(ctx context.Context, req ChatRequest) (<-chan ChatDelta, error) {
	reply := f.next(req)

	deltas := make(chan ChatDelta, streamBufferSize)
	go func() {
		defer close(deltas)
		for _, piece := range splitDeltas(reply.Content) {
			if !send(ctx, deltas, ChatDelta{Content: piece}) {
				return
			}
		}
		if reply.Err != nil {
			send(ctx, deltas, ChatDelta{Err: reply.Err, Done: true})
			return
		}
		send(ctx, deltas, ChatDelta{Done: true})
	}()
	return deltas, nil
}

// next records the request and picks the reply: queue first, then handler,
// then the echo default.
func (f *Fake) next(req ChatRequest) FakeReply {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)

	if len(f.queue) > 0 {
		reply := f.queue[0]
		f.queue = f.queue[1:]
		return reply
	}
	if f.handler != nil {
		content, err := f.handler(req)
		return FakeReply{Content: content, Err: err}
	}
	return FakeReply{Content: lastUserContent(req.Messages)}
}

// splitDeltas cuts content after each space so that concatenating the pieces
// reproduces it exactly.
func splitDeltas(content string) []string {
	if content == "" {
		return nil
	}
	parts := strings.SplitAfter(content, " ")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func lastUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
