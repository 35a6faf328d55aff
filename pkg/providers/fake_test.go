package providers

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/pkg/models"
)

func userTurn(content string) ChatRequest {
	return ChatRequest{
		Model:    "fake-model",
		Messages: []Message{{Role: models.RoleUser, Content: content}},
	}
}

func TestFake_Complete(t *testing.T) {
	ctx := context.Background()

	t.Run("scripted replies are consumed in order", func(t *testing.T) {
		fake := NewFake()
		fake.Enqueue("first")
		fake.Enqueue("second")

		resp, err := fake.Complete(ctx, userTurn("hi"))
		require.NoError(t, err)
		assert.Equal(t, "first", resp.Content)

		resp, err = fake.Complete(ctx, userTurn("hi again"))
		require.NoError(t, err)
		assert.Equal(t, "second", resp.Content)
	})

	t.Run("scripted error fails the call", func(t *testing.T) {
		fake := NewFake()
		fake.EnqueueError(errors.New("model overloaded"))

		_, err := fake.Complete(ctx, userTurn("hi"))
		require.Error(t, err)
		assert.ErrorContains(t, err, "model overloaded")
	})

	t.Run("handler serves when the queue is empty", func(t *testing.T) {
		fake := NewFake()
		fake.SetHandler(func(req ChatRequest) (string, error) {
			if strings.Contains(req.Messages[0].Content, "outline") {
				return "chapter outline", nil
			}
			return "default", nil
		})

		resp, err := fake.Complete(ctx, userTurn("write an outline"))
		require.NoError(t, err)
		assert.Equal(t, "chapter outline", resp.Content)
	})

	t.Run("queue wins over handler", func(t *testing.T) {
		fake := NewFake()
		fake.SetHandler(func(ChatRequest) (string, error) { return "handler", nil })
		fake.Enqueue("queued")

		resp, err := fake.Complete(ctx, userTurn("hi"))
		require.NoError(t, err)
		assert.Equal(t, "queued", resp.Content)

		resp, err = fake.Complete(ctx, userTurn("hi"))
		require.NoError(t, err)
		assert.Equal(t, "handler", resp.Content)
	})

	t.Run("unscripted call echoes the last user message", func(t *testing.T) {
		fake := NewFake()

		req := ChatRequest{
			Model: "fake-model",
			Messages: []Message{
				{Role: models.RoleSystem, Content: "you are a planner"},
				{Role: models.RoleUser, Content: "plan act one"},
				{Role: models.RoleAssistant, Content: "working on it"},
				{Role: models.RoleUser, Content: "plan act two"},
			},
		}
		resp, err := fake.Complete(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "plan act two", resp.Content)
	})
}

func TestFake_Stream(t *testing.T) {
	ctx := context.Background()

	collect := func(t *testing.T, deltas <-chan ChatDelta) (string, bool, error) {
		t.Helper()
		var sb strings.Builder
		var done bool
		var streamErr error
		for d := range deltas {
			sb.WriteString(d.Content)
			if d.Done {
				done = true
			}
			if d.Err != nil {
				streamErr = d.Err
			}
		}
		return sb.String(), done, streamErr
	}

	t.Run("deltas reassemble to the scripted content", func(t *testing.T) {
		fake := NewFake()
		fake.Enqueue("Aria crossed the harbor at dusk.")

		deltas, err := fake.Stream(ctx, userTurn("continue the scene"))
		require.NoError(t, err)

		content, done, streamErr := collect(t, deltas)
		require.NoError(t, streamErr)
		assert.True(t, done)
		assert.Equal(t, "Aria crossed the harbor at dusk.", content)
	})

	t.Run("mid-stream failure delivers partial content then the error", func(t *testing.T) {
		fake := NewFake()
		fake.EnqueueReply(FakeReply{Content: "The storm rolled ", Err: errors.New("connection reset")})

		deltas, err := fake.Stream(ctx, userTurn("continue"))
		require.NoError(t, err)

		content, done, streamErr := collect(t, deltas)
		require.Error(t, streamErr)
		assert.ErrorContains(t, streamErr, "connection reset")
		assert.True(t, done)
		assert.Equal(t, "The storm rolled ", content)
	})

	t.Run("empty reply closes with a bare done delta", func(t *testing.T) {
		fake := NewFake()
		fake.Enqueue("")

		deltas, err := fake.Stream(ctx, userTurn("hi"))
		require.NoError(t, err)

		content, done, streamErr := collect(t, deltas)
		require.NoError(t, streamErr)
		assert.True(t, done)
		assert.Empty(t, content)
	})
}

func TestFake_Records(t *testing.T) {
	ctx := context.Background()

	fake := NewFake()
	fake.Enqueue("one")
	fake.Enqueue("two")

	_, err := fake.Complete(ctx, userTurn("first call"))
	require.NoError(t, err)
	deltas, err := fake.Stream(ctx, userTurn("second call"))
	require.NoError(t, err)
	for range deltas {
	}

	require.Equal(t, 2, fake.CallCount())
	reqs := fake.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "first call", reqs[0].Messages[0].Content)
	assert.Equal(t, "second call", reqs[1].Messages[0].Content)

	fake.Reset()
	assert.Zero(t, fake.CallCount())
}

func TestSplitDeltas(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{name: "words keep trailing spaces", content: "a b c", want: []string{"a ", "b ", "c"}},
		{name: "trailing space drops the empty piece", content: "a b ", want: []string{"a ", "b "}},
		{name: "single word", content: "hello", want: []string{"hello"}},
		{name: "empty content yields nothing", content: "", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitDeltas(tt.content)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.content, strings.Join(got, ""))
		})
	}
}
