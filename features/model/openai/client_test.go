package openai

import (
	"context"
	"io"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"goa.design/taskflow/runtime/model"
	"goa.design/taskflow/runtime/task"
)

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "gpt"})
	require.Error(t, err)

	_, err = NewFromAPIKey("", "gpt")
	require.Error(t, err)
}

func TestEncodeRequestDefaults(t *testing.T) {
	c := &Client{defaultModel: "gpt-test"}
	params, err := c.encodeRequest(&model.Request{
		System:    "be helpful",
		Messages:  []*task.Message{task.TextMessage(task.RoleUser, "hi")},
		MaxTokens: 256,
		Tools: []model.Tool{{
			Name:        "dispatch_workflow_report_builder",
			Description: "Builds reports",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, "gpt-test", params.Model)
	// System prompt plus the user message.
	require.Len(t, params.Messages, 2)
	require.Len(t, params.Tools, 1)
	fn := params.Tools[0].Function
	require.Equal(t, "dispatch_workflow_report_builder", fn.Name)
	require.Equal(t, "Builds reports", fn.Description.Value)
	require.Equal(t, sdk.FunctionParameters{"type": "object"}, fn.Parameters)
}

func TestEncodeRequestRequiresText(t *testing.T) {
	c := &Client{defaultModel: "gpt-test"}
	_, err := c.encodeRequest(&model.Request{})
	require.Error(t, err)

	_, err = c.encodeRequest(&model.Request{
		Messages: []*task.Message{{Role: task.RoleUser}},
	})
	require.Error(t, err)
}

func TestMessageTextRendersDataParts(t *testing.T) {
	m := &task.Message{
		Role: task.RoleUser,
		Parts: []*task.Part{
			task.TextPart("payload: "),
			task.DataPart(map[string]any{"k": 1}, nil),
		},
	}
	require.Equal(t, `payload: {"k":1}`, messageText(m))
}

// testDecoder feeds a fixed sequence of SSE events to ssestream.NewStream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func chunkEvent(data string) ssestream.Event {
	return ssestream.Event{Data: []byte(data)}
}

func drain(t *testing.T, s model.Stream) []*model.Chunk {
	t.Helper()
	var chunks []*model.Chunk
	for {
		c, err := s.Recv()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			return chunks
		}
		chunks = append(chunks, c)
	}
}

func TestStreamTextDeltas(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		chunkEvent(`{"choices":[{"index":0,"delta":{"content":"Hel"}}]}`),
		chunkEvent(`{"choices":[{"index":0,"delta":{"content":"lo"}}]}`),
		chunkEvent(`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`),
	}}
	s := newStream(context.Background(), ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil))
	defer s.Close()

	chunks := drain(t, s)
	kinds := make([]model.ChunkKind, len(chunks))
	for i, c := range chunks {
		kinds[i] = c.Kind
	}
	require.Equal(t, []model.ChunkKind{
		model.ChunkTextDelta,
		model.ChunkTextDelta,
		model.ChunkTextEnd,
		model.ChunkStepFinish,
	}, kinds)
	require.Equal(t, "Hel", *chunks[0].Text)
	require.Equal(t, "lo", *chunks[1].Text)
}

func TestStreamToolCallAssembly(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		chunkEvent(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"dispatch_workflow_approver","arguments":"{\"a\":"}}]}}]}`),
		chunkEvent(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}}]}`),
		chunkEvent(`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`),
	}}
	s := newStream(context.Background(), ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil))
	defer s.Close()

	chunks := drain(t, s)
	var call *model.Chunk
	for _, c := range chunks {
		if c.Kind == model.ChunkToolCall {
			call = c
		}
	}
	require.NotNil(t, call)
	require.Equal(t, "c1", call.ToolCallID)
	require.Equal(t, "dispatch_workflow_approver", call.ToolName)
	require.Equal(t, map[string]any{"a": float64(1)}, call.ToolInput)
	require.Equal(t, 0, call.ToolIndex)
}

func TestStreamFlushesWithoutFinishReason(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		chunkEvent(`{"choices":[{"index":0,"delta":{"content":"partial"}}]}`),
	}}
	s := newStream(context.Background(), ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil))
	defer s.Close()

	chunks := drain(t, s)
	last := chunks[len(chunks)-1]
	require.Equal(t, model.ChunkStepFinish, last.Kind)
}

func TestDecodeArguments(t *testing.T) {
	require.Equal(t, map[string]any{}, decodeArguments(nil))
	require.Equal(t, map[string]any{}, decodeArguments([]string{"{bad"}))
	require.Equal(t, map[string]any{"x": "y"}, decodeArguments([]string{`{"x":`, `"y"}`}))
}
