package anthropic

import (
	"context"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"goa.design/taskflow/runtime/model"
)

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

func sseEvent(typ, data string) ssestream.Event {
	return ssestream.Event{Type: typ, Data: []byte(data)}
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

func TestStreamTextAndToolCall(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sseEvent("message_start", `{"type":"message_start","message":{}}`),
		sseEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`),
		sseEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sseEvent("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"dispatch_workflow_report_builder"}}`),
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"title\":"}}`),
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"q3\"}"}}`),
		sseEvent("content_block_stop", `{"type":"content_block_stop","index":1}`),
		sseEvent("message_stop", `{"type":"message_stop"}`),
	}}
	s := newStream(context.Background(), ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil))
	defer s.Close()

	chunks := drain(t, s)

	kinds := make([]model.ChunkKind, len(chunks))
	for i, c := range chunks {
		kinds[i] = c.Kind
	}
	require.Equal(t, []model.ChunkKind{
		model.ChunkStepStart,
		model.ChunkTextDelta,
		model.ChunkTextEnd,
		model.ChunkToolInputDelta,
		model.ChunkToolInputDelta,
		model.ChunkToolInputEnd,
		model.ChunkToolCall,
		model.ChunkStepFinish,
	}, kinds)

	require.Equal(t, "hello", *chunks[1].Text)

	call := chunks[6]
	require.Equal(t, "t1", call.ToolCallID)
	require.Equal(t, "dispatch_workflow_report_builder", call.ToolName)
	require.Equal(t, map[string]any{"title": "q3"}, call.ToolInput)
	require.Equal(t, 0, call.ToolIndex)
}

func TestStreamThinkingBlocks(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sseEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`),
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"pondering"}}`),
		sseEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
	}}
	s := newStream(context.Background(), ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil))
	defer s.Close()

	chunks := drain(t, s)
	require.Len(t, chunks, 3)
	require.Equal(t, model.ChunkReasoningStart, chunks[0].Kind)
	require.Equal(t, model.ChunkReasoningDelta, chunks[1].Kind)
	require.Equal(t, "pondering", *chunks[1].Text)
	require.Equal(t, model.ChunkReasoningEnd, chunks[2].Kind)
}

func TestStreamToolIndexIncrementsPerCall(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sseEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"a","name":"one"}}`),
		sseEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sseEvent("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"b","name":"two"}}`),
		sseEvent("content_block_stop", `{"type":"content_block_stop","index":1}`),
	}}
	s := newStream(context.Background(), ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil))
	defer s.Close()

	var calls []*model.Chunk
	for _, c := range drain(t, s) {
		if c.Kind == model.ChunkToolCall {
			calls = append(calls, c)
		}
	}
	require.Len(t, calls, 2)
	require.Equal(t, 0, calls[0].ToolIndex)
	require.Equal(t, 1, calls[1].ToolIndex)
	require.Equal(t, map[string]any{}, calls[0].ToolInput)
}

func TestStreamTransportError(t *testing.T) {
	boom := errors.New("connection reset")
	dec := &testDecoder{
		events: []ssestream.Event{
			sseEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		},
		err: boom,
	}
	s := newStream(context.Background(), ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil))
	defer s.Close()

	_, err := s.Recv()
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
}

func TestDecodeToolInput(t *testing.T) {
	require.Equal(t, map[string]any{}, decodeToolInput(nil))
	require.Equal(t, map[string]any{}, decodeToolInput([]string{"  "}))
	require.Equal(t, map[string]any{}, decodeToolInput([]string{"{invalid"}))
	require.Equal(t, map[string]any{"a": float64(1)}, decodeToolInput([]string{`{"a":`, `1}`}))
}
