package openai

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"sync"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/taskflow/runtime/model"
)

// stream adapts an OpenAI chat completion stream to model.Stream. Tool call
// argument fragments arrive interleaved and keyed by index; they are buffered
// until the finish chunk and then flushed as complete tool calls.
type stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	sse    *ssestream.Stream[sdk.ChatCompletionChunk]

	chunks chan *model.Chunk

	errMu    sync.Mutex
	finalErr error
	errSet   bool
}

func newStream(ctx context.Context, sse *ssestream.Stream[sdk.ChatCompletionChunk]) *stream {
	cctx, cancel := context.WithCancel(ctx)
	s := &stream{
		ctx:    cctx,
		cancel: cancel,
		sse:    sse,
		chunks: make(chan *model.Chunk, 32),
	}
	go s.run()
	return s
}

// Recv returns the next normalized chunk, io.EOF at end of stream, or the
// first transport error.
func (s *stream) Recv() (*model.Chunk, error) {
	select {
	case c, ok := <-s.chunks:
		if ok {
			return c, nil
		}
		if err := s.err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

// Close aborts the stream. Safe to call concurrently with Recv.
func (s *stream) Close() error {
	s.cancel()
	if s.sse == nil {
		return nil
	}
	return s.sse.Close()
}

func (s *stream) run() {
	defer close(s.chunks)
	tr := newTranslator(s.emit)
	for s.sse.Next() {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !tr.handle(s.sse.Current()) {
			return
		}
	}
	if err := s.sse.Err(); err != nil {
		s.setErr(err)
		return
	}
	tr.flush()
}

func (s *stream) emit(c *model.Chunk) bool {
	select {
	case s.chunks <- c:
		return true
	case <-s.ctx.Done():
		s.setErr(s.ctx.Err())
		return false
	}
}

func (s *stream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *stream) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

type (
	toolBuffer struct {
		id        string
		name      string
		fragments []string
	}

	translator struct {
		emit    func(*model.Chunk) bool
		tools   map[int64]*toolBuffer
		sawText bool
		flushed bool
	}
)

func newTranslator(emit func(*model.Chunk) bool) *translator {
	return &translator{emit: emit, tools: make(map[int64]*toolBuffer)}
}

// handle translates one SDK chunk. Returns false once the consumer is gone.
func (t *translator) handle(chunk sdk.ChatCompletionChunk) bool {
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			t.sawText = true
			if !t.emit(&model.Chunk{Kind: model.ChunkTextDelta, Text: model.Text(choice.Delta.Content)}) {
				return false
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			tb := t.tools[tc.Index]
			if tb == nil {
				tb = &toolBuffer{}
				t.tools[tc.Index] = tb
			}
			if tc.ID != "" {
				tb.id = tc.ID
			}
			if tc.Function.Name != "" {
				tb.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				tb.fragments = append(tb.fragments, tc.Function.Arguments)
				if !t.emit(&model.Chunk{
					Kind:       model.ChunkToolInputDelta,
					Text:       model.Text(tc.Function.Arguments),
					ToolCallID: tb.id,
					ToolName:   tb.name,
				}) {
					return false
				}
			}
		}
		if choice.FinishReason != "" {
			if !t.finish() {
				return false
			}
		}
	}
	return true
}

// finish closes the text lane and flushes buffered tool calls in index
// order.
func (t *translator) finish() bool {
	if t.flushed {
		return true
	}
	t.flushed = true
	if t.sawText {
		if !t.emit(&model.Chunk{Kind: model.ChunkTextEnd}) {
			return false
		}
	}
	indexes := make([]int64, 0, len(t.tools))
	for idx := range t.tools {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	for seq, idx := range indexes {
		tb := t.tools[idx]
		if !t.emit(&model.Chunk{Kind: model.ChunkToolInputEnd, ToolCallID: tb.id, ToolName: tb.name}) {
			return false
		}
		if !t.emit(&model.Chunk{
			Kind:       model.ChunkToolCall,
			ToolCallID: tb.id,
			ToolName:   tb.name,
			ToolInput:  decodeArguments(tb.fragments),
			ToolIndex:  seq,
		}) {
			return false
		}
	}
	t.tools = make(map[int64]*toolBuffer)
	return t.emit(&model.Chunk{Kind: model.ChunkStepFinish})
}

// flush emits any pending tool calls when the stream ends without a finish
// reason.
func (t *translator) flush() {
	if !t.flushed && (t.sawText || len(t.tools) > 0) {
		t.finish()
	}
}

// decodeArguments joins the accumulated JSON fragments and decodes them.
// Empty or malformed arguments yield an empty map so dispatch still proceeds
// through parameter validation.
func decodeArguments(fragments []string) map[string]any {
	joined := strings.TrimSpace(strings.Join(fragments, ""))
	if joined == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(joined), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
