package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/taskflow/runtime/model"
)

// stream adapts an Anthropic Messages streaming stream to model.Stream. A
// background goroutine pumps SDK events through the translator into a
// buffered channel; Recv drains it.
type stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	sse    *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan *model.Chunk

	errMu    sync.Mutex
	finalErr error
	errSet   bool
}

func newStream(ctx context.Context, sse *ssestream.Stream[sdk.MessageStreamEventUnion]) *stream {
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
	}
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
	blockKind int

	toolBuffer struct {
		id        string
		name      string
		fragments []string
	}

	// translator folds Anthropic content block events into normalized
	// chunks. Content blocks are tracked by index; tool calls additionally
	// receive a turn-wide position so results can correlate positionally.
	translator struct {
		emit    func(*model.Chunk) bool
		kinds   map[int]blockKind
		tools   map[int]*toolBuffer
		callSeq int
	}
)

const (
	blockText blockKind = iota
	blockThinking
	blockTool
)

func newTranslator(emit func(*model.Chunk) bool) *translator {
	return &translator{
		emit:  emit,
		kinds: make(map[int]blockKind),
		tools: make(map[int]*toolBuffer),
	}
}

// handle translates one SDK event. Returns false once the consumer is gone.
func (t *translator) handle(event sdk.MessageStreamEventUnion) bool {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		return t.emit(&model.Chunk{Kind: model.ChunkStepStart})
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		switch block := ev.ContentBlock.AsAny().(type) {
		case sdk.ToolUseBlock:
			t.kinds[idx] = blockTool
			t.tools[idx] = &toolBuffer{id: block.ID, name: block.Name}
			return true
		case sdk.ThinkingBlock:
			t.kinds[idx] = blockThinking
			return t.emit(&model.Chunk{Kind: model.ChunkReasoningStart})
		default:
			t.kinds[idx] = blockText
			return true
		}
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			return t.emit(&model.Chunk{Kind: model.ChunkTextDelta, Text: model.Text(delta.Text)})
		case sdk.ThinkingDelta:
			return t.emit(&model.Chunk{Kind: model.ChunkReasoningDelta, Text: model.Text(delta.Thinking)})
		case sdk.InputJSONDelta:
			tb := t.tools[idx]
			if tb == nil {
				return true
			}
			tb.fragments = append(tb.fragments, delta.PartialJSON)
			return t.emit(&model.Chunk{
				Kind:       model.ChunkToolInputDelta,
				Text:       model.Text(delta.PartialJSON),
				ToolCallID: tb.id,
				ToolName:   tb.name,
			})
		default:
			return true
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		switch t.kinds[idx] {
		case blockThinking:
			return t.emit(&model.Chunk{Kind: model.ChunkReasoningEnd})
		case blockTool:
			tb := t.tools[idx]
			delete(t.tools, idx)
			if tb == nil {
				return true
			}
			if !t.emit(&model.Chunk{Kind: model.ChunkToolInputEnd, ToolCallID: tb.id, ToolName: tb.name}) {
				return false
			}
			call := &model.Chunk{
				Kind:       model.ChunkToolCall,
				ToolCallID: tb.id,
				ToolName:   tb.name,
				ToolInput:  decodeToolInput(tb.fragments),
				ToolIndex:  t.callSeq,
			}
			t.callSeq++
			return t.emit(call)
		default:
			return t.emit(&model.Chunk{Kind: model.ChunkTextEnd})
		}
	case sdk.MessageStopEvent:
		return t.emit(&model.Chunk{Kind: model.ChunkStepFinish})
	default:
		return true
	}
}

// decodeToolInput joins the accumulated JSON fragments and decodes them.
// Empty or malformed input yields an empty argument map so dispatch still
// proceeds through parameter validation.
func decodeToolInput(fragments []string) map[string]any {
	joined := strings.TrimSpace(strings.Join(fragments, ""))
	if joined == "" {
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(joined), &input); err != nil || input == nil {
		return map[string]any{}
	}
	return input
}
