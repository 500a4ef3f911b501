// Package model defines the provider-neutral streaming interface of the AI
// layer. Provider adapters (Anthropic, OpenAI) translate their native stream
// events into the Chunk vocabulary consumed by the stream processor.
package model

import (
	"context"
	"errors"
	"io"

	"goa.design/taskflow/runtime/task"
)

// ErrRateLimited wraps provider rate limiting failures so middlewares can
// back off and retry.
var ErrRateLimited = errors.New("model: rate limited")

type (
	// ChunkKind enumerates the normalized stream event kinds.
	ChunkKind string

	// Chunk is one normalized model stream event. Kind selects which fields
	// are meaningful; unknown kinds are ignored by the processor.
	Chunk struct {
		// Kind identifies the event.
		Kind ChunkKind
		// Text carries the delta for text and reasoning chunks. A nil Text
		// marks a malformed delta and is ignored; an empty string is a valid
		// (empty) chunk.
		Text *string
		// ToolCallID is the provider tool call id, when present.
		ToolCallID string
		// ToolName is the called tool name.
		ToolName string
		// ToolInput is the decoded tool arguments.
		ToolInput map[string]any
		// ToolIndex is the positional index of the tool call within the turn.
		// Tool results correlate by this index.
		ToolIndex int
		// Output is the tool result payload. Null output is preserved.
		Output any
		// ErrorText is the failure text of a tool-output-error chunk.
		ErrorText string
	}

	// Tool describes one tool offered to the model.
	Tool struct {
		// Name is the tool name the model calls.
		Name string
		// Description documents the tool for the model.
		Description string
		// InputSchema is the JSON Schema of the tool arguments.
		InputSchema map[string]any
	}

	// Request is a streaming completion request.
	Request struct {
		// Model selects the provider model; empty uses the adapter default.
		Model string
		// System is the system prompt.
		System string
		// Messages is the conversation so far, oldest first.
		Messages []*task.Message
		// Tools is the tool set offered for this turn.
		Tools []Tool
		// MaxTokens bounds the completion; zero uses the adapter default.
		MaxTokens int
	}

	// Stream delivers normalized chunks. Recv returns io.EOF after the last
	// chunk; any other error aborts the turn.
	Stream interface {
		Recv() (*Chunk, error)
		Close() error
	}

	// Client opens streaming completions.
	Client interface {
		Stream(ctx context.Context, req *Request) (Stream, error)
	}
)

const (
	ChunkTextDelta      ChunkKind = "text-delta"
	ChunkTextEnd        ChunkKind = "text-end"
	ChunkReasoningStart ChunkKind = "reasoning-start"
	ChunkReasoningDelta ChunkKind = "reasoning-delta"
	ChunkReasoningEnd   ChunkKind = "reasoning-end"
	ChunkToolCall       ChunkKind = "tool-call"
	ChunkToolResult     ChunkKind = "tool-result"
	ChunkToolInputDelta ChunkKind = "tool-input-delta"
	ChunkToolInputEnd   ChunkKind = "tool-input-end"
	ChunkToolOutputErr  ChunkKind = "tool-output-error"
	ChunkStepStart      ChunkKind = "step-start"
	ChunkStepFinish     ChunkKind = "step-finish"
)

// Delta reports whether the kind is a delta event. Unknown delta kinds are
// still counted by the processor diagnostics.
func (k ChunkKind) Delta() bool {
	const suffix = "-delta"
	s := string(k)
	return len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix
}

// Text returns a text pointer for chunk construction.
func Text(s string) *string { return &s }

// staticStream replays a fixed chunk sequence. Test and fake clients use it.
type staticStream struct {
	chunks []*Chunk
	pos    int
	err    error
}

// NewStaticStream returns a Stream that yields the given chunks then io.EOF.
func NewStaticStream(chunks ...*Chunk) Stream {
	return &staticStream{chunks: chunks}
}

// NewFailingStream yields the given chunks then fails with err.
func NewFailingStream(err error, chunks ...*Chunk) Stream {
	return &staticStream{chunks: chunks, err: err}
}

func (s *staticStream) Recv() (*Chunk, error) {
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *staticStream) Close() error { return nil }
