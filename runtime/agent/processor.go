package agent

import (
	"context"
	"fmt"
	"strings"

	"goa.design/clue/log"

	"goa.design/taskflow/runtime/bus"
	"goa.design/taskflow/runtime/model"
	"goa.design/taskflow/runtime/task"
	"goa.design/taskflow/runtime/workflow"
)

type (
	// DispatchFunc forwards a workflow dispatch tool call to the workflow
	// handler. It returns the synchronous result parts and the child task id.
	DispatchFunc func(ctx context.Context, pluginID string, args map[string]any) ([]*task.Part, string, error)

	// DispatchResult records one workflow dispatched during a turn.
	DispatchResult struct {
		// ToolName is the dispatch tool the model called.
		ToolName string
		// TaskID is the child task created for the workflow.
		TaskID string
		// Parts is the synchronous dispatch-response, possibly empty.
		Parts []*task.Part
	}

	// StreamProcessor translates one model stream into artifact-update events
	// on the parent bus. Text and reasoning deltas flow through two artifact
	// lanes with one buffered chunk each, so the closing chunk of a lane can
	// carry lastChunk. Tool calls publish one artifact per call; tool results
	// append to the artifact of the matching call.
	StreamProcessor struct {
		taskID    string
		contextID string
		bus       *bus.EventBus
		dispatch  DispatchFunc

		textChunkIndex      int
		reasoningChunkIndex int
		textPublished       int
		reasoningPublished  int
		buffered            *task.Artifact
		bufferedReasoning   *task.Artifact

		calls             []toolCall
		toolCallArtifacts map[int]string
		deltaCounters     map[model.ChunkKind]int

		accumulatedText      strings.Builder
		accumulatedReasoning strings.Builder

		dispatches []DispatchResult
	}

	toolCall struct {
		index      int
		id         string
		name       string
		args       map[string]any
		artifactID string
	}
)

// NewStreamProcessor builds the per-turn processor publishing on the parent
// task's bus.
func NewStreamProcessor(taskID, contextID string, b *bus.EventBus, dispatch DispatchFunc) *StreamProcessor {
	return &StreamProcessor{
		taskID:            taskID,
		contextID:         contextID,
		bus:               b,
		dispatch:          dispatch,
		toolCallArtifacts: make(map[int]string),
		deltaCounters:     make(map[model.ChunkKind]int),
	}
}

// Process handles one normalized model chunk. Unknown kinds are ignored.
func (p *StreamProcessor) Process(ctx context.Context, c *model.Chunk) {
	if c == nil {
		return
	}
	switch c.Kind {
	case model.ChunkTextDelta:
		if c.Text == nil {
			return
		}
		p.textDelta(*c.Text)
	case model.ChunkTextEnd:
		p.flushText()
	case model.ChunkReasoningDelta:
		if c.Text == nil {
			return
		}
		p.reasoningDelta(*c.Text)
	case model.ChunkReasoningEnd:
		p.flushReasoning()
	case model.ChunkToolCall:
		p.toolCallChunk(ctx, c)
	case model.ChunkToolResult:
		p.toolResult(c)
	case model.ChunkToolOutputErr:
		p.publishArtifact(&task.Artifact{
			ArtifactID: task.NewID(),
			Parts:      []*task.Part{{Kind: task.PartToolOutputError, ErrorText: c.ErrorText}},
		}, false, false)
	case model.ChunkToolInputDelta:
		p.deltaCounters[c.Kind]++
	case model.ChunkToolInputEnd:
		p.deltaCounters[model.ChunkToolInputDelta] = 0
	case model.ChunkStepStart, model.ChunkStepFinish, model.ChunkReasoningStart:
		// No publication.
	default:
		if c.Kind.Delta() {
			p.deltaCounters[c.Kind]++
		}
	}
}

// textDelta publishes the previously buffered chunk and buffers a new one so
// the last chunk of the lane can be sealed on text-end. Empty deltas still
// produce a chunk.
func (p *StreamProcessor) textDelta(text string) {
	if p.buffered != nil {
		p.publishArtifact(p.buffered, p.textPublished > 0, false)
		p.textPublished++
	}
	p.buffered = p.laneChunk("text-response", p.textChunkIndex, text)
	p.textChunkIndex++
	p.accumulatedText.WriteString(text)
}

func (p *StreamProcessor) reasoningDelta(text string) {
	if p.bufferedReasoning != nil {
		p.publishArtifact(p.bufferedReasoning, p.reasoningPublished > 0, false)
		p.reasoningPublished++
	}
	p.bufferedReasoning = p.laneChunk("reasoning", p.reasoningChunkIndex, text)
	p.reasoningChunkIndex++
	p.accumulatedReasoning.WriteString(text)
}

func (p *StreamProcessor) laneChunk(lane string, index int, text string) *task.Artifact {
	return &task.Artifact{
		ArtifactID: fmt.Sprintf("%s-%s", lane, p.taskID),
		Parts:      []*task.Part{task.TextPart(text)},
		Metadata:   map[string]any{"chunkIndex": index},
	}
}

func (p *StreamProcessor) flushText() {
	if p.buffered == nil {
		return
	}
	p.publishArtifact(p.buffered, p.textPublished > 0, true)
	p.textPublished++
	p.buffered = nil
}

func (p *StreamProcessor) flushReasoning() {
	if p.bufferedReasoning == nil {
		return
	}
	p.publishArtifact(p.bufferedReasoning, p.reasoningPublished > 0, true)
	p.reasoningPublished++
	p.bufferedReasoning = nil
}

// toolCallChunk routes workflow dispatch tools to the workflow handler and
// publishes a tool-call artifact for everything else.
func (p *StreamProcessor) toolCallChunk(ctx context.Context, c *model.Chunk) {
	if c.ToolName == "" {
		return
	}
	if id, ok := workflow.PluginIDFromTool(c.ToolName); ok {
		parts, childID, err := p.dispatch(ctx, id, c.ToolInput)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "tool", V: c.ToolName})
			p.publishArtifact(&task.Artifact{
				ArtifactID: task.NewID(),
				Parts:      []*task.Part{{Kind: task.PartToolOutputError, ErrorText: err.Error()}},
			}, false, false)
			return
		}
		p.dispatches = append(p.dispatches, DispatchResult{ToolName: c.ToolName, TaskID: childID, Parts: parts})
		return
	}

	artifactID := task.NewID()
	p.publishArtifact(&task.Artifact{
		ArtifactID: artifactID,
		Parts: []*task.Part{{
			Kind:       task.PartToolCall,
			ToolCallID: c.ToolCallID,
			ToolName:   c.ToolName,
			Args:       c.ToolInput,
		}},
	}, false, false)
	p.toolCallArtifacts[c.ToolIndex] = artifactID
	p.calls = append(p.calls, toolCall{
		index:      c.ToolIndex,
		id:         c.ToolCallID,
		name:       c.ToolName,
		args:       c.ToolInput,
		artifactID: artifactID,
	})
}

// toolResult appends a tool-result part to the artifact of the matching
// call. Correlation is positional, with call id as fallback; unmatched
// results are dropped.
func (p *StreamProcessor) toolResult(c *model.Chunk) {
	call, ok := p.findCall(c)
	if !ok {
		return
	}
	p.publishArtifact(&task.Artifact{
		ArtifactID: call.artifactID,
		Parts: []*task.Part{{
			Kind:       task.PartToolResult,
			ToolCallID: call.id,
			ToolName:   call.name,
			Output:     c.Output,
		}},
	}, true, false)
}

func (p *StreamProcessor) findCall(c *model.Chunk) (toolCall, bool) {
	// Latest call with the index wins.
	for i := len(p.calls) - 1; i >= 0; i-- {
		if p.calls[i].index == c.ToolIndex {
			return p.calls[i], true
		}
	}
	if c.ToolCallID != "" {
		for i := len(p.calls) - 1; i >= 0; i-- {
			if p.calls[i].id == c.ToolCallID {
				return p.calls[i], true
			}
		}
	}
	return toolCall{}, false
}

func (p *StreamProcessor) publishArtifact(a *task.Artifact, appendParts, lastChunk bool) {
	p.bus.Publish(task.NewArtifactEvent(p.taskID, p.contextID, a, appendParts, lastChunk))
}

// Finish flushes any still-buffered lane chunks with lastChunk and returns
// the reconstructed assistant message for the session history, or nil when
// the model produced no text.
func (p *StreamProcessor) Finish() *task.Message {
	p.flushText()
	p.flushReasoning()
	if p.accumulatedText.Len() == 0 {
		return nil
	}
	msg := task.TextMessage(task.RoleAssistant, p.accumulatedText.String())
	msg.TaskID = p.taskID
	msg.ContextID = p.contextID
	return msg
}

// Dispatches returns the workflows dispatched during the turn, in call order.
func (p *StreamProcessor) Dispatches() []DispatchResult {
	return p.dispatches
}

// DeltaCount returns the diagnostic counter for a delta kind.
func (p *StreamProcessor) DeltaCount(kind model.ChunkKind) int {
	return p.deltaCounters[kind]
}
