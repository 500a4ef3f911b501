package agent

import (
	"context"
	"errors"
	"io"

	"goa.design/clue/log"

	"goa.design/taskflow/runtime/bus"
	"goa.design/taskflow/runtime/model"
	"goa.design/taskflow/runtime/session"
	"goa.design/taskflow/runtime/task"
	"goa.design/taskflow/runtime/workflow"
)

// AIHandler runs streaming AI turns: it opens a model stream with the
// conversation history and the available tool set, feeds the stream
// processor, and publishes the terminal status on the parent bus.
type AIHandler struct {
	client   model.Client
	tools    []model.Tool
	system   string
	runtime  *workflow.Runtime
	wf       *WorkflowHandler
	sessions *session.Manager
}

// NewAIHandler builds the AI turn handler. tools are the AI-provided tools;
// workflow dispatch tools are added from the runtime registry on every turn.
func NewAIHandler(client model.Client, system string, tools []model.Tool, rt *workflow.Runtime, wf *WorkflowHandler, sessions *session.Manager) *AIHandler {
	return &AIHandler{
		client:   client,
		tools:    tools,
		system:   system,
		runtime:  rt,
		wf:       wf,
		sessions: sessions,
	}
}

// Tools returns the full tool set for a turn: AI-provided tools plus one
// dispatch tool per registered workflow plugin.
func (h *AIHandler) Tools() []model.Tool {
	tools := make([]model.Tool, 0, len(h.tools))
	tools = append(tools, h.tools...)
	for _, d := range h.runtime.AvailableTools() {
		tools = append(tools, model.Tool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return tools
}

// StreamingTurn executes one AI turn for the parent task, publishing all
// events on the parent bus and finishing it when the turn ends. The session
// history gains the user/assistant pair only when the turn completes.
func (h *AIHandler) StreamingTurn(ctx context.Context, parent *task.Task, userMsg *task.Message, parentBus *bus.EventBus) error {
	taskID := parent.ID
	contextID := parent.ContextID

	parentBus.Publish(task.NewStatusEvent(taskID, contextID, task.NewStatus(task.StateWorking, nil)))

	history := h.sessions.History(contextID)
	messages := make([]*task.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, userMsg)

	stream, err := h.client.Stream(ctx, &model.Request{
		System:   h.system,
		Messages: messages,
		Tools:    h.Tools(),
	})
	if err != nil {
		h.fail(ctx, taskID, contextID, parentBus, err)
		return err
	}
	defer stream.Close()

	proc := NewStreamProcessor(taskID, contextID, parentBus, func(ctx context.Context, pluginID string, args map[string]any) ([]*task.Part, string, error) {
		parts, childID, derr := h.wf.Dispatch(ctx, pluginID, args, parentBus, contextID)
		return parts, childID, derr
	})

	for {
		c, rerr := stream.Recv()
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			h.fail(ctx, taskID, contextID, parentBus, rerr)
			return rerr
		}
		proc.Process(ctx, c)
	}

	assistant := proc.Finish()
	parentBus.Publish(task.NewStatusEvent(taskID, contextID, task.NewStatus(task.StateCompleted, nil)))
	parentBus.Finished()

	// Interrupted or failed turns never touch the history; a completed turn
	// without assistant text (tool-only turn) is skipped too so entries stay
	// strictly alternating user/assistant pairs.
	if assistant != nil {
		user := userMsg.Clone()
		user.Role = task.RoleUser
		h.sessions.AppendHistory(contextID, user, assistant)
	}
	return nil
}

// fail publishes the terminal failed status carrying structured error data
// and finishes the bus. The session history is left untouched.
func (h *AIHandler) fail(ctx context.Context, taskID, contextID string, b *bus.EventBus, err error) {
	log.Error(ctx, err, log.KV{K: "task_id", V: taskID})
	msg := &task.Message{
		MessageID: task.NewID(),
		Role:      task.RoleAssistant,
		TaskID:    taskID,
		ContextID: contextID,
		Parts: []*task.Part{
			task.TextPart(err.Error()),
			task.DataPart(map[string]any{"errorType": "StreamError", "message": err.Error()}, nil),
		},
	}
	b.Publish(task.NewStatusEvent(taskID, contextID, task.NewStatus(task.StateFailed, msg)))
	b.Finished()
}
