// Package agent routes inbound messages to AI turns or workflow operations
// and translates model streams and workflow events into task events.
package agent

import (
	"context"

	"goa.design/clue/log"

	"goa.design/taskflow/runtime/bus"
	"goa.design/taskflow/runtime/task"
)

type (
	// Route identifies how a request was handled.
	Route string

	// RequestContext carries one inbound message with the parent task
	// allocated for it by the transport.
	RequestContext struct {
		// Task is the parent task created for this request.
		Task *task.Task
		// Message is the inbound user message.
		Message *task.Message
		// Bus is the parent task's bus.
		Bus *bus.EventBus
	}

	// Result reports the route taken and the task the events landed on.
	Result struct {
		// Route is the handling path.
		Route Route
		// TaskID is the parent task id for AI turns and the resumed child
		// task id for resume routes.
		TaskID string
	}

	// Executor applies the message routing rules.
	Executor struct {
		ai *AIHandler
		wf *WorkflowHandler
	}
)

const (
	// RouteAITurn ran a new streaming AI turn.
	RouteAITurn Route = "ai-turn"
	// RouteResume resumed a paused workflow task.
	RouteResume Route = "resume"
)

// NewExecutor builds the router over the two handlers.
func NewExecutor(ai *AIHandler, wf *WorkflowHandler) *Executor {
	return &Executor{ai: ai, wf: wf}
}

// Route applies the routing rules without executing. An explicit taskId
// naming a paused execution resumes it; a data-bearing message whose context
// has a paused task resumes that task; everything else opens a new AI turn,
// even when sibling tasks in the same context are paused. For resume routes
// the returned task id is the paused child task.
func (e *Executor) Route(msg *task.Message) (Route, string) {
	if msg.TaskID != "" {
		if _, ok := e.wf.PausedExecution(msg.TaskID); ok {
			return RouteResume, msg.TaskID
		}
	}
	if len(msg.DataParts()) > 0 {
		if childID, ok := e.wf.TaskForContext(msg.ContextID); ok {
			if _, paused := e.wf.PausedExecution(childID); paused {
				return RouteResume, childID
			}
		}
	}
	return RouteAITurn, ""
}

// Execute routes the message and runs the selected handler to completion.
func (e *Executor) Execute(ctx context.Context, rc *RequestContext) (*Result, error) {
	route, target := e.Route(rc.Message)
	if route == RouteResume {
		log.Debugf(ctx, "routing message to resume of task %s", target)
		if err := e.wf.Resume(ctx, target, ResumeInput(rc.Message)); err != nil {
			return &Result{Route: RouteResume, TaskID: target}, err
		}
		return &Result{Route: RouteResume, TaskID: target}, nil
	}

	if err := e.ai.StreamingTurn(ctx, rc.Task, rc.Message, rc.Bus); err != nil {
		return &Result{Route: RouteAITurn, TaskID: rc.Task.ID}, err
	}
	return &Result{Route: RouteAITurn, TaskID: rc.Task.ID}, nil
}

// ResumeInput extracts the resume payload from a message: the first data
// part when present, the message text otherwise.
func ResumeInput(msg *task.Message) any {
	if parts := msg.DataParts(); len(parts) > 0 {
		return parts[0].Data
	}
	return msg.Text()
}
