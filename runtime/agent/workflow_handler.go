package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	"goa.design/taskflow/runtime/bus"
	"goa.design/taskflow/runtime/session"
	"goa.design/taskflow/runtime/task"
	"goa.design/taskflow/runtime/task/store"
	"goa.design/taskflow/runtime/workflow"
)

// cleanupGrace is the delay between finishing a child bus and removing it
// from the manager, giving the persistence loop time to drain.
const cleanupGrace = 100 * time.Millisecond

// WorkflowHandler mediates between the workflow runtime and the event bus
// system. It owns the child task lifecycle end to end: child bus creation,
// first-event gating, the parent-bus announcement, and terminal cleanup.
type WorkflowHandler struct {
	runtime  *workflow.Runtime
	buses    *bus.Manager
	store    store.Store
	sessions *session.Manager

	mu          sync.Mutex
	contextTask map[string]string // contextID -> child taskID
}

// NewWorkflowHandler wires the handler to the shared runtime substrate. The
// bus manager must be the same instance used by the AI handler and transport.
func NewWorkflowHandler(rt *workflow.Runtime, buses *bus.Manager, st store.Store, sessions *session.Manager) *WorkflowHandler {
	return &WorkflowHandler{
		runtime:     rt,
		buses:       buses,
		store:       st,
		sessions:    sessions,
		contextTask: make(map[string]string),
	}
}

// Dispatch starts a workflow for a dispatch tool call. It creates the child
// task under a fresh context, publishes its creation event on a new child
// bus, announces the child on the parent bus only after the creation event is
// persisted, and returns the synchronous dispatch-response parts, if any,
// along with the child task id.
func (h *WorkflowHandler) Dispatch(ctx context.Context, pluginID string, params map[string]any, parent *bus.EventBus, parentContextID string) ([]*task.Part, string, error) {
	p, err := h.runtime.GetPlugin(pluginID)
	if err != nil {
		return nil, "", err
	}

	// Workflows run under their own context, independent of the parent's.
	childContext := h.sessions.EnsureContext("")
	taskID := task.NewID()

	exec, err := h.runtime.Dispatch(ctx, pluginID, taskID, childContext, params)
	if err != nil {
		return nil, "", err
	}

	// The workflow outlives the dispatching request: persistence and the
	// monitor run detached from the request context. Only tasks/cancel,
	// plugin abort, or runtime shutdown end the execution.
	execCtx := context.WithoutCancel(ctx)

	childBus := h.buses.CreateOrGetByTaskID(taskID)
	writer := bus.NewWriter(h.store, childBus)
	writer.Start(execCtx)

	child := &task.Task{
		ID:        taskID,
		ContextID: childContext,
		Status:    task.NewStatus(task.StateSubmitted, nil),
		Metadata:  exec.Metadata(),
	}
	childBus.Publish(task.NewTaskEvent(child))

	h.sessions.AddTask(childContext, taskID)
	h.mu.Lock()
	h.contextTask[childContext] = taskID
	h.mu.Unlock()

	// Gate external visibility on the persisted creation event. Listener
	// events stay buffered inside the execution until attached below.
	select {
	case <-writer.Ready():
	case <-ctx.Done():
		exec.Cancel()
		return nil, taskID, ctx.Err()
	}

	childBus.Publish(task.NewStatusEvent(taskID, childContext, task.NewStatus(task.StateWorking, nil)))
	exec.SetListeners(h.listeners(taskID, childContext, childBus))

	h.announce(parent, parentContextID, taskID, p)
	go h.monitor(execCtx, exec, childBus, writer, childContext)

	y, err := h.runtime.WaitForFirstYield(ctx, taskID)
	if err != nil || y == nil {
		return nil, taskID, nil
	}
	return y.Parts, taskID, nil
}

// listeners publishes execution events onto the child bus.
func (h *WorkflowHandler) listeners(taskID, contextID string, b *bus.EventBus) workflow.Listeners {
	return workflow.Listeners{
		Artifact: func(u workflow.ArtifactUpdate) {
			b.Publish(task.NewArtifactEvent(taskID, contextID, u.Artifact, u.Append, u.LastChunk))
		},
		Status: func(m *task.Message) {
			b.Publish(task.NewStatusEvent(taskID, contextID, task.NewStatus(task.StateWorking, m)))
		},
		Pause: func(p workflow.PauseInfo) {
			var msg *task.Message
			if p.Message != "" {
				msg = task.TextMessage(task.RoleAssistant, p.Message)
				msg.TaskID = taskID
				msg.ContextID = contextID
			}
			b.Publish(task.NewStatusEvent(taskID, contextID, task.NewStatus(p.Reason, msg)))
		},
	}
}

// announce publishes the referenceTaskIds status update on the parent bus.
// It is the only parent-bus event tied to the child.
func (h *WorkflowHandler) announce(parent *bus.EventBus, parentContextID, childTaskID string, p *workflow.Plugin) {
	if parent == nil {
		return
	}
	msg := &task.Message{
		MessageID:        task.NewID(),
		Role:             task.RoleAssistant,
		TaskID:           parent.TaskID(),
		ContextID:        parentContextID,
		ReferenceTaskIDs: []string{childTaskID},
		Parts:            []*task.Part{task.TextPart(fmt.Sprintf("Dispatching workflow: %s - %s", p.Name, p.Description))},
		Metadata: map[string]any{
			"referencedWorkflow": map[string]any{
				"workflowName": p.Name,
				"description":  p.Description,
				"pluginId":     p.ID,
			},
		},
	}
	parent.Publish(task.NewStatusEvent(parent.TaskID(), parentContextID, task.NewStatus(task.StateWorking, msg)))
}

// monitor waits for the execution to finish, publishes the single terminal
// status event, finishes the child bus, and cleans up after the persistence
// loop drains.
func (h *WorkflowHandler) monitor(ctx context.Context, exec *workflow.Execution, b *bus.EventBus, writer *bus.Writer, contextID string) {
	// ctx is detached from the dispatching request, so this wait ends only
	// when the execution itself finishes.
	snap, err := exec.WaitForCompletion(ctx)
	if err != nil {
		exec.Cancel()
		snap, _ = exec.WaitForCompletion(context.Background())
	}

	b.Publish(task.NewStatusEvent(b.TaskID(), contextID, task.NewStatus(snap.State, terminalMessage(b.TaskID(), contextID, snap))))
	b.Finished()

	select {
	case <-writer.Done():
	case <-time.After(cleanupGrace):
	}

	h.buses.CleanupByTaskID(b.TaskID())
	h.runtime.Remove(b.TaskID())
	h.mu.Lock()
	if h.contextTask[contextID] == b.TaskID() {
		delete(h.contextTask, contextID)
	}
	h.mu.Unlock()
	log.Debugf(ctx, "workflow task %s finished in state %s", b.TaskID(), snap.State)
}

// terminalMessage builds the message attached to the terminal status event.
func terminalMessage(taskID, contextID string, snap workflow.Snapshot) *task.Message {
	var msg *task.Message
	switch snap.State {
	case task.StateFailed:
		if snap.Err == nil {
			return nil
		}
		msg = &task.Message{
			MessageID: task.NewID(),
			Role:      task.RoleAssistant,
			Parts: []*task.Part{
				task.TextPart(snap.Err.Error()),
				task.DataPart(snap.Err, nil),
			},
		}
	case task.StateRejected:
		if snap.RejectReason == "" {
			return nil
		}
		msg = task.TextMessage(task.RoleAssistant, snap.RejectReason)
	case task.StateCompleted:
		if snap.Result == nil {
			return nil
		}
		msg = &task.Message{
			MessageID: task.NewID(),
			Role:      task.RoleAssistant,
			Parts:     []*task.Part{task.DataPart(snap.Result, nil)},
		}
	default:
		return nil
	}
	msg.TaskID = taskID
	msg.ContextID = contextID
	return msg
}

// Resume delivers user input to a paused child task. Validation failures keep
// the task paused and publish a non-final status update summarizing the
// violation; success publishes a working status. Subsequent workflow events
// reach the child bus through the listeners registered at dispatch time.
func (h *WorkflowHandler) Resume(ctx context.Context, taskID string, input any) error {
	exec, err := h.runtime.Lookup(taskID)
	if err != nil {
		return err
	}
	contextID := exec.ContextID()
	b := h.buses.CreateOrGetByTaskID(taskID)

	// The working status must hit the child bus before any post-resume yield;
	// the runtime invokes the callback before delivering the input.
	onValid := func() {
		b.Publish(task.NewStatusEvent(taskID, contextID, task.NewStatus(task.StateWorking, nil)))
	}
	if err := h.runtime.Resume(ctx, taskID, input, onValid); err != nil {
		var verr *workflow.ValidationError
		if errors.As(err, &verr) {
			snap := exec.Snapshot()
			state := snap.State
			if !state.Paused() {
				state = task.StateInputRequired
			}
			msg := task.TextMessage(task.RoleAssistant, verr.Error())
			msg.TaskID = taskID
			msg.ContextID = contextID
			b.Publish(task.NewStatusEvent(taskID, contextID, task.NewStatus(state, msg)))
		}
		return err
	}
	return nil
}

// Cancel requests cancellation of the child task. Safe to call before the
// execution starts; the terminal canceled status is published by the monitor.
func (h *WorkflowHandler) Cancel(ctx context.Context, taskID string) {
	log.Debugf(ctx, "canceling task %s", taskID)
	h.runtime.CancelExecution(taskID)
}

// TaskForContext returns the active child task id for a workflow context.
func (h *WorkflowHandler) TaskForContext(contextID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.contextTask[contextID]
	return id, ok
}

// PausedExecution reports whether the task names a live execution waiting for
// input, along with its pause descriptor.
func (h *WorkflowHandler) PausedExecution(taskID string) (*workflow.PauseInfo, bool) {
	snap, err := h.runtime.TaskState(taskID)
	if err != nil || !snap.State.Paused() || snap.Pause == nil {
		return nil, false
	}
	return snap.Pause, true
}

// LiveTask returns the stored task overlaid with the live execution state.
// A paused execution whose pause event has not yet been persisted is still
// reported as paused, with the pause descriptor in the task metadata.
func (h *WorkflowHandler) LiveTask(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := h.store.Load(ctx, taskID)
	snap, serr := h.runtime.TaskState(taskID)
	if err != nil {
		if !errors.Is(err, store.ErrTaskNotFound) || serr != nil {
			return nil, err
		}
		// Execution registered but creation event not yet committed.
		exec, lerr := h.runtime.Lookup(taskID)
		if lerr != nil {
			return nil, err
		}
		t = &task.Task{
			ID:        taskID,
			ContextID: exec.ContextID(),
			Status:    task.NewStatus(task.StateSubmitted, nil),
			Metadata:  exec.Metadata(),
		}
	}
	if serr != nil {
		return t, nil
	}
	if snap.State.Paused() && !t.Status.State.Terminal() {
		if t.Status.State != snap.State {
			// Pause event not yet persisted; overlay the live status.
			var msg *task.Message
			if snap.Pause.Message != "" {
				msg = task.TextMessage(task.RoleAssistant, snap.Pause.Message)
				msg.TaskID = taskID
				msg.ContextID = t.ContextID
			}
			t.Status = task.NewStatus(snap.State, msg)
		}
		if t.Metadata == nil {
			t.Metadata = make(map[string]any)
		}
		t.Metadata["pauseInfo"] = map[string]any{
			"reason":      string(snap.Pause.Reason),
			"message":     snap.Pause.Message,
			"inputSchema": snap.Pause.InputSchema,
		}
	}
	return t, nil
}
