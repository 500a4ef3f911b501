package workflow

import (
	"context"
	"errors"
	"fmt"

	"goa.design/taskflow/runtime/task"
)

type (
	// YieldKind enumerates the values a workflow can yield.
	YieldKind string

	// Yield is one value produced by a workflow. Kind selects which field
	// is populated.
	Yield struct {
		// Kind identifies the yield flavor.
		Kind YieldKind
		// Parts carries the synchronous tool-call answer for
		// dispatch-response yields. Never emitted as a task artifact.
		Parts []*task.Part
		// StatusMessage carries the message for status-update yields.
		StatusMessage *task.Message
		// Artifact carries the update for artifact yields.
		Artifact *ArtifactUpdate
		// Pause carries the suspension request for interrupted yields.
		Pause *PauseInfo
		// RejectReason carries the terminal reason for reject yields.
		RejectReason string
	}

	// ArtifactUpdate is the payload of an artifact yield.
	ArtifactUpdate struct {
		// Artifact is the artifact chunk to emit.
		Artifact *task.Artifact
		// Append concatenates parts to the prior artifact with the same id.
		Append bool
		// LastChunk seals the artifact against further appends.
		LastChunk bool
		// Metadata carries optional event metadata.
		Metadata map[string]any
	}

	// PauseInfo describes a suspended execution waiting for typed input.
	PauseInfo struct {
		// Reason is task.StateInputRequired or task.StateAuthRequired.
		Reason task.State
		// Message is the human-readable prompt for the required input.
		Message string
		// InputSchema is the JSON Schema the resume input must satisfy.
		InputSchema map[string]any
		// Artifact is an optional artifact emitted together with the pause.
		Artifact *ArtifactUpdate
	}

	// Yielder is the handle a workflow uses to yield values to the runtime.
	// All methods block until the runtime consumes the yield and return the
	// execution context error once the execution is canceled.
	Yielder struct {
		exec *Execution
	}
)

const (
	// YieldDispatchResponse answers the originating tool call synchronously.
	// Must be the first yield if present.
	YieldDispatchResponse YieldKind = "dispatch-response"
	// YieldStatusUpdate emits a non-terminal status message.
	YieldStatusUpdate YieldKind = "status-update"
	// YieldArtifact emits an artifact chunk.
	YieldArtifact YieldKind = "artifact"
	// YieldInterrupted suspends the execution until resumed with valid input.
	YieldInterrupted YieldKind = "interrupted"
	// YieldReject terminates the execution in the rejected state.
	YieldReject YieldKind = "reject"
)

// ErrRejected is returned by Yielder.Reject to short-circuit the workflow
// body; the runtime records the rejected state before the workflow observes
// it.
var ErrRejected = errors.New("workflow rejected")

// DispatchResponse answers the tool call that dispatched this workflow. It
// must be the first yield; later calls are delivered as plain status yields
// and never reach the caller.
func (y *Yielder) DispatchResponse(parts []*task.Part) error {
	return y.exec.send(&Yield{Kind: YieldDispatchResponse, Parts: parts})
}

// Status emits a non-terminal status message. The execution stays working.
func (y *Yielder) Status(text string) error {
	return y.StatusMessage(task.TextMessage(task.RoleAssistant, text))
}

// StatusMessage emits a non-terminal status update with the given message.
func (y *Yielder) StatusMessage(msg *task.Message) error {
	return y.exec.send(&Yield{Kind: YieldStatusUpdate, StatusMessage: msg})
}

// Artifact emits an artifact chunk. The execution stays working.
func (y *Yielder) Artifact(u ArtifactUpdate) error {
	if u.Artifact == nil || u.Artifact.ArtifactID == "" {
		return errors.New("artifact with id is required")
	}
	return y.exec.send(&Yield{Kind: YieldArtifact, Artifact: &u})
}

// RequireInput suspends the execution until the user supplies input valid
// against schema. The returned value is the validated input.
func (y *Yielder) RequireInput(message string, schema map[string]any) (any, error) {
	return y.Interrupt(PauseInfo{Reason: task.StateInputRequired, Message: message, InputSchema: schema})
}

// RequireAuth suspends the execution until authorization input valid against
// schema is supplied.
func (y *Yielder) RequireAuth(message string, schema map[string]any) (any, error) {
	return y.Interrupt(PauseInfo{Reason: task.StateAuthRequired, Message: message, InputSchema: schema})
}

// Interrupt suspends the execution with the given pause descriptor and
// blocks until a resume delivers input that validates against
// p.InputSchema. Workflows may validate further and interrupt again; every
// interrupted yield is treated independently.
func (y *Yielder) Interrupt(p PauseInfo) (any, error) {
	if !p.Reason.Paused() {
		return nil, fmt.Errorf("interrupt reason must be %q or %q", task.StateInputRequired, task.StateAuthRequired)
	}
	if err := y.exec.send(&Yield{Kind: YieldInterrupted, Pause: &p}); err != nil {
		return nil, err
	}
	select {
	case input := <-y.exec.in:
		return input, nil
	case <-y.exec.ctx.Done():
		return nil, y.exec.ctx.Err()
	}
}

// Reject terminates the execution in the rejected state. It returns
// ErrRejected so workflow bodies can simply `return nil, y.Reject(reason)`.
func (y *Yielder) Reject(reason string) error {
	if err := y.exec.send(&Yield{Kind: YieldReject, RejectReason: reason}); err != nil {
		return err
	}
	return ErrRejected
}

// Context returns the execution context. Workflows should pass it to any
// blocking operation so cancellation propagates.
func (y *Yielder) Context() context.Context {
	return y.exec.ctx
}
