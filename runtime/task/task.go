// Package task defines the protocol data types for externally observable
// units of work: tasks, task statuses, artifacts, message parts, and the
// events that stream them. Field names use camelCase JSON tags to conform to
// the wire protocol.
//
//nolint:tagliatelle // protocol requires camelCase JSON field names
package task

import (
	"time"

	"github.com/google/uuid"
)

type (
	// Task is the persistent record representing one unit of externally
	// observable work. A task is created either for an AI turn or for a
	// workflow execution and is owned by its originating execution until it
	// reaches a terminal state.
	Task struct {
		// ID is the globally unique, time-ordered task identifier.
		ID string `json:"id"`
		// ContextID associates the task with a conversation context.
		ContextID string `json:"contextId"`
		// Status is the most recent task status snapshot.
		Status Status `json:"status"`
		// Artifacts are the task output artifacts accumulated so far, in
		// publish order.
		Artifacts []*Artifact `json:"artifacts,omitempty"`
		// History contains the ordered status messages recorded for the task.
		History []*Message `json:"history,omitempty"`
		// Metadata holds implementation-defined task metadata.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Status represents the state of a task at a point in time.
	Status struct {
		// State is the canonical task state.
		State State `json:"state"`
		// Message is an optional status message.
		Message *Message `json:"message,omitempty"`
		// Timestamp is an RFC3339 timestamp for the status update.
		Timestamp string `json:"timestamp,omitempty"`
	}

	// State enumerates the task lifecycle states.
	State string

	// Message represents a single protocol message. Messages appear as user
	// input, status-update payloads, and unassociated replies.
	Message struct {
		// MessageID uniquely identifies the message.
		MessageID string `json:"messageId,omitempty"`
		// Role is "user" or "assistant".
		Role string `json:"role"`
		// Parts are the ordered content parts that make up the message.
		Parts []*Part `json:"parts"`
		// TaskID optionally names the task this message addresses. A user
		// message carrying the id of a paused task resumes that task.
		TaskID string `json:"taskId,omitempty"`
		// ContextID optionally names the conversation context.
		ContextID string `json:"contextId,omitempty"`
		// ReferenceTaskIDs lists tasks referenced by this message, such as
		// child tasks announced on a parent stream.
		ReferenceTaskIDs []string `json:"referenceTaskIds,omitempty"`
		// Metadata holds implementation-defined message metadata.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Artifact represents an output artifact attached to a task. Repeated
	// updates with the same ArtifactID and the append flag accumulate parts
	// until an update with lastChunk seals the artifact.
	Artifact struct {
		// ArtifactID is stable within a task.
		ArtifactID string `json:"artifactId"`
		// Name is the optional display name for the artifact.
		Name string `json:"name,omitempty"`
		// Description is an optional human-readable description.
		Description string `json:"description,omitempty"`
		// MIMEType is the optional artifact MIME type.
		MIMEType string `json:"mimeType,omitempty"`
		// Parts are the ordered content parts that make up the artifact.
		Parts []*Part `json:"parts"`
		// Metadata carries implementation-defined artifact metadata.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Part represents one content part of a message or artifact. Kind
	// selects which fields are populated.
	Part struct {
		// Kind identifies the part flavor: "text", "data", "tool-call",
		// "tool-result", or "tool-output-error".
		Kind PartKind `json:"kind"`
		// Text is the textual content when Kind == PartText.
		Text string `json:"text,omitempty"`
		// Data is the structured payload when Kind == PartData.
		Data any `json:"data,omitempty"`
		// ToolCallID correlates tool-call and tool-result parts.
		ToolCallID string `json:"toolCallId,omitempty"`
		// ToolName identifies the tool for tool-call and tool-result parts.
		ToolName string `json:"toolName,omitempty"`
		// Args carries the tool invocation arguments when Kind == PartToolCall.
		Args any `json:"args,omitempty"`
		// Output carries the tool output when Kind == PartToolResult. A null
		// output is preserved as-is.
		Output any `json:"output,omitempty"`
		// ErrorText describes the failure when Kind == PartToolOutputError.
		ErrorText string `json:"errorText,omitempty"`
		// Metadata carries optional part metadata such as mimeType or schema
		// for data parts.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// PartKind enumerates part flavors.
	PartKind string
)

const (
	// StateSubmitted indicates the task has been created but not started.
	StateSubmitted State = "submitted"
	// StateWorking indicates the task is actively executing.
	StateWorking State = "working"
	// StateInputRequired indicates the task is paused awaiting user input.
	StateInputRequired State = "input-required"
	// StateAuthRequired indicates the task is paused awaiting authorization.
	StateAuthRequired State = "auth-required"
	// StateCompleted indicates the task finished successfully. Terminal.
	StateCompleted State = "completed"
	// StateFailed indicates the task failed permanently. Terminal.
	StateFailed State = "failed"
	// StateCanceled indicates the task was canceled externally. Terminal.
	StateCanceled State = "canceled"
	// StateRejected indicates the workflow rejected the request. Terminal.
	StateRejected State = "rejected"
)

const (
	// PartText is a plain text part.
	PartText PartKind = "text"
	// PartData is a structured data part.
	PartData PartKind = "data"
	// PartToolCall records a model-requested tool invocation.
	PartToolCall PartKind = "tool-call"
	// PartToolResult records the output of a tool invocation.
	PartToolResult PartKind = "tool-result"
	// PartToolOutputError records a failed tool invocation.
	PartToolOutputError PartKind = "tool-output-error"
)

const (
	// RoleUser is the role of end-user messages.
	RoleUser = "user"
	// RoleAssistant is the role of agent-produced messages.
	RoleAssistant = "assistant"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled, StateRejected:
		return true
	default:
		return false
	}
}

// Paused reports whether the state represents a suspended execution waiting
// for external input.
func (s State) Paused() bool {
	return s == StateInputRequired || s == StateAuthRequired
}

// NewID returns a new globally unique, time-ordered identifier. Task and
// context ids are UUIDv7 so lexical order tracks creation order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// Now returns the RFC3339 timestamp used for status updates.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// NewStatus builds a Status with the current timestamp.
func NewStatus(state State, msg *Message) Status {
	return Status{State: state, Message: msg, Timestamp: Now()}
}

// TextMessage builds a message holding a single text part.
func TextMessage(role, text string) *Message {
	return &Message{
		MessageID: NewID(),
		Role:      role,
		Parts:     []*Part{{Kind: PartText, Text: text}},
	}
}

// TextPart builds a text part.
func TextPart(text string) *Part {
	return &Part{Kind: PartText, Text: text}
}

// DataPart builds a data part with optional metadata.
func DataPart(data any, meta map[string]any) *Part {
	return &Part{Kind: PartData, Data: data, Metadata: meta}
}

// DataParts returns the data parts of the message in order.
func (m *Message) DataParts() []*Part {
	if m == nil {
		return nil
	}
	var parts []*Part
	for _, p := range m.Parts {
		if p != nil && p.Kind == PartData {
			parts = append(parts, p)
		}
	}
	return parts
}

// Text concatenates the text parts of the message in order.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var text string
	for _, p := range m.Parts {
		if p != nil && p.Kind == PartText {
			text += p.Text
		}
	}
	return text
}

// Clone returns a deep copy of the task. Stores and buses hand out clones so
// callers never share mutable state with the persistence loop.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := &Task{
		ID:        t.ID,
		ContextID: t.ContextID,
		Status:    t.Status.clone(),
		Metadata:  cloneMap(t.Metadata),
	}
	if len(t.Artifacts) > 0 {
		cp.Artifacts = make([]*Artifact, len(t.Artifacts))
		for i, a := range t.Artifacts {
			cp.Artifacts[i] = a.Clone()
		}
	}
	if len(t.History) > 0 {
		cp.History = make([]*Message, len(t.History))
		for i, m := range t.History {
			cp.History[i] = m.Clone()
		}
	}
	return cp
}

func (s Status) clone() Status {
	return Status{State: s.State, Message: s.Message.Clone(), Timestamp: s.Timestamp}
}

// Clone returns a deep copy of the artifact.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	cp := &Artifact{
		ArtifactID:  a.ArtifactID,
		Name:        a.Name,
		Description: a.Description,
		MIMEType:    a.MIMEType,
		Metadata:    cloneMap(a.Metadata),
	}
	if len(a.Parts) > 0 {
		cp.Parts = make([]*Part, len(a.Parts))
		for i, p := range a.Parts {
			cp.Parts[i] = p.Clone()
		}
	}
	return cp
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := &Message{
		MessageID: m.MessageID,
		Role:      m.Role,
		TaskID:    m.TaskID,
		ContextID: m.ContextID,
		Metadata:  cloneMap(m.Metadata),
	}
	if len(m.ReferenceTaskIDs) > 0 {
		cp.ReferenceTaskIDs = append([]string(nil), m.ReferenceTaskIDs...)
	}
	if len(m.Parts) > 0 {
		cp.Parts = make([]*Part, len(m.Parts))
		for i, p := range m.Parts {
			cp.Parts[i] = p.Clone()
		}
	}
	return cp
}

// Clone returns a shallow-payload copy of the part. Data, Args, and Output
// values are shared; they are treated as immutable once published.
func (p *Part) Clone() *Part {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Metadata = cloneMap(p.Metadata)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
