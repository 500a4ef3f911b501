package task

type (
	// Event is the unit of everything published on a task event bus. Kind
	// selects which payload fields are populated. Task-scoped events always
	// carry TaskID and ContextID; message events may be unassociated.
	Event struct {
		// Kind identifies the event flavor: "task", "status-update",
		// "artifact-update", or "message".
		Kind EventKind `json:"kind"`
		// TaskID is the id of the task this event belongs to.
		TaskID string `json:"taskId,omitempty"`
		// ContextID is the conversation context of the task.
		ContextID string `json:"contextId,omitempty"`
		// Task carries the full task for "task" (creation) events.
		Task *Task `json:"task,omitempty"`
		// Status carries the new status for "status-update" events.
		Status *Status `json:"status,omitempty"`
		// Final reports whether this is the terminal event for the task.
		Final bool `json:"final,omitempty"`
		// Artifact carries the artifact for "artifact-update" events.
		Artifact *Artifact `json:"artifact,omitempty"`
		// Append indicates the artifact parts extend a prior artifact with
		// the same artifactId instead of replacing it.
		Append bool `json:"append,omitempty"`
		// LastChunk marks the final chunk of a streaming artifact; it seals
		// the artifact against further appends.
		LastChunk bool `json:"lastChunk,omitempty"`
		// Message carries an unassociated reply for "message" events.
		Message *Message `json:"message,omitempty"`
	}

	// EventKind enumerates bus event flavors.
	EventKind string
)

const (
	// KindTask is the initial task creation event.
	KindTask EventKind = "task"
	// KindStatusUpdate signals a task state transition.
	KindStatusUpdate EventKind = "status-update"
	// KindArtifactUpdate carries an artifact chunk.
	KindArtifactUpdate EventKind = "artifact-update"
	// KindMessage carries an unassociated reply message.
	KindMessage EventKind = "message"
)

// NewTaskEvent builds the creation event for the given task.
func NewTaskEvent(t *Task) *Event {
	return &Event{
		Kind:      KindTask,
		TaskID:    t.ID,
		ContextID: t.ContextID,
		Task:      t.Clone(),
	}
}

// NewStatusEvent builds a status-update event. Final is derived from the
// state: terminal states always produce final events.
func NewStatusEvent(taskID, contextID string, status Status) *Event {
	return &Event{
		Kind:      KindStatusUpdate,
		TaskID:    taskID,
		ContextID: contextID,
		Status:    &status,
		Final:     status.State.Terminal(),
	}
}

// NewArtifactEvent builds an artifact-update event.
func NewArtifactEvent(taskID, contextID string, artifact *Artifact, append, lastChunk bool) *Event {
	return &Event{
		Kind:      KindArtifactUpdate,
		TaskID:    taskID,
		ContextID: contextID,
		Artifact:  artifact,
		Append:    append,
		LastChunk: lastChunk,
	}
}

// NewMessageEvent builds an unassociated message event.
func NewMessageEvent(msg *Message) *Event {
	return &Event{
		Kind:      KindMessage,
		TaskID:    msg.TaskID,
		ContextID: msg.ContextID,
		Message:   msg,
	}
}

// Apply folds the event into the task and reports whether the event mutated
// it. The sealed set tracks artifact ids that received a lastChunk update;
// appends to sealed artifacts are ignored. Apply is called exclusively by the
// persistence loop, which is the only writer for a task during execution.
func (t *Task) Apply(e *Event, sealed map[string]bool) bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindTask:
		// Creation is handled by the persistence loop before Apply.
		return false
	case KindStatusUpdate:
		if e.Status == nil || t.Status.State.Terminal() {
			return false
		}
		t.Status = e.Status.clone()
		if e.Status.Message != nil {
			t.History = append(t.History, e.Status.Message.Clone())
		}
		return true
	case KindArtifactUpdate:
		if e.Artifact == nil || e.Artifact.ArtifactID == "" {
			return false
		}
		id := e.Artifact.ArtifactID
		if sealed[id] {
			return false
		}
		if e.LastChunk {
			sealed[id] = true
		}
		for i, a := range t.Artifacts {
			if a.ArtifactID != id {
				continue
			}
			if e.Append {
				for _, p := range e.Artifact.Parts {
					a.Parts = append(a.Parts, p.Clone())
				}
			} else {
				t.Artifacts[i] = e.Artifact.Clone()
			}
			return true
		}
		t.Artifacts = append(t.Artifacts, e.Artifact.Clone())
		return true
	default:
		return false
	}
}
