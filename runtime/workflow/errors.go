package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPlugin indicates a plugin registration with missing or
	// malformed fields.
	ErrInvalidPlugin = errors.New("invalid plugin")
	// ErrDuplicatePlugin indicates a registration whose canonical id is
	// already taken.
	ErrDuplicatePlugin = errors.New("duplicate plugin")
	// ErrUnknownPlugin indicates a dispatch for an unregistered plugin id.
	ErrUnknownPlugin = errors.New("unknown plugin")
	// ErrUnknownTool indicates a tool metadata lookup for a name that does
	// not correspond to a registered plugin.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrUnknownTask indicates no execution exists for the task id.
	ErrUnknownTask = errors.New("unknown task")
	// ErrNotPaused indicates a resume for an execution that is not waiting
	// for input.
	ErrNotPaused = errors.New("execution not paused")
	// ErrInvalidParameters indicates dispatch parameters that fail the
	// plugin's input schema.
	ErrInvalidParameters = errors.New("invalid parameters")
	// ErrShutdown indicates the runtime has been shut down.
	ErrShutdown = errors.New("runtime is shut down")
)

// ValidationError reports resume input that failed the pause schema. The
// execution remains paused; Detail carries a human-readable summary suitable
// for a non-final status update.
type ValidationError struct {
	// Detail summarizes the schema violations.
	Detail string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Detail)
}

// Error captures a structured workflow failure. It is projected onto the
// child task as a failed status update carrying a text summary and a data
// blob.
type Error struct {
	// Type classifies the failure (for example "WorkflowError").
	Type string `json:"errorType"`
	// Code is an optional machine-readable error code.
	Code string `json:"errorCode,omitempty"`
	// Message is the human-readable failure summary.
	Message string `json:"message"`
	// Stack is the goroutine stack at failure time. Populated only when the
	// runtime logs at debug level.
	Stack string `json:"stack,omitempty"`
	// Context carries optional implementation-defined failure context.
	Context map[string]any `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}
