// Package store defines the pluggable task persistence contract. The
// persistence loop is the only writer for a task during its execution, so
// implementations must guarantee read-your-write semantics for a single
// client but need no cross-writer coordination.
package store

import (
	"context"
	"errors"

	"goa.design/taskflow/runtime/task"
)

// Store persists task snapshots keyed by task id.
type Store interface {
	// Load returns the stored task. Returns ErrTaskNotFound when the task
	// does not exist.
	Load(ctx context.Context, taskID string) (*task.Task, error)
	// Save stores or replaces the task snapshot.
	Save(ctx context.Context, t *task.Task) error
}

// ErrTaskNotFound indicates a task does not exist in the store.
var ErrTaskNotFound = errors.New("task not found")
