// Package inmem provides the default in-memory task store. It is
// process-bound and safe for concurrent use by multiple goroutines.
package inmem

import (
	"context"
	"errors"
	"sync"

	"goa.design/taskflow/runtime/task"
	"goa.design/taskflow/runtime/task/store"
)

// Store is an in-memory task.Store implementation.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{tasks: make(map[string]*task.Task)}
}

// Load returns a defensive copy of the stored task.
func (s *Store) Load(_ context.Context, taskID string) (*task.Task, error) {
	if taskID == "" {
		return nil, errors.New("task id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return t.Clone(), nil
}

// Save stores a defensive copy of the task.
func (s *Store) Save(_ context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return errors.New("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.Clone()
	return nil
}

// Reset clears all stored tasks. Intended for tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]*task.Task)
}
