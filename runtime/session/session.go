// Package session tracks conversation contexts: which tasks belong to a
// context and the message history the AI layer replays on the next turn.
package session

import (
	"sync"

	"goa.design/taskflow/runtime/task"
)

type (
	// Manager indexes sessions by context id. A session is created lazily the
	// first time a context id is seen; requests without a context id get a
	// fresh one.
	Manager struct {
		mu       sync.Mutex
		sessions map[string]*session
	}

	session struct {
		tasks   []string
		history []*task.Message
	}
)

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*session)}
}

// EnsureContext returns the given context id, creating its session if needed.
// An empty id allocates a new context.
func (m *Manager) EnsureContext(contextID string) string {
	if contextID == "" {
		contextID = task.NewID()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[contextID]; !ok {
		m.sessions[contextID] = &session{}
	}
	return contextID
}

// AddTask associates a task with the context. Duplicate adds are ignored.
func (m *Manager) AddTask(contextID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(contextID)
	for _, id := range s.tasks {
		if id == taskID {
			return
		}
	}
	s.tasks = append(s.tasks, taskID)
}

// Tasks returns the task ids associated with the context, in creation order.
func (m *Manager) Tasks(contextID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[contextID]
	if !ok {
		return nil
	}
	out := make([]string, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// AppendHistory appends messages to the context history. The AI layer calls
// it only after a turn completes; interrupted or failed turns leave the
// history untouched.
func (m *Manager) AppendHistory(contextID string, msgs ...*task.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(contextID)
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		s.history = append(s.history, msg.Clone())
	}
}

// History returns a copy of the context history in append order.
func (m *Manager) History(contextID string) []*task.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[contextID]
	if !ok {
		return nil
	}
	out := make([]*task.Message, len(s.history))
	for i, msg := range s.history {
		out[i] = msg.Clone()
	}
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// get returns the session for the context, creating it if needed. Callers
// must hold m.mu.
func (m *Manager) get(contextID string) *session {
	s, ok := m.sessions[contextID]
	if !ok {
		s = &session{}
		m.sessions[contextID] = s
	}
	return s
}
