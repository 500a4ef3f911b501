package bus

import "sync"

// Manager is the process-wide mapping from task id to event bus. A single
// manager instance must be shared by every component that publishes or
// subscribes to task events: the manager is the only place where a child
// task's bus is discoverable, so separate instances would break stream
// resubscription for child tasks.
type Manager struct {
	mu       sync.Mutex
	buses    map[string]*EventBus
	onCreate func(*EventBus)
}

// NewManager creates an empty bus manager.
func NewManager() *Manager {
	return &Manager{buses: make(map[string]*EventBus)}
}

// OnCreate registers a callback invoked once for every newly created bus,
// before the bus carries any event. External mirrors attach here. Must be
// set during wiring, before the first task arrives.
func (m *Manager) OnCreate(fn func(*EventBus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCreate = fn
}

// CreateOrGetByTaskID returns the bus for the task, creating it on first
// need. Idempotent.
func (m *Manager) CreateOrGetByTaskID(taskID string) *EventBus {
	m.mu.Lock()
	if b, ok := m.buses[taskID]; ok {
		m.mu.Unlock()
		return b
	}
	b := New(taskID)
	m.buses[taskID] = b
	fn := m.onCreate
	m.mu.Unlock()
	if fn != nil {
		fn(b)
	}
	return b
}

// GetByTaskID returns the bus for the task if one exists.
func (m *Manager) GetByTaskID(taskID string) (*EventBus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buses[taskID]
	return b, ok
}

// CleanupByTaskID removes the bus entry. Callers invoke this only after the
// bus is finished and its persistence loop has drained; the bus itself keeps
// serving already-attached subscribers until they drain.
func (m *Manager) CleanupByTaskID(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buses[taskID]; ok {
		b.Finished()
		delete(m.buses, taskID)
	}
}

// Len returns the number of live buses. Intended for tests and diagnostics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buses)
}
