package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"goa.design/clue/log"
)

// Runtime is the workflow plugin registry and execution manager. A single
// Runtime serves all dispatches in the process; executions are indexed by
// their child task id.
type Runtime struct {
	mu            sync.Mutex
	plugins       map[string]*Plugin
	execs         map[string]*Execution
	pendingCancel map[string]struct{}
	down          bool
}

// NewRuntime creates an empty workflow runtime.
func NewRuntime() *Runtime {
	return &Runtime{
		plugins:       make(map[string]*Plugin),
		execs:         make(map[string]*Execution),
		pendingCancel: make(map[string]struct{}),
	}
}

// Register adds a plugin to the registry. The plugin id is canonicalized;
// registering two plugins whose ids canonicalize to the same value fails with
// ErrDuplicatePlugin.
func (r *Runtime) Register(p *Plugin) error {
	if err := p.validate(); err != nil {
		return err
	}
	id := CanonicalID(p.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return ErrShutdown
	}
	if _, ok := r.plugins[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, id)
	}
	cp := *p
	cp.ID = id
	r.plugins[id] = &cp
	return nil
}

// GetPlugin returns the plugin registered under the canonical form of id.
func (r *Runtime) GetPlugin(id string) (*Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[CanonicalID(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, CanonicalID(id))
	}
	return p, nil
}

// ListPlugins returns the registered plugins sorted by canonical id.
func (r *Runtime) ListPlugins() []*Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
	return ps
}

// AvailableTools returns one dispatch tool descriptor per registered plugin,
// sorted by tool name.
func (r *Runtime) AvailableTools() []*ToolDescriptor {
	plugins := r.ListPlugins()
	tools := make([]*ToolDescriptor, 0, len(plugins))
	for _, p := range plugins {
		tools = append(tools, p.descriptor())
	}
	return tools
}

// ToolMetadata resolves a dispatch tool name to its descriptor.
func (r *Runtime) ToolMetadata(toolName string) (*ToolDescriptor, error) {
	id, ok := PluginIDFromTool(toolName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}
	p, err := r.GetPlugin(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}
	return p.descriptor(), nil
}

// Dispatch validates params against the plugin input schema and starts a new
// execution under the given child task id. A cancel recorded for the task id
// before dispatch takes effect immediately.
func (r *Runtime) Dispatch(ctx context.Context, pluginID, taskID, contextID string, params map[string]any) (*Execution, error) {
	p, err := r.GetPlugin(pluginID)
	if err != nil {
		return nil, err
	}
	if err := validateParams(params, p.InputSchema); err != nil {
		return nil, err
	}

	e := newExecution(ctx, p, taskID, contextID, params, log.DebugEnabled(ctx))

	r.mu.Lock()
	if r.down {
		r.mu.Unlock()
		return nil, ErrShutdown
	}
	r.execs[taskID] = e
	_, canceled := r.pendingCancel[taskID]
	delete(r.pendingCancel, taskID)
	r.mu.Unlock()

	log.Debugf(ctx, "dispatching workflow %s as task %s", p.ID, taskID)
	e.start()
	if canceled {
		e.Cancel()
	}
	return e, nil
}

// Resume delivers input to a paused execution. Input failing the pause schema
// returns *ValidationError and leaves the execution paused. onValid, when not
// nil, runs after validation succeeds and before the input is delivered to
// the workflow.
func (r *Runtime) Resume(ctx context.Context, taskID string, input any, onValid func()) error {
	e, err := r.Lookup(taskID)
	if err != nil {
		return err
	}
	log.Debugf(ctx, "resuming task %s", taskID)
	return e.resume(input, onValid)
}

// CancelExecution cancels the execution for the task id. A cancel arriving
// before the dispatch registers its execution is remembered and applied at
// dispatch time.
func (r *Runtime) CancelExecution(taskID string) {
	r.mu.Lock()
	e, ok := r.execs[taskID]
	if !ok {
		r.pendingCancel[taskID] = struct{}{}
	}
	r.mu.Unlock()
	if ok {
		e.Cancel()
	}
}

// Lookup returns the execution registered under the task id.
func (r *Runtime) Lookup(taskID string) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.execs[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return e, nil
}

// TaskState returns the state snapshot of the execution for the task id.
func (r *Runtime) TaskState(taskID string) (Snapshot, error) {
	e, err := r.Lookup(taskID)
	if err != nil {
		return Snapshot{}, err
	}
	return e.Snapshot(), nil
}

// WaitForFirstYield waits for the execution's first yield within the plugin's
// dispatch-response window. It returns the yield when it is a
// dispatch-response and nil when the window elapses or the first yield is of
// another kind.
func (r *Runtime) WaitForFirstYield(ctx context.Context, taskID string) (*Yield, error) {
	e, err := r.Lookup(taskID)
	if err != nil {
		return nil, err
	}
	return e.waitFirstYield(ctx, e.plugin.responseTimeout()), nil
}

// Remove drops a finished execution from the index. Call after its terminal
// event has been persisted.
func (r *Runtime) Remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.execs, taskID)
}

// Shutdown cancels every live execution and waits for them to finish or for
// ctx to end. Registrations and dispatches fail with ErrShutdown afterwards.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.down = true
	execs := make([]*Execution, 0, len(r.execs))
	for _, e := range r.execs {
		execs = append(execs, e)
	}
	r.mu.Unlock()

	for _, e := range execs {
		e.Cancel()
	}
	for _, e := range execs {
		select {
		case <-e.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
