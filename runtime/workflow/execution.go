package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"goa.design/taskflow/runtime/task"
)

type (
	// Execution is the runtime handle to one running workflow. Executions
	// are created by Runtime.Dispatch, run in their own goroutine, and may
	// outlive the request that dispatched them. The execution id doubles as
	// the child task id.
	Execution struct {
		id        string
		contextID string
		plugin    *Plugin
		params    map[string]any
		metadata  map[string]any

		ctx    context.Context
		cancel context.CancelFunc

		// out carries yields from the workflow goroutine to the driver;
		// in carries validated resume values back to a paused workflow.
		out    chan *Yield
		in     chan any
		finish chan outcome

		// notifyMu serializes listener invocation so pending-flush and live
		// notifications never interleave out of order.
		notifyMu sync.Mutex

		mu           sync.Mutex
		state        task.State
		pause        *PauseInfo
		werr         *Error
		rejectReason string
		result       any
		listeners    *Listeners
		pending      []*Yield

		first        *Yield
		firstOnce    sync.Once
		firstDecided chan struct{}

		done          chan struct{}
		includeStacks bool
	}

	// Listeners receives the non-terminal events of an execution. Terminal
	// outcomes are observed through WaitForCompletion so that exactly one
	// terminal status is ever published per execution.
	Listeners struct {
		// Artifact is invoked for every artifact yield.
		Artifact func(ArtifactUpdate)
		// Status is invoked for every non-terminal status-update yield.
		Status func(*task.Message)
		// Pause is invoked when the execution suspends for input.
		Pause func(PauseInfo)
	}

	// Snapshot is a point-in-time view of an execution's state.
	Snapshot struct {
		// State mirrors the task state of the execution.
		State task.State
		// Pause describes the pending input request when paused.
		Pause *PauseInfo
		// Err is the structured failure when State is failed.
		Err *Error
		// RejectReason is the plugin-provided reason when State is rejected.
		RejectReason string
		// Result is the workflow return value when State is completed.
		Result any
		// Final reports whether State is terminal.
		Final bool
	}

	outcome struct {
		result any
		err    error
		stack  string
	}
)

func newExecution(ctx context.Context, p *Plugin, taskID, contextID string, params map[string]any, includeStacks bool) *Execution {
	// Executions outlive the dispatching request: keep context values (log
	// context) but detach from the caller's cancellation.
	ectx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Execution{
		id:            taskID,
		contextID:     contextID,
		plugin:        p,
		params:        params,
		metadata:      map[string]any{"workflowName": p.Name, "pluginId": CanonicalID(p.ID), "version": p.Version},
		ctx:           ectx,
		cancel:        cancel,
		out:           make(chan *Yield),
		in:            make(chan any, 1),
		finish:        make(chan outcome, 1),
		state:         task.StateSubmitted,
		firstDecided:  make(chan struct{}),
		done:          make(chan struct{}),
		includeStacks: includeStacks,
	}
}

// ID returns the execution id, which equals the child task id.
func (e *Execution) ID() string { return e.id }

// ContextID returns the conversation context of the execution.
func (e *Execution) ContextID() string { return e.contextID }

// Plugin returns the plugin this execution runs.
func (e *Execution) Plugin() *Plugin { return e.plugin }

// Metadata returns execution metadata projected onto the child task.
func (e *Execution) Metadata() map[string]any {
	cp := make(map[string]any, len(e.metadata))
	for k, v := range e.metadata {
		cp[k] = v
	}
	return cp
}

// Snapshot returns the current execution state.
func (e *Execution) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		State:        e.state,
		Pause:        e.pause,
		Err:          e.werr,
		RejectReason: e.rejectReason,
		Result:       e.result,
		Final:        e.state.Terminal(),
	}
}

// SetListeners attaches the event listeners and flushes, in original order,
// any events the execution produced before they were attached.
func (e *Execution) SetListeners(l Listeners) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.mu.Lock()
	e.listeners = &l
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, y := range pending {
		e.deliver(&l, y)
	}
}

// WaitForCompletion blocks until the execution reaches a terminal state or
// ctx is canceled, returning the terminal snapshot.
func (e *Execution) WaitForCompletion(ctx context.Context) (Snapshot, error) {
	select {
	case <-e.done:
		return e.Snapshot(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Done is closed when the execution reaches a terminal state.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Cancel requests cooperative cancellation. Idempotent.
func (e *Execution) Cancel() { e.cancel() }

// send delivers a yield to the driver, honoring cancellation.
func (e *Execution) send(y *Yield) error {
	select {
	case e.out <- y:
		return nil
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

// resume validates input against the pending pause schema and delivers it to
// the suspended workflow. On validation failure the execution stays paused.
// onValid runs after the execution transitions back to working but before the
// input is delivered, so callers can publish the working status ahead of any
// post-resume yield.
func (e *Execution) resume(input any, onValid func()) error {
	e.mu.Lock()
	if !e.state.Paused() || e.pause == nil {
		e.mu.Unlock()
		return ErrNotPaused
	}
	schema := e.pause.InputSchema
	e.mu.Unlock()

	if err := validateInput(input, schema); err != nil {
		return err
	}

	e.mu.Lock()
	if !e.state.Paused() {
		e.mu.Unlock()
		return ErrNotPaused
	}
	e.state = task.StateWorking
	e.pause = nil
	e.mu.Unlock()

	if onValid != nil {
		onValid()
	}

	// in is buffered; the single waiting Interrupt call consumes it.
	select {
	case e.in <- input:
	default:
	}
	return nil
}

// start launches the workflow goroutine and the driver loop.
func (e *Execution) start() {
	e.mu.Lock()
	e.state = task.StateWorking
	e.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.finish <- outcome{
					err:   fmt.Errorf("workflow panic: %v", r),
					stack: string(debug.Stack()),
				}
			}
		}()
		result, err := e.plugin.Execute(e.ctx, &Yielder{exec: e}, e.params)
		e.finish <- outcome{result: result, err: err}
	}()

	go e.drive()
}

// drive consumes yields until the workflow returns or is canceled. The first
// yield is special-cased: a dispatch-response answers the originating tool
// call and is never delivered to listeners.
func (e *Execution) drive() {
	first := true
	for {
		select {
		case y := <-e.out:
			if first {
				first = false
				if y.Kind == YieldDispatchResponse {
					e.decideFirst(y)
					continue
				}
				e.decideFirst(nil)
			}
			e.handle(y)
		case o := <-e.finish:
			e.decideFirst(nil)
			e.finalize(o)
			return
		case <-e.ctx.Done():
			e.decideFirst(nil)
			e.finalize(outcome{err: e.ctx.Err()})
			return
		}
	}
}

func (e *Execution) handle(y *Yield) {
	switch y.Kind {
	case YieldDispatchResponse:
		// Only valid as the first yield; drop silently otherwise.
	case YieldStatusUpdate:
		e.notify(y)
	case YieldArtifact:
		e.notify(y)
	case YieldInterrupted:
		e.mu.Lock()
		if e.state.Terminal() {
			e.mu.Unlock()
			return
		}
		e.state = y.Pause.Reason
		e.pause = y.Pause
		e.mu.Unlock()
		if y.Pause.Artifact != nil {
			e.notify(&Yield{Kind: YieldArtifact, Artifact: y.Pause.Artifact})
		}
		e.notify(y)
	case YieldReject:
		e.mu.Lock()
		if !e.state.Terminal() {
			e.state = task.StateRejected
			e.rejectReason = y.RejectReason
		}
		e.mu.Unlock()
		// The workflow returns next; finalize preserves the rejected state
		// so only one terminal outcome is ever observed.
	}
}

// notify delivers a yield to the listeners, buffering it when none are
// attached yet.
func (e *Execution) notify(y *Yield) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.mu.Lock()
	l := e.listeners
	if l == nil {
		e.pending = append(e.pending, y)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.deliver(l, y)
}

func (e *Execution) deliver(l *Listeners, y *Yield) {
	switch y.Kind {
	case YieldArtifact:
		if l.Artifact != nil {
			l.Artifact(*y.Artifact)
		}
	case YieldStatusUpdate:
		if l.Status != nil {
			l.Status(y.StatusMessage)
		}
	case YieldInterrupted:
		if l.Pause != nil {
			l.Pause(*y.Pause)
		}
	}
}

func (e *Execution) decideFirst(y *Yield) {
	e.firstOnce.Do(func() {
		e.mu.Lock()
		e.first = y
		e.mu.Unlock()
		close(e.firstDecided)
	})
}

// waitFirstYield returns the first yield once the driver has classified it,
// or nil when the window elapses. Only dispatch-response yields are ever
// returned.
func (e *Execution) waitFirstYield(ctx context.Context, timeout time.Duration) *Yield {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.firstDecided:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.first
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// finalize records the terminal outcome. A state already terminal (reject,
// cancel) is preserved so exactly one terminal outcome exists.
func (e *Execution) finalize(o outcome) {
	defer e.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Terminal() {
		switch {
		case o.err == nil:
			e.state = task.StateCompleted
			e.result = o.result
		case errors.Is(o.err, ErrRejected):
			e.state = task.StateRejected
		case errors.Is(o.err, context.Canceled) || errors.Is(o.err, context.DeadlineExceeded):
			e.state = task.StateCanceled
		default:
			e.state = task.StateFailed
			e.werr = e.toError(o)
		}
	}
	close(e.done)
}

func (e *Execution) toError(o outcome) *Error {
	var werr *Error
	if errors.As(o.err, &werr) {
		return werr
	}
	err := &Error{Type: "WorkflowError", Message: o.err.Error()}
	if e.includeStacks {
		if o.stack != "" {
			err.Stack = o.stack
		} else {
			err.Stack = string(debug.Stack())
		}
	}
	return err
}
