package bus

import (
	"context"
	"errors"
	"sync"

	"goa.design/clue/log"

	"goa.design/taskflow/runtime/task"
	"goa.design/taskflow/runtime/task/store"
)

// Writer is the single persistence consumer of a bus. It reads events in
// publish order and folds each one into the stored task before the event
// becomes externally visible to anyone gating on Ready.
//
// Exactly one Writer must run per bus; Start enforces this.
type Writer struct {
	bus   *EventBus
	store store.Store

	startOnce sync.Once
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu   sync.Mutex
	last *task.Task
	err  error
}

// NewWriter builds the persistence loop for the given bus.
func NewWriter(s store.Store, b *EventBus) *Writer {
	return &Writer{
		bus:   b,
		store: s,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the persistence loop. Subsequent calls are no-ops. The loop
// runs until the bus is finished and drained or ctx is canceled.
func (w *Writer) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		go w.run(ctx)
	})
}

// Ready is closed once the first event has been committed to the task store.
// The workflow handler gates external visibility of child tasks on it.
func (w *Writer) Ready() <-chan struct{} { return w.ready }

// Done is closed once the loop has drained the bus after Finished.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Task returns the most recently committed snapshot, if any.
func (w *Writer) Task() *task.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.Clone()
}

// Err returns the first persistence error encountered, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	sub := w.bus.Subscribe(ctx)
	defer sub.Close()

	var current *task.Task
	sealed := make(map[string]bool)

	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			current = w.commit(ctx, current, e, sealed)
			w.readyOnce.Do(func() { close(w.ready) })
		case <-ctx.Done():
			return
		}
	}
}

// commit folds one event into the current snapshot and persists it.
func (w *Writer) commit(ctx context.Context, current *task.Task, e *task.Event, sealed map[string]bool) *task.Task {
	switch {
	case e.Kind == task.KindTask && e.Task != nil:
		current = e.Task.Clone()
	case e.Kind == task.KindMessage:
		// Unassociated replies are not persisted on the task record.
		return current
	case current == nil:
		// Status or artifact event before any creation event: recover the
		// snapshot from the store or synthesize a skeleton.
		loaded, err := w.store.Load(ctx, e.TaskID)
		switch {
		case err == nil:
			current = loaded
		case errors.Is(err, store.ErrTaskNotFound):
			current = &task.Task{
				ID:        e.TaskID,
				ContextID: e.ContextID,
				Status:    task.NewStatus(task.StateSubmitted, nil),
			}
		default:
			w.fail(ctx, e, err)
			return current
		}
		current.Apply(e, sealed)
	default:
		current.Apply(e, sealed)
	}

	if current == nil || current.ID == "" {
		return current
	}
	if err := w.store.Save(ctx, current); err != nil {
		w.fail(ctx, e, err)
		return current
	}
	w.mu.Lock()
	w.last = current
	w.mu.Unlock()
	return current
}

func (w *Writer) fail(ctx context.Context, e *task.Event, err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
	log.Error(ctx, err, log.KV{K: "task_id", V: e.TaskID}, log.KV{K: "event", V: string(e.Kind)})
}
