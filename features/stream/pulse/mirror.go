// Package pulse mirrors task event buses onto goa.design/pulse streams so
// other processes can follow live task streams through Redis. Each task maps
// to one Pulse stream named task/<taskId>; the envelope carries the full
// task event JSON.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	clientspulse "goa.design/taskflow/features/stream/pulse/clients/pulse"
	"goa.design/taskflow/runtime/bus"
	"goa.design/taskflow/runtime/task"
)

type (
	// Options configures the mirror.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
	}

	// Mirror republishes task bus events to Pulse streams. Attach one
	// mirror per process and call Attach for every bus whose events should
	// be visible outside the process.
	Mirror struct {
		client clientspulse.Client
	}

	// envelope wraps one task event for transmission over Pulse.
	//
	//nolint:tagliatelle // matches the task event wire format
	envelope struct {
		// Kind is the task event kind.
		Kind string `json:"kind"`
		// TaskID identifies the task stream.
		TaskID string `json:"taskId"`
		// Timestamp records when the event was mirrored (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Event is the full task event.
		Event *task.Event `json:"event"`
	}
)

// StreamName derives the Pulse stream name for a task.
func StreamName(taskID string) string {
	return fmt.Sprintf("task/%s", taskID)
}

// NewMirror constructs a Pulse-backed task event mirror.
func NewMirror(opts Options) (*Mirror, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	return &Mirror{client: opts.Client}, nil
}

// Attach starts mirroring the bus onto its task stream. It returns once the
// pump goroutine is running; mirroring stops when the bus finishes and
// drains or ctx is canceled. Mirroring is best-effort: publish failures are
// logged and do not disturb in-process subscribers.
func (m *Mirror) Attach(ctx context.Context, b *bus.EventBus) error {
	handle, err := m.client.Stream(StreamName(b.TaskID()))
	if err != nil {
		return err
	}
	sub := b.Subscribe(ctx)
	go m.pump(ctx, b.TaskID(), handle, sub)
	return nil
}

// Close releases the underlying Pulse client.
func (m *Mirror) Close(ctx context.Context) error {
	return m.client.Close(ctx)
}

func (m *Mirror) pump(ctx context.Context, taskID string, handle clientspulse.Stream, sub *bus.Subscription) {
	defer sub.Close()
	for e := range sub.Events() {
		payload, err := json.Marshal(envelope{
			Kind:      string(e.Kind),
			TaskID:    taskID,
			Timestamp: time.Now().UTC(),
			Event:     e,
		})
		if err != nil {
			log.Error(ctx, err, log.KV{K: "task_id", V: taskID})
			continue
		}
		if _, err := handle.Add(ctx, string(e.Kind), payload); err != nil {
			log.Error(ctx, err, log.KV{K: "task_id", V: taskID}, log.KV{K: "event", V: string(e.Kind)})
		}
	}
}
