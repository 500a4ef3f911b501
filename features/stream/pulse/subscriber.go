package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/taskflow/features/stream/pulse/clients/pulse"
	"goa.design/taskflow/runtime/task"
)

type (
	// SubscriberOptions configures a Pulse-backed task event subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. Defaults to
		// "taskflow_subscriber".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes mirrored task streams from another process and
	// emits the decoded task events.
	Subscriber struct {
		client clientspulse.Client
		name   string
		buffer int
	}
)

// NewSubscriber constructs a Pulse-backed task event subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "taskflow_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, name: name, buffer: buffer}, nil
}

// Subscribe opens a consumer group on the task stream and returns channels
// for decoded events and errors. The returned cancel function stops
// consumption and closes both channels.
func (s *Subscriber) Subscribe(ctx context.Context, taskID string, opts ...streamopts.Sink) (<-chan *task.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(StreamName(taskID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan *task.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads mirrored events, decodes their envelopes, and emits them in
// arrival order. Each event is acked after successful emission.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- *task.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := decodeEnvelope(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}

// decodeEnvelope extracts the task event from a mirrored payload.
func decodeEnvelope(payload []byte) (*task.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	if env.Event == nil {
		return nil, errors.New("envelope missing event")
	}
	return env.Event, nil
}
