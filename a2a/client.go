package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"goa.design/taskflow/runtime/task"
)

type (
	// ClientOption configures the JSON-RPC client.
	ClientOption func(*Client)

	// Client calls a remote agent over the JSON-RPC HTTP surface. It is
	// safe for concurrent use.
	Client struct {
		endpoint string
		http     *http.Client
		headers  http.Header
		id       uint64
	}

	// EventStream is a live task event stream from message/stream or
	// tasks/resubscribe. Events closes when the server ends the stream;
	// Err reports any decode or transport failure observed before close.
	EventStream struct {
		events chan *task.Event
		body   io.ReadCloser
		err    atomic.Pointer[error]
	}
)

// WithHTTPClient overrides the underlying *http.Client used for requests.
// Streaming calls require a client without a response timeout.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) ClientOption {
	return func(cl *Client) { cl.headers.Add(name, value) }
}

// WithBearerToken sends an Authorization Bearer token on every request.
func WithBearerToken(token string) ClientOption {
	return WithHeader("Authorization", "Bearer "+token)
}

// NewClient constructs a client for the given JSON-RPC endpoint URL, for
// example "https://host.example.com/a2a".
func NewClient(endpoint string, opts ...ClientOption) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	cl := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
		headers:  make(http.Header),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	return cl, nil
}

// SendMessage invokes message/send and returns the resulting task snapshot.
func (c *Client) SendMessage(ctx context.Context, msg *task.Message) (*task.Task, error) {
	var t task.Task
	if err := c.call(ctx, "message/send", MessageSendParams{Message: msg}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask invokes tasks/get and returns the live task snapshot.
func (c *Client) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	var t task.Task
	if err := c.call(ctx, "tasks/get", TaskIDParams{ID: taskID}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CancelTask invokes tasks/cancel. Cancellation is asynchronous; poll
// tasks/get to observe the canceled state.
func (c *Client) CancelTask(ctx context.Context, taskID string) (*CancelResult, error) {
	var res CancelResult
	if err := c.call(ctx, "tasks/cancel", TaskIDParams{ID: taskID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// StreamMessage invokes message/stream and returns the live event stream.
func (c *Client) StreamMessage(ctx context.Context, msg *task.Message) (*EventStream, error) {
	return c.stream(ctx, "message/stream", MessageSendParams{Message: msg})
}

// Resubscribe invokes tasks/resubscribe and returns the event stream,
// beginning with the current task snapshot.
func (c *Client) Resubscribe(ctx context.Context, taskID string) (*EventStream, error) {
	return c.stream(ctx, "tasks/resubscribe", TaskIDParams{ID: taskID})
}

// Card fetches the agent card from the well-known path. The card URL is
// derived from the endpoint origin.
func (c *Client) Card(ctx context.Context) (*AgentCard, error) {
	base := c.endpoint
	if i := strings.Index(base, "://"); i >= 0 {
		if j := strings.Index(base[i+3:], "/"); j >= 0 {
			base = base[:i+3+j]
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+CardPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent card http status %d", resp.StatusCode)
	}
	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, err
	}
	return &card, nil
}

func (c *Client) nextID() uint64 {
	return atomic.AddUint64(&c.id, 1)
}

func (c *Client) do(ctx context.Context, method string, params any) (*http.Response, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	id, err := json.Marshal(c.nextID())
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  raw,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.http.Do(req)
}

// call performs a unary JSON-RPC exchange, decoding the result into out.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	resp, err := c.do(ctx, method, params)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("a2a http status %d", resp.StatusCode)
	}
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out == nil || envelope.Result == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

// stream performs a streaming JSON-RPC exchange. Errors raised before the
// stream starts arrive as a regular JSON-RPC error response.
func (c *Client) stream(ctx context.Context, method string, params any) (*EventStream, error) {
	resp, err := c.do(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		defer func() { _ = resp.Body.Close() }()
		var envelope struct {
			Error *Error `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return nil, err
		}
		if envelope.Error != nil {
			return nil, envelope.Error
		}
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}
	s := &EventStream{
		events: make(chan *task.Event, 16),
		body:   resp.Body,
	}
	go s.read()
	return s, nil
}

// Events returns the channel of decoded task events. The channel closes
// when the stream ends.
func (s *EventStream) Events() <-chan *task.Event { return s.events }

// Err reports the failure that terminated the stream, if any. Valid after
// Events closes.
func (s *EventStream) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Close releases the underlying connection. Safe to call concurrently with
// reads; the event channel closes shortly after.
func (s *EventStream) Close() error { return s.body.Close() }

func (s *EventStream) read() {
	defer close(s.events)
	defer func() { _ = s.body.Close() }()
	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var data []byte
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if len(data) == 0 {
				continue
			}
			var e task.Event
			if err := json.Unmarshal(data, &e); err != nil {
				err = fmt.Errorf("decode stream event: %w", err)
				s.err.Store(&err)
				return
			}
			data = nil
			s.events <- &e
		case bytes.HasPrefix(line, []byte("data: ")):
			data = append(data, line[len("data: "):]...)
		}
	}
	if err := scanner.Err(); err != nil {
		s.err.Store(&err)
	}
}
