package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"goa.design/clue/log"

	"goa.design/taskflow/runtime/agent"
	"goa.design/taskflow/runtime/bus"
	"goa.design/taskflow/runtime/session"
	"goa.design/taskflow/runtime/task"
	"goa.design/taskflow/runtime/task/store"
	"goa.design/taskflow/runtime/workflow"
)

// DefaultBasePath is the JSON-RPC endpoint path used when the config leaves
// it empty.
const DefaultBasePath = "/a2a"

type (
	// Config holds the static server configuration.
	Config struct {
		// BasePath is the JSON-RPC endpoint path.
		BasePath string
		// Card is the agent descriptor served from the well-known paths.
		Card AgentCard
	}

	// Server exposes the runtime over JSON-RPC 2.0 and SSE. It shares the
	// bus manager, task store and session manager with the handlers so that
	// child task streams remain discoverable.
	Server struct {
		executor *agent.Executor
		wf       *agent.WorkflowHandler
		buses    *bus.Manager
		store    store.Store
		sessions *session.Manager
		basePath string
		card     AgentCard
	}
)

// NewServer builds the transport over the shared runtime substrate.
func NewServer(executor *agent.Executor, wf *agent.WorkflowHandler, buses *bus.Manager, st store.Store, sessions *session.Manager, cfg Config) *Server {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	return &Server{
		executor: executor,
		wf:       wf,
		buses:    buses,
		store:    st,
		sessions: sessions,
		basePath: basePath,
		card:     cfg.Card,
	}
}

// Handler returns the HTTP handler serving the JSON-RPC endpoint and the
// agent card.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.basePath, s.serveRPC)
	mux.HandleFunc(CardPath, s.serveCard)
	mux.HandleFunc(CardAltPath, s.serveCard)
	return mux
}

func (s *Server) serveCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.card); err != nil {
		log.Error(r.Context(), err)
	}
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reply(w, nil, nil, newError(CodeInvalidRequest, "malformed JSON-RPC request", "TransportError"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.reply(w, req.ID, nil, newError(CodeInvalidRequest, "invalid JSON-RPC envelope", "TransportError"))
		return
	}

	switch req.Method {
	case "message/send":
		s.messageSend(w, r, &req)
	case "message/stream":
		s.messageStream(w, r, &req)
	case "tasks/get":
		s.tasksGet(w, r, &req)
	case "tasks/cancel":
		s.tasksCancel(w, r, &req)
	case "tasks/resubscribe":
		s.tasksResubscribe(w, r, &req)
	default:
		s.reply(w, req.ID, nil, newError(CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), ""))
	}
}

func (s *Server) reply(w http.ResponseWriter, id json.RawMessage, result any, rpcErr *Error) {
	w.Header().Set("Content-Type", "application/json")
	resp := Response{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error(context.Background(), err)
	}
}

// decodeMessage validates the message/send and message/stream parameters and
// binds the message to its conversation context.
func (s *Server) decodeMessage(raw json.RawMessage) (*task.Message, *Error) {
	var p MessageSendParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Message == nil {
		return nil, newError(CodeInvalidParams, "message is required", "TransportError")
	}
	msg := p.Message
	if msg.MessageID == "" {
		msg.MessageID = task.NewID()
	}
	if msg.Role == "" {
		msg.Role = task.RoleUser
	}
	msg.ContextID = s.sessions.EnsureContext(msg.ContextID)
	return msg, nil
}

// messageSend runs the request to completion and returns the final task
// snapshot, or the paused child snapshot for resume routes.
func (s *Server) messageSend(w http.ResponseWriter, r *http.Request, req *Request) {
	msg, perr := s.decodeMessage(req.Params)
	if perr != nil {
		s.reply(w, req.ID, nil, perr)
		return
	}
	ctx := r.Context()

	if route, target := s.executor.Route(msg); route == agent.RouteResume {
		err := s.wf.Resume(ctx, target, agent.ResumeInput(msg))
		if err != nil && !isValidationError(err) {
			s.reply(w, req.ID, nil, toRPCError(err))
			return
		}
		t, lerr := s.wf.LiveTask(ctx, target)
		if lerr != nil {
			s.reply(w, req.ID, nil, toRPCError(lerr))
			return
		}
		s.reply(w, req.ID, t, nil)
		return
	}

	parent, parentBus, writer := s.newTurn(ctx, msg)
	if _, err := s.executor.Execute(ctx, &agent.RequestContext{Task: parent, Message: msg, Bus: parentBus}); err != nil {
		log.Error(ctx, err, log.KV{K: "task_id", V: parent.ID})
	}
	s.finishTurn(ctx, parent.ID, writer)

	t, err := s.store.Load(ctx, parent.ID)
	if err != nil {
		s.reply(w, req.ID, nil, toRPCError(err))
		return
	}
	s.reply(w, req.ID, t, nil)
}

// messageStream streams the task events of the request over SSE.
func (s *Server) messageStream(w http.ResponseWriter, r *http.Request, req *Request) {
	msg, perr := s.decodeMessage(req.Params)
	if perr != nil {
		s.reply(w, req.ID, nil, perr)
		return
	}
	ctx := r.Context()

	if route, target := s.executor.Route(msg); route == agent.RouteResume {
		b, ok := s.buses.GetByTaskID(target)
		if !ok {
			s.reply(w, req.ID, nil, newError(CodeInvalidParams, "task stream closed", "UnknownTask"))
			return
		}
		sub := b.Subscribe(ctx)
		defer sub.Close()
		go func() {
			if err := s.wf.Resume(ctx, target, agent.ResumeInput(msg)); err != nil && !isValidationError(err) {
				log.Error(ctx, err, log.KV{K: "task_id", V: target})
			}
		}()
		s.streamEvents(w, r, sub)
		return
	}

	parent, parentBus, writer := s.newTurn(ctx, msg)
	sub := parentBus.Subscribe(ctx)
	defer sub.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.executor.Execute(ctx, &agent.RequestContext{Task: parent, Message: msg, Bus: parentBus}); err != nil {
			log.Error(ctx, err, log.KV{K: "task_id", V: parent.ID})
		}
	}()
	s.streamEvents(w, r, sub)
	<-done
	s.finishTurn(ctx, parent.ID, writer)
}

func (s *Server) tasksGet(w http.ResponseWriter, r *http.Request, req *Request) {
	var p TaskIDParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
		s.reply(w, req.ID, nil, newError(CodeInvalidParams, "task id is required", "TransportError"))
		return
	}
	t, err := s.wf.LiveTask(r.Context(), p.ID)
	if err != nil {
		s.reply(w, req.ID, nil, toRPCError(err))
		return
	}
	s.reply(w, req.ID, t, nil)
}

func (s *Server) tasksCancel(w http.ResponseWriter, r *http.Request, req *Request) {
	var p TaskIDParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
		s.reply(w, req.ID, nil, newError(CodeInvalidParams, "task id is required", "TransportError"))
		return
	}
	if _, err := s.wf.LiveTask(r.Context(), p.ID); err != nil {
		s.reply(w, req.ID, nil, toRPCError(err))
		return
	}
	s.wf.Cancel(r.Context(), p.ID)
	s.reply(w, req.ID, &CancelResult{ID: p.ID, Accepted: true}, nil)
}

// tasksResubscribe replays the stored snapshot as a task event and follows
// with the live suffix of the bus, if the bus is still open.
func (s *Server) tasksResubscribe(w http.ResponseWriter, r *http.Request, req *Request) {
	var p TaskIDParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
		s.reply(w, req.ID, nil, newError(CodeInvalidParams, "task id is required", "TransportError"))
		return
	}

	// Snapshot first so the announcement-then-get contract extends to
	// streams: the snapshot carries everything persisted so far.
	t, err := s.wf.LiveTask(r.Context(), p.ID)
	if err != nil {
		s.reply(w, req.ID, nil, toRPCError(err))
		return
	}

	flusher, ok := sseStart(w)
	if !ok {
		s.reply(w, req.ID, nil, newError(CodeInternalError, "streaming unsupported", "TransportError"))
		return
	}
	seq := 0
	skip := lastEventID(r) + 1
	if seq < skip {
		seq++
	} else {
		writeSSE(w, flusher, &seq, task.NewTaskEvent(t))
	}

	b, live := s.buses.GetByTaskID(p.ID)
	if !live {
		// Terminal task, bus already cleaned up: the snapshot suffices.
		return
	}
	sub := b.SubscribeTail(r.Context())
	defer sub.Close()
	for e := range sub.Events() {
		if seq < skip {
			seq++
			continue
		}
		writeSSE(w, flusher, &seq, e)
	}
}

// newTurn allocates the parent task for an AI turn: task record, bus,
// persistence loop, and the creation event.
func (s *Server) newTurn(ctx context.Context, msg *task.Message) (*task.Task, *bus.EventBus, *bus.Writer) {
	parent := &task.Task{
		ID:        task.NewID(),
		ContextID: msg.ContextID,
		Status:    task.NewStatus(task.StateSubmitted, nil),
	}
	b := s.buses.CreateOrGetByTaskID(parent.ID)
	// The persistence loop outlives the request so drains are never cut off.
	w := bus.NewWriter(s.store, b)
	w.Start(context.WithoutCancel(ctx))
	b.Publish(task.NewTaskEvent(parent))
	s.sessions.AddTask(msg.ContextID, parent.ID)
	msg.TaskID = parent.ID
	return parent, b, w
}

// finishTurn waits for the persistence loop to drain and removes the parent
// bus from the manager.
func (s *Server) finishTurn(ctx context.Context, taskID string, w *bus.Writer) {
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		log.Printf(ctx, "persistence drain timed out for task %s", taskID)
	}
	s.buses.CleanupByTaskID(taskID)
}

// streamEvents forwards bus events to the client as SSE until the bus closes
// or the client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, sub *bus.Subscription) {
	flusher, ok := sseStart(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	seq := 0
	skip := lastEventID(r) + 1
	for {
		select {
		case e, open := <-sub.Events():
			if !open {
				return
			}
			// Resumption: events up to Last-Event-ID were already
			// delivered; replay keeps the id numbering stable.
			if seq < skip {
				seq++
				continue
			}
			writeSSE(w, flusher, &seq, e)
		case <-r.Context().Done():
			return
		}
	}
}

// lastEventID parses the SSE Last-Event-ID request header. Returns -1 when
// the header is absent or not a valid event id.
func lastEventID(r *http.Request) int {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

func sseStart(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, seq *int, e *task.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Error(context.Background(), err)
		return
	}
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", *seq, data)
	*seq++
	flusher.Flush()
}

// toRPCError maps domain errors onto JSON-RPC error objects.
func toRPCError(err error) *Error {
	switch {
	case errors.Is(err, store.ErrTaskNotFound), errors.Is(err, workflow.ErrUnknownTask):
		return newError(CodeInvalidParams, err.Error(), "UnknownTask")
	case errors.Is(err, workflow.ErrUnknownPlugin):
		return newError(CodeInvalidParams, err.Error(), "UnknownPlugin")
	case errors.Is(err, workflow.ErrInvalidParameters):
		return newError(CodeInvalidParams, err.Error(), "InvalidParameters")
	case errors.Is(err, workflow.ErrNotPaused):
		return newError(CodeInvalidParams, err.Error(), "NotPaused")
	default:
		var verr *workflow.ValidationError
		if errors.As(err, &verr) {
			return newError(CodeInvalidParams, verr.Error(), "ValidationFailed")
		}
		return newError(CodeInternalError, err.Error(), "InternalError")
	}
}

func isValidationError(err error) bool {
	var verr *workflow.ValidationError
	return errors.As(err, &verr)
}
