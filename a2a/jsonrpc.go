// Package a2a implements the agent-to-agent JSON-RPC 2.0 surface over HTTP:
// message send/stream, task queries, cancellation, and resubscription, plus
// the well-known agent card. Streaming methods reply with server-sent events
// whose data payloads are task-event JSON objects.
//
//nolint:tagliatelle // protocol requires camelCase JSON field names
package a2a

import (
	"encoding/json"

	"goa.design/taskflow/runtime/task"
)

// JSON-RPC 2.0 error codes. Domain errors ride in the error data under
// errorType.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

type (
	// Request is a JSON-RPC 2.0 request envelope.
	Request struct {
		// JSONRPC is the protocol version, always "2.0".
		JSONRPC string `json:"jsonrpc"`
		// ID is the request correlation id; absent for notifications.
		ID json.RawMessage `json:"id,omitempty"`
		// Method is the method name.
		Method string `json:"method"`
		// Params carries the method parameters.
		Params json.RawMessage `json:"params,omitempty"`
	}

	// Response is a JSON-RPC 2.0 response envelope.
	Response struct {
		// JSONRPC is the protocol version, always "2.0".
		JSONRPC string `json:"jsonrpc"`
		// ID echoes the request id.
		ID json.RawMessage `json:"id,omitempty"`
		// Result is the method result on success.
		Result any `json:"result,omitempty"`
		// Error is the failure description on error.
		Error *Error `json:"error,omitempty"`
	}

	// Error is a JSON-RPC 2.0 error object.
	Error struct {
		// Code is the JSON-RPC error code.
		Code int `json:"code"`
		// Message is a short error summary.
		Message string `json:"message"`
		// Data carries structured error details, including errorType.
		Data map[string]any `json:"data,omitempty"`
	}

	// MessageSendParams are the parameters of message/send and
	// message/stream.
	MessageSendParams struct {
		// Message is the inbound user message.
		Message *task.Message `json:"message"`
	}

	// TaskIDParams are the parameters of tasks/get, tasks/cancel and
	// tasks/resubscribe.
	TaskIDParams struct {
		// ID is the task identifier.
		ID string `json:"id"`
	}

	// CancelResult acknowledges a tasks/cancel request.
	CancelResult struct {
		// ID is the canceled task id.
		ID string `json:"id"`
		// Accepted reports that the cancellation was delivered.
		Accepted bool `json:"accepted"`
	}
)

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// newError builds an error object with a domain errorType.
func newError(code int, message, errorType string) *Error {
	e := &Error{Code: code, Message: message}
	if errorType != "" {
		e.Data = map[string]any{"errorType": errorType}
	}
	return e
}
