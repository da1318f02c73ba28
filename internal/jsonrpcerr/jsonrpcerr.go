// Package jsonrpcerr maps the proxy's internal error taxonomy onto JSON-RPC
// 2.0 error objects and the HTTP status codes spec.md §7 pairs with them.
package jsonrpcerr

import "net/http"

// JSON-RPC 2.0 error codes used by the proxy. Values match the A2A
// convention (and the generic JSON-RPC reserved range) rather than
// inventing a parallel numbering.
const (
	CodeNotFound            = -32001
	CodeInvalidRequest      = -32600
	CodeUnsupportedOperation = -32004
	CodeInternal            = -32603
)

// Kind enumerates the error taxonomy from spec.md §7.
type Kind int

const (
	KindNotFound Kind = iota
	KindInvalidRequest
	KindUnsupportedOperation
	KindUpstreamTimeout
	KindUpstreamUnavailable
	KindBusPublishFailed
	KindRequestTimeout
	KindStreamBroken
	KindInternal
)

// Error is a JSON-RPC error object paired with the HTTP status it maps to.
type Error struct {
	Kind       Kind
	Code       int
	Message    string
	HTTPStatus int
	Data       any
}

func (e *Error) Error() string { return e.Message }

// RPCError is the wire shape of the JSON-RPC "error" member.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) RPC() *RPCError {
	return &RPCError{Code: e.Code, Message: e.Message, Data: e.Data}
}

// New builds an Error for the given taxonomy kind with spec-mandated code
// and HTTP status (see spec.md §7).
func New(kind Kind, message string) *Error {
	e := &Error{Kind: kind, Message: message}
	switch kind {
	case KindNotFound:
		e.Code, e.HTTPStatus = CodeNotFound, http.StatusNotFound
	case KindInvalidRequest:
		e.Code, e.HTTPStatus = CodeInvalidRequest, http.StatusBadRequest
	case KindUnsupportedOperation:
		e.Code, e.HTTPStatus = CodeUnsupportedOperation, http.StatusBadRequest
	case KindUpstreamTimeout:
		e.Code, e.HTTPStatus = CodeInternal, http.StatusGatewayTimeout
	case KindUpstreamUnavailable:
		e.Code, e.HTTPStatus = CodeInternal, http.StatusBadGateway
	case KindBusPublishFailed:
		e.Code, e.HTTPStatus = CodeInternal, http.StatusServiceUnavailable
	case KindRequestTimeout:
		e.Code, e.HTTPStatus = CodeInternal, http.StatusGatewayTimeout
	case KindStreamBroken:
		e.Code, e.HTTPStatus = CodeInternal, http.StatusOK // surfaced as an SSE error event, not a status line
	default:
		e.Code, e.HTTPStatus = CodeInternal, http.StatusInternalServerError
	}
	return e
}

// AgentNotFound is the canned error for scenario 5 in spec.md §8.
func AgentNotFound() *Error {
	return New(KindNotFound, "Agent not found")
}

// RequestTimeout is the canned error for scenario 4 in spec.md §8.
func RequestTimeout() *Error {
	return New(KindRequestTimeout, "Request timeout")
}

// AgentUnavailable wraps a connect failure to the local agent (§4.4.1).
func AgentUnavailable() *Error {
	return New(KindUpstreamUnavailable, "Agent unavailable")
}

// AgentTimeout wraps a local agent response timeout (§4.4.1).
func AgentTimeout() *Error {
	return New(KindUpstreamTimeout, "Agent timeout")
}

// BusPublishFailed wraps a publish failure after retries exhausted (§4.1).
func BusPublishFailed() *Error {
	return New(KindBusPublishFailed, "Bus publish failed")
}

// StreamOutOfOrderWindowExceeded is the canned error for §4.5's reassembly
// failure mode.
func StreamOutOfOrderWindowExceeded() *Error {
	return New(KindStreamBroken, "Stream out-of-order window exceeded")
}
