// Package rpc implements the JSON-RPC 2.0 protocol handler (spec §4.D):
// parsing single/batch requests, method dispatch with middleware, and the
// standard plus icpy-style extension error codes.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrorCode enumerates the standard JSON-RPC codes plus the icotes
// extension range (spec §4.D error codes).
type ErrorCode int

const (
	ParseError     ErrorCode = -32700
	InvalidRequest ErrorCode = -32600
	MethodNotFound ErrorCode = -32601
	InvalidParams  ErrorCode = -32602
	InternalError  ErrorCode = -32603

	AuthenticationError ErrorCode = -32000
	AuthorizationError  ErrorCode = -32001
	RateLimitError      ErrorCode = -32002
	ServiceUnavailable  ErrorCode = -32003
	ConnectionError     ErrorCode = -32004
	ValidationError     ErrorCode = -32005
	TimeoutError        ErrorCode = -32006
	ResourceNotFound    ErrorCode = -32007
	ResourceConflict    ErrorCode = -32008
	QuotaExceeded       ErrorCode = -32009
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

func NewError(code ErrorCode, message string) *Error { return &Error{Code: code, Message: message} }

// Request is a JSON-RPC 2.0 request plus icotes extensions.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`

	Timestamp time.Time      `json:"timestamp,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	TimeoutMS int64          `json:"timeout,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// IsNotification reports whether the request has no id and therefore
// expects no response (spec §4.D).
func (r *Request) IsNotification() bool { return r.ID == nil }

// Expired reports whether the request's timeout has elapsed.
func (r *Request) Expired(now time.Time) bool {
	if r.TimeoutMS <= 0 || r.Timestamp.IsZero() {
		return false
	}
	return now.Sub(r.Timestamp) > time.Duration(r.TimeoutMS)*time.Millisecond
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	ID      any    `json:"id"`
}

func errorResponse(id any, err *Error) *Response {
	return &Response{JSONRPC: "2.0", Error: err, ID: id}
}

func resultResponse(id any, result any) *Response {
	return &Response{JSONRPC: "2.0", Result: result, ID: id}
}

// Handler processes a validated request's params and returns a result or
// an error. Context carries request-scoped deadline/cancellation.
type Handler func(ctx context.Context, req *Request) (any, error)

// Middleware wraps a request before dispatch; it may transform the request
// or short-circuit by returning an error.
type Middleware func(ctx context.Context, req *Request, next Handler) (any, error)

// Router registers methods and dispatches parsed requests, applying the
// middleware chain ahead of the method handler (spec §4.D dispatch).
type Router struct {
	logger      zerolog.Logger
	handlers    map[string]Handler
	middlewares []Middleware
}

func NewRouter(logger zerolog.Logger) *Router {
	return &Router{
		logger:   logger.With().Str("component", "rpc").Logger(),
		handlers: make(map[string]Handler),
	}
}

// Register adds a method handler. Re-registering a name replaces it.
func (r *Router) Register(method string, h Handler) {
	r.handlers[method] = h
}

// Use appends a middleware to the chain, run in registration order.
func (r *Router) Use(mw Middleware) {
	r.middlewares = append(r.middlewares, mw)
}

// ParseMessage parses a raw JSON-RPC payload into either a single request
// or a batch (spec §4.D: "Parses a request string into either a single
// request or a batch").
func ParseMessage(raw []byte) (single *Request, batch []*Request, err error) {
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil, NewError(ParseError, "empty request body")
	}
	if trimmed[0] == '[' {
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, nil, NewError(ParseError, "invalid JSON batch: "+err.Error())
		}
		return nil, batch, nil
	}
	single = &Request{}
	if err := json.Unmarshal(raw, single); err != nil {
		return nil, nil, NewError(ParseError, "invalid JSON: "+err.Error())
	}
	return single, nil, nil
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}

// Validate enforces spec §4.D's validation rules.
func Validate(req *Request) *Error {
	if req.JSONRPC != "2.0" {
		return NewError(InvalidRequest, "only protocol version 2.0 is accepted")
	}
	if req.Method == "" {
		return NewError(InvalidRequest, "method must be a non-empty string")
	}
	if len(req.Params) > 0 {
		trimmed := trimLeadingSpace(req.Params)
		if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
			return NewError(InvalidParams, "params must be an object or array")
		}
	}
	return nil
}

// Dispatch validates and routes a single request through middleware to its
// handler, returning nil for notifications that succeed (spec §4.D batch
// semantics: "drop responses for notifications").
func (r *Router) Dispatch(ctx context.Context, req *Request) *Response {
	if verr := Validate(req); verr != nil {
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, verr)
	}

	if req.Expired(time.Now()) && !req.IsNotification() {
		return errorResponse(req.ID, NewError(TimeoutError, "request timeout elapsed"))
	}

	handler, ok := r.handlers[req.Method]
	if !ok {
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, NewError(MethodNotFound, fmt.Sprintf("method %q not found", req.Method)))
	}

	chained := handler
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		mw := r.middlewares[i]
		next := chained
		chained = func(ctx context.Context, req *Request) (any, error) {
			return mw(ctx, req, next)
		}
	}

	result, err := chained(ctx, req)
	if req.IsNotification() {
		return nil
	}
	if err != nil {
		if rpcErr, ok := err.(*Error); ok {
			return errorResponse(req.ID, rpcErr)
		}
		return errorResponse(req.ID, NewError(InternalError, err.Error()))
	}
	return resultResponse(req.ID, result)
}

// DispatchRaw parses raw (single or batch), dispatches each request
// independently, and returns the JSON-encoded response — a single object
// for a single request, an array of every non-notification response
// (errors included) in request order for a batch, or nil when there is
// nothing to answer (a notification or an all-notification batch).
func (r *Router) DispatchRaw(ctx context.Context, raw []byte) ([]byte, error) {
	single, batch, err := ParseMessage(raw)
	if err != nil {
		perr := err.(*Error)
		resp := errorResponse(nil, perr)
		return json.Marshal(resp)
	}

	if single != nil {
		resp := r.Dispatch(ctx, single)
		if resp == nil {
			return nil, nil
		}
		return json.Marshal(resp)
	}

	var responses []*Response
	for _, req := range batch {
		resp := r.Dispatch(ctx, req)
		if resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		return nil, nil
	}
	return json.Marshal(responses)
}
