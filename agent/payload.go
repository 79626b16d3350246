package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// ErrorKind is the stable identifier of a failure class. Kinds are part of
// the wire contract and must not be renamed.
type ErrorKind string

const (
	ErrorNotFound             ErrorKind = "not_found"
	ErrorMethodNotAllowed     ErrorKind = "method_not_allowed"
	ErrorInvalidArgument      ErrorKind = "invalid_argument"
	ErrorUnsupportedMediaType ErrorKind = "unsupported_media_type"
	ErrorExecution            ErrorKind = "execution_error"
	ErrorTimeout              ErrorKind = "timeout"
	ErrorInternal             ErrorKind = "internal_error"
)

// Request is the transport-independent view of one incoming command.
// The transport layer builds it, the router resolves Params from the
// matched route, and handlers treat it as read-only.
type Request struct {
	ID     string
	Method string
	Path   string
	Params map[string]string
	Args   map[string]any

	// Body holds the raw request body for routes that take one
	// directly (a binary archive, UTF-8 script text) instead of JSON
	// arguments. Empty when Args is set.
	Body []byte

	ctx context.Context
}

// NewRequest builds a request bound to ctx. Args may be nil for routes
// that take no body.
func NewRequest(ctx context.Context, id, method, path string, args map[string]any) *Request {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Request{
		ID:     id,
		Method: method,
		Path:   path,
		Args:   args,
		ctx:    ctx,
	}
}

func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Param returns the named path parameter resolved by the router.
func (r *Request) Param(name string) string {
	return r.Params[name]
}

// StringArg returns a body argument as a string. The second return is
// false when the argument is absent or not a string.
func (r *Request) StringArg(name string) (string, bool) {
	v, ok := r.Args[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IntArg returns a body argument as an int. JSON numbers decode as
// float64, so both are accepted.
func (r *Request) IntArg(name string) (int, bool) {
	switch v := r.Args[name].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// Error is a typed handler failure. Output carries captured partial
// output for script failures; it is omitted otherwise.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Output  string    `json:"output,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Response is the single result of one handler invocation: exactly one
// of Value, Err or Stream is set.
type Response struct {
	Value  any
	Err    *Error
	Stream *Stream
}

// OK wraps a successful result value.
func OK(v any) *Response {
	return &Response{Value: v}
}

// Fail builds an error response with a formatted message.
func Fail(kind ErrorKind, format string, args ...any) *Response {
	return &Response{Err: &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

// FailWithOutput is Fail plus the partial output captured before the
// failure.
func FailWithOutput(kind ErrorKind, output, format string, args ...any) *Response {
	return &Response{Err: &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Output: output}}
}

// Streamed wraps an open stream; the transport forwards its frames and
// keeps the connection open until the terminal frame.
func Streamed(s *Stream) *Response {
	return &Response{Stream: s}
}

type envelope struct {
	Status string `json:"status"`
	Value  any    `json:"value,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// MarshalJSON renders the wire envelope:
// {"status":"ok","value":...} or {"status":"error","error":{...}}.
// Streamed responses have no envelope; their frames are the body.
func (r *Response) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(envelope{Status: "error", Error: r.Err})
	}
	return json.Marshal(envelope{Status: "ok", Value: r.Value})
}
