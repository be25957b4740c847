package protocol

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeServerError    = -32000
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is a protocol-level JSON-RPC error.
//
// Code is mandatory: constructing an Error with code 0 is a programming
// error, not a protocol condition, and NewError panics on it. Message is the
// human-readable description sent on the wire. Data optionally carries
// structured diagnostics.
type Error struct {
	Code    int
	Message string
	Data    any
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Is reports whether target is a protocol Error with the same code.
//
// This makes errors.Is(err, ErrMethodNotFound) match any method-not-found
// error regardless of its message, including errors reconstructed from wire
// responses.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithData returns a copy of the error carrying data.
func (e *Error) WithData(data any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Data: data}
}

// WithStack returns a copy of the error with the current goroutine stack
// attached under the "stack" key of Data. Existing non-map Data is replaced.
//
// This is the diagnostic payload the server attaches when sanitizing an
// unexpected fault into an internal error; it must never contain raw
// exception values, only formatted text.
func (e *Error) WithStack() *Error {
	data, _ := e.Data.(map[string]any)
	if data == nil {
		data = make(map[string]any)
	}
	data["stack"] = strings.Split(strings.TrimRight(string(debug.Stack()), "\n"), "\n")
	return &Error{Code: e.Code, Message: e.Message, Data: data}
}

var defaultMessages = map[int]string{
	CodeServerError:    "server error",
	CodeParseError:     "invalid JSON was received by the server",
	CodeInvalidRequest: "the JSON sent is not a valid request object",
	CodeMethodNotFound: "the method does not exist / is not available",
	CodeInvalidParams:  "invalid method parameter(s)",
	CodeInternalError:  "internal JSON-RPC error",
}

// NewError creates an Error with an explicit code. An empty message falls
// back to the standard description for known codes. A zero code panics.
func NewError(code int, message string) *Error {
	if code == 0 {
		panic("protocol: error without code is not allowed")
	}
	if message == "" {
		message = defaultMessages[code]
	}
	return &Error{Code: code, Message: message}
}

// ServerError creates a -32000 error (transport/connection-level failures
// surfaced as protocol errors).
func ServerError(message string) *Error { return NewError(CodeServerError, message) }

// ParseError creates a -32700 error (malformed JSON).
func ParseError(message string) *Error { return NewError(CodeParseError, message) }

// InvalidRequest creates a -32600 error (structurally invalid envelope).
func InvalidRequest(message string) *Error { return NewError(CodeInvalidRequest, message) }

// MethodNotFound creates a -32601 error.
func MethodNotFound(message string) *Error { return NewError(CodeMethodNotFound, message) }

// InvalidParams creates a -32602 error (argument shape or arity mismatch).
func InvalidParams(message string) *Error { return NewError(CodeInvalidParams, message) }

// InternalError creates a -32603 error (uncaught fault inside a method or
// handler).
func InternalError(message string) *Error { return NewError(CodeInternalError, message) }

// Sentinel errors for errors.Is matching. Matching is by code only.
var (
	ErrServerError    = NewError(CodeServerError, "")
	ErrParseError     = NewError(CodeParseError, "")
	ErrInvalidRequest = NewError(CodeInvalidRequest, "")
	ErrMethodNotFound = NewError(CodeMethodNotFound, "")
	ErrInvalidParams  = NewError(CodeInvalidParams, "")
	ErrInternalError  = NewError(CodeInternalError, "")
)

// ErrorRegistry maps error codes to constructors, letting clients
// reconstruct typed errors from wire error objects. Codes absent from the
// registry parse into a plain Error with the received code.
type ErrorRegistry map[int]func(message string) *Error

// DefaultErrorRegistry returns a registry covering the standard codes.
func DefaultErrorRegistry() ErrorRegistry {
	return ErrorRegistry{
		CodeServerError:    ServerError,
		CodeParseError:     ParseError,
		CodeInvalidRequest: InvalidRequest,
		CodeMethodNotFound: MethodNotFound,
		CodeInvalidParams:  InvalidParams,
		CodeInternalError:  InternalError,
	}
}
