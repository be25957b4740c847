// Package endpoint provides the HTTP handler plumbing the RPC transports
// build on.
//
// The core pattern separates request handling into phases:
//
//  1. Processors run first, as middleware; they may short-circuit the
//     request entirely.
//  2. The EndpointFunc receives the raw request body, executes logic, and
//     returns a Renderer. It does not write to the response directly.
//  3. The returned Renderer writes the status code, headers, and body to the
//     http.ResponseWriter.
//
// Unlike a general-purpose web framework, this package performs no typed
// parameter decoding: RPC endpoints consume the body as one opaque payload
// and decode it themselves.
package endpoint

import (
	"errors"
	"io"
	"net/http"
)

// defaultMaxBodyBytes caps request bodies read by EndpointHandler when no
// explicit limit is configured.
const defaultMaxBodyBytes int64 = 1 << 20 // 1 MiB

// EndpointError is a client-visible error that maps directly to an HTTP
// status code.
//
// The handler wrapper uses this to translate returned Go errors into HTTP
// responses.
type EndpointError struct {
	Status int
	// Message is a short, human-readable description suitable for an HTTP error body.
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error creates a new EndpointError.
func Error(status int, message string, err error) error {
	// Avoid double-wrapping.
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// Renderers are values that write a response into an http.ResponseWriter.
//
// Protocol:
//   - Renderers MUST call w.WriteHeader() to write the HTTP response status
//     and headers.
//   - Renderers may optionally write the Content-Type header before
//     calling w.WriteHeader().
//
// Error handling:
//   - If Render returns a non-nil error, it indicates a failure to write
//     the response. Since writing may have already started, callers should
//     treat such errors as best-effort signals.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor is middleware-style logic that runs before the EndpointFunc.
//
// Protocol:
//   - Processors MUST call next(...), unless they intend to
//     short-circuit the request.
//   - Processors MUST NOT call w.WriteHeader(...).
//   - Processors MUST NOT write to the response body.
//
// Error handling:
//   - If any processor returns a non-nil error, the chain stops immediately
//     and that error is returned to the caller.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc is the wrapped handler function type.
//
// It receives the response writer, the incoming request, and the raw request
// body, and returns a Renderer responsible for writing the response, or an
// error.
//
// EndpointFunc should implement logic without directly writing the response
// body; the status, headers, and body are delegated to the returned
// Renderer.
type EndpointFunc func(w http.ResponseWriter, r *http.Request, body []byte) (Renderer, error)

// EndpointHandler is the standard http.Handler wrapper for an EndpointFunc.
//
// It runs zero or more processors, reads the (size-capped) request body,
// calls Endpoint, and invokes the returned Renderer to write the response.
type EndpointHandler struct {
	Endpoint   EndpointFunc
	Processors []Processor

	// MaxBodyBytes caps the request body size. Zero means the package
	// default (1 MiB); negative means unlimited.
	MaxBodyBytes int64
}

// Handler constructs an EndpointHandler.
func Handler(fn EndpointFunc, processors ...Processor) *EndpointHandler {
	return &EndpointHandler{
		Endpoint:   fn,
		Processors: processors,
	}
}

// HandleFunc adapts an EndpointFunc into an http.HandlerFunc.
func HandleFunc(fn EndpointFunc, processors ...Processor) http.HandlerFunc {
	return Handler(fn, processors...).ServeHTTP
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		http.Error(w, "endpoint: nil EndpointFunc", http.StatusInternalServerError)
		return
	}

	// Create a function to recursively call each processor in order,
	// followed by the EndpointFunc.
	var run func(i int, w2 http.ResponseWriter, r2 *http.Request) error
	run = func(i int, w2 http.ResponseWriter, r2 *http.Request) error {
		if i < 0 || i > len(h.Processors) {
			// Sanity check failure.
			return errors.New("endpoint: invalid processor index")
		} else if i < len(h.Processors) {
			if h.Processors[i] == nil {
				return errors.New("endpoint: nil processor")
			}
			// Call the i'th processor followed by the next recursion of the "loop".
			return h.Processors[i].Process(w2, r2, func(w3 http.ResponseWriter, r3 *http.Request) error {
				return run(i+1, w3, r3)
			})
		}

		// All processors have been called; read the body and call the
		// EndpointFunc.
		body, err := h.readBody(w2, r2)
		if err != nil {
			return err
		}
		renderer, err := h.Endpoint(w2, r2, body)
		if err != nil {
			return err
		}
		if renderer == nil {
			return errors.New("endpoint: nil renderer")
		}

		if c, ok := renderer.(io.Closer); ok {
			defer c.Close()
		}
		return renderer.Render(w2, r2)
	}

	// Start the processor chain.
	err := run(0, w, r)

	if err != nil {
		status := http.StatusInternalServerError
		message := ""

		var ee *EndpointError
		// Check if the error already encodes a valid HTTP status.
		if errors.As(err, &ee) && ee != nil {
			if ee.Status >= 100 {
				status = ee.Status
			}
			if ee.Message == "" {
				message = http.StatusText(status)
			} else {
				message = ee.Message
			}
		} else {
			message = err.Error()
		}
		http.Error(w, message, status)
	}
}

func (h *EndpointHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	limit := h.MaxBodyBytes
	if limit == 0 {
		limit = defaultMaxBodyBytes
	}
	reader := r.Body
	if limit > 0 {
		reader = http.MaxBytesReader(w, r.Body, limit)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, Error(http.StatusRequestEntityTooLarge, "request body too large", err)
		}
		return nil, Error(http.StatusBadRequest, "failed to read request body", err)
	}
	return body, nil
}
