package server

import (
	"net/http"
	"strings"

	"github.com/mnehpets/onerpc/endpoint"
)

// Endpoint is the endpoint.EndpointFunc binding the dispatcher to HTTP.
// Pass it to endpoint.Handler (optionally with processors) to obtain an
// http.Handler, or use HTTPHandler.
//
// Per JSON-RPC over HTTP, only POST with an application/json body is
// accepted. A dispatch with nothing to send back (notifications only)
// renders 204 No Content.
func (s *Server) Endpoint(w http.ResponseWriter, r *http.Request, body []byte) (endpoint.Renderer, error) {
	if r.Method != http.MethodPost {
		return nil, endpoint.Error(http.StatusMethodNotAllowed, "JSON-RPC requires POST method", nil)
	}
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		return nil, endpoint.Error(http.StatusUnsupportedMediaType, "Content-Type must be application/json", nil)
	}

	out, ok := s.Dispatch(r.Context(), body)
	if !ok {
		return &endpoint.NoContentRenderer{}, nil
	}
	return &endpoint.JSONRenderer{Value: out}, nil
}

// HTTPHandler wraps Endpoint into an http.Handler with the given processors.
func (s *Server) HTTPHandler(processors ...endpoint.Processor) http.Handler {
	return endpoint.Handler(s.Endpoint, processors...)
}
