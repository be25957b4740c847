// Package server implements the JSON-RPC 2.0 dispatcher and its transport
// bindings.
//
// The dispatcher turns one raw inbound payload (a single request object or a
// batch array) into zero or one outbound payloads, routing every parsed
// request through the middleware chain into the method registry. Transports
// stay thin: the HTTP binding maps one POST body to one dispatch, and the
// websocket binding maps every inbound text frame to one dispatch on a live
// connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mnehpets/onerpc/middleware"
	"github.com/mnehpets/onerpc/protocol"
	"github.com/mnehpets/onerpc/registry"
)

// Server dispatches decoded JSON-RPC payloads into a method registry through
// a middleware chain.
type Server struct {
	registry    *registry.Registry
	middlewares []middleware.Middleware
	chain       middleware.Handler
	salvageIDs  bool
	log         zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithMiddlewares replaces the default middleware set (exception translation
// plus request injection). The first middleware listed is outermost.
func WithMiddlewares(mws ...middleware.Middleware) Option {
	return func(s *Server) { s.middlewares = mws }
}

// WithLogger sets the server's logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithSalvageIDs controls whether error responses for structurally invalid
// batch elements carry an id salvaged from the malformed payload (when one
// of a legal type is present) or always a null id. Enabled by default.
func WithSalvageIDs(enabled bool) Option {
	return func(s *Server) { s.salvageIDs = enabled }
}

// New creates a server around reg. A nil registry gets a fresh one with the
// introspection builtins.
func New(reg *registry.Registry, opts ...Option) *Server {
	if reg == nil {
		reg = registry.NewRegistry()
	}
	s := &Server{
		registry:    reg,
		middlewares: middleware.Defaults(),
		salvageIDs:  true,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.chain = middleware.Chain(s.invoke, s.middlewares...)
	return s
}

// Registry returns the server's method registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Dispatch handles one raw inbound payload. The second return value reports
// whether there is anything to send back: notifications (and batches of
// nothing but notifications) produce no output at all.
//
// Undecodable bytes yield a ParseError response; the sender cannot be
// assumed to know it sent a notification, so parse failures are always
// answered.
func (s *Server) Dispatch(ctx context.Context, data []byte) (any, bool) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return protocol.NewErrorResponse(nil, protocol.ParseError(err.Error())).Wire(), true
	}
	return s.DispatchPayload(ctx, payload, nil)
}

// DispatchPayload handles one decoded inbound payload. extra is seeded into
// every request's Extra map before the middleware chain runs; transports use
// it to expose per-connection values (such as the live connection) to
// methods.
//
// Per-element protocol failures inside a batch never abort the siblings.
// Anything that is not a protocol failure indicates a server-level fault and
// is re-raised to the caller.
func (s *Server) DispatchPayload(ctx context.Context, payload any, extra map[string]any) (any, bool) {
	switch data := payload.(type) {
	case []any:
		if len(data) == 0 {
			return protocol.NewErrorResponse(nil, protocol.InvalidRequest("an empty batch is not allowed")).Wire(), true
		}
		return s.dispatchBatch(ctx, data, extra)
	case map[string]any:
		wire := s.processSingle(ctx, data, extra)
		if wire == nil {
			return nil, false
		}
		return wire, true
	default:
		return protocol.NewErrorResponse(nil, protocol.InvalidRequest("a payload must be an object or an array")).Wire(), true
	}
}

// dispatchBatch fans the elements out concurrently and reassembles the
// responses in input order. Completion order is never observable in the
// output.
func (s *Server) dispatchBatch(ctx context.Context, data []any, extra map[string]any) (any, bool) {
	wires := make([]map[string]any, len(data))
	panics := make([]any, len(data))

	var wg sync.WaitGroup
	for i, item := range data {
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					panics[i] = p
				}
			}()
			wires[i] = s.processSingle(ctx, item, extra)
		}(i, item)
	}
	wg.Wait()

	for _, p := range panics {
		if p != nil {
			// Protocol failures were already converted to responses by
			// the middleware chain; whatever got here is a server bug.
			panic(p)
		}
	}

	out := make([]any, 0, len(wires))
	for _, wire := range wires {
		if wire != nil {
			out = append(out, wire)
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// processSingle handles one request element. A nil return means the element
// was a successfully dispatched notification and produces no output.
func (s *Server) processSingle(ctx context.Context, data any, extra map[string]any) map[string]any {
	req, err := protocol.ParseRequest(data)
	if err != nil {
		return protocol.NewErrorResponse(s.salvageID(data), toProtocolError(err)).Wire()
	}
	for k, v := range extra {
		req.Extra[k] = v
	}

	resp := s.chain(ctx, req)
	if resp == nil || resp.IsNotification() {
		return nil
	}
	return resp.Wire()
}

// salvageID extracts a best-effort id from a malformed request payload, when
// configured to.
func (s *Server) salvageID(data any) any {
	if !s.salvageIDs {
		return nil
	}
	obj, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	if id, ok := obj["id"]; ok && protocol.ValidID(id) {
		return id
	}
	return nil
}

// invoke is the terminal handler of the middleware chain.
func (s *Server) invoke(ctx context.Context, req *protocol.Request) *protocol.Response {
	result, err := s.registry.Call(ctx, req.Method, req.Args, req.Kwargs, req.Extra)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, toProtocolError(err))
	}
	return protocol.NewResponse(req.ID, result)
}

func toProtocolError(err error) *protocol.Error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr
	}
	return protocol.InternalError(err.Error())
}
