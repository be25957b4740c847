// Package middleware implements the request-handling middleware chain of the
// RPC dispatcher, plus the standard cross-cutting middlewares: exception
// translation, request injection, structured logging, and metrics.
//
// A Middleware wraps a Handler; Chain composes a list of them so that the
// first-listed middleware is outermost. Exception translation should always
// be listed first so that no failure in an inner middleware or method
// escapes unconverted.
package middleware

import (
	"context"

	"github.com/mnehpets/onerpc/protocol"
)

// Handler processes one parsed request into a response. The terminal handler
// of a chain invokes the method registry; middlewares wrap it.
//
// Handlers never return nil: failures are expressed as error responses.
type Handler func(ctx context.Context, req *protocol.Request) *protocol.Response

// Middleware wraps a Handler with cross-cutting behavior.
type Middleware func(next Handler) Handler

// Chain composes middlewares around a terminal handler. Composition is
// right-to-left, so the first middleware in the list wraps outermost and
// sees the request first.
func Chain(terminal Handler, middlewares ...Middleware) Handler {
	h := terminal
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Defaults returns the standard chain: exception translation outermost,
// then request injection.
func Defaults() []Middleware {
	return []Middleware{Exception, RequestInjector}
}
