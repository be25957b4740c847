package middleware

import (
	"context"
	"fmt"

	"github.com/mnehpets/onerpc/protocol"
)

// Exception converts panics and missing responses from the inner handler
// into internal-error responses, so that no fault escapes the dispatcher as
// anything but a protocol error.
//
// The method invoker already sanitizes method-body faults; this middleware
// is the backstop for failures in other middlewares and in the dispatch
// plumbing itself. It must be the outermost middleware.
func Exception(next Handler) Handler {
	return func(ctx context.Context, req *protocol.Request) (resp *protocol.Response) {
		defer func() {
			if p := recover(); p != nil {
				resp = protocol.NewErrorResponse(
					req.ID,
					protocol.InternalError(fmt.Sprintf("%v", p)).WithStack(),
				)
			}
		}()

		resp = next(ctx, req)
		if resp == nil {
			resp = protocol.NewErrorResponse(req.ID, protocol.InternalError("handler returned no response"))
		}
		return resp
	}
}

// RequestInjector exposes the live request to methods as the extra arg
// "request". A method declaring a parameter of that name receives the
// *protocol.Request without the remote caller supplying it.
func RequestInjector(next Handler) Handler {
	return func(ctx context.Context, req *protocol.Request) *protocol.Response {
		if req.Extra == nil {
			req.Extra = make(map[string]any)
		}
		req.Extra["request"] = req
		return next(ctx, req)
	}
}
