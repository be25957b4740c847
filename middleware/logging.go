package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mnehpets/onerpc/protocol"
)

// RequestLogger logs one line per handled request: method, id, latency, and
// the error code when the response carries an error.
func RequestLogger(log zerolog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *protocol.Request) *protocol.Response {
			started := time.Now()
			resp := next(ctx, req)

			evt := log.Info()
			if resp != nil && resp.Error != nil {
				evt = log.Error().Int("code", resp.Error.Code).Str("error", resp.Error.Message)
			}
			evt.
				Str("method", req.Method).
				Interface("id", req.ID).
				Bool("notification", req.IsNotification()).
				Dur("latency", time.Since(started)).
				Msg("rpc request")
			return resp
		}
	}
}
