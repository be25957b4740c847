package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mnehpets/onerpc/protocol"
)

// Metrics records per-method request counts and latencies on reg. The
// returned middleware owns its collectors; registering it twice on the same
// registerer panics, as usual for prometheus.
func Metrics(reg prometheus.Registerer) Middleware {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "onerpc",
		Name:      "requests_total",
		Help:      "Handled JSON-RPC requests by method and outcome code.",
	}, []string{"method", "code"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "onerpc",
		Name:      "request_duration_seconds",
		Help:      "JSON-RPC request handling latency by method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
	reg.MustRegister(requests, latency)

	return func(next Handler) Handler {
		return func(ctx context.Context, req *protocol.Request) *protocol.Response {
			started := time.Now()
			resp := next(ctx, req)

			code := "ok"
			if resp != nil && resp.Error != nil {
				code = strconv.Itoa(resp.Error.Code)
			}
			requests.WithLabelValues(req.Method, code).Inc()
			latency.WithLabelValues(req.Method).Observe(time.Since(started).Seconds())
			return resp
		}
	}
}
