package middleware

import (
	"context"
	"time"

	"ring-rpc/message"

	metrics "github.com/rcrowley/go-metrics"
)

// Metrics records a timer and an error counter per service method in r, named
// "<Target>.<Method>.latency" and "<Target>.<Method>.errors". A nil r uses metrics.DefaultRegistry.
func Metrics(r metrics.Registry) Middleware {
	if r == nil {
		r = metrics.DefaultRegistry
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			resp := next(ctx, req)
			name := req.ServiceMethod()
			metrics.GetOrRegisterTimer(name+".latency", r).UpdateSince(start)
			if resp.Error != "" {
				metrics.GetOrRegisterCounter(name+".errors", r).Inc(1)
			}
			return resp
		}
	}
}
