package middleware

import (
	"context"
	"time"

	"ring-rpc/message"
)

// Logging logs every call with its duration; failed calls are logged at WARNING.
func Logging() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)
			if resp.Error != "" {
				log.Warningf("%s id=%d failed after %s: %s", req.ServiceMethod(), req.ID, duration, resp.Error)
			} else {
				log.Infof("%s id=%d took %s", req.ServiceMethod(), req.ID, duration)
			}
			return resp
		}
	}
}
