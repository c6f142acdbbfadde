package middleware

import (
	"context"

	"ring-rpc/message"

	"golang.org/x/time/rate"
)

const rateLimitMessage = "rate limit exceeded"

// RateLimit rejects requests beyond a token bucket of r requests per second with the given burst.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			if !limiter.Allow() {
				return req.ReplyTo(nil, rateLimitMessage)
			}
			return next(ctx, req)
		}
	}
}
