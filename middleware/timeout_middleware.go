package middleware

import (
	"context"
	"time"

	"ring-rpc/message"
)

const timeoutMessage = "request timed out"

// Timeout answers with an error once the handler has run longer than timeout. The handler
// keeps running in the background with a cancelled context; its late result is discarded.
// The server's worker slot is released with the timeout reply, so a handler that ignores its
// context is no longer counted against server.Options.Workers.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Message, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return req.ReplyTo(nil, timeoutMessage)
			}
		}
	}
}
