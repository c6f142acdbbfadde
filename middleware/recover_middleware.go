package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"ring-rpc/message"
)

// Recover turns a panic below it into an error Response.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (resp *message.Message) {
			defer func() {
				if p := recover(); p != nil {
					log.Errorf("panic handling %s id=%d: %v\n%s", req.ServiceMethod(), req.ID, p, debug.Stack())
					resp = req.ReplyTo(nil, fmt.Sprintf("panic: %v", p))
				}
			}()
			return next(ctx, req)
		}
	}
}
