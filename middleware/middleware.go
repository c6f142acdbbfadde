// Package middleware wraps request dispatch in an onion of cross-cutting handlers.
//
//	Chain(A, B, C)(h) == A(B(C(h)))
//	A.before → B.before → C.before → h → C.after → B.after → A.after
//
// A handler always answers with a Response for the request it was given; failures travel in
// the Response's Error field, never as a nil return.
package middleware

import (
	"context"

	"ring-rpc/message"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("middleware")

type HandlerFunc func(ctx context.Context, req *message.Message) *message.Message

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
