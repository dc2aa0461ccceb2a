package middleware

import (
	"context"
	"errors"
	"post-rpc/message"
	"time"
)

var ErrTimeout = errors.New("request timed out")

// TimeoutMiddleware bounds a call by timeout. The context handed to the next
// handler is cancelled when the deadline passes, which aborts an in-flight
// HTTP exchange on the client side.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return &message.Response{Err: ErrTimeout}
				}
				return &message.Response{Err: ctx.Err()}
			}
		}
	}
}
