package pipeline

import (
	"context"
	"time"
)

// TimeoutMiddleware races the remainder of the chain (ultimately the
// handler) against Attributes.TimeoutMs. On timeout it
// cancels the linked context, waits for the handler goroutine to observe
// the cancellation and return, swallowing a Cancelled error so it isn't
// reported twice, then emits a single TIMEOUT control frame with
// arg0 = timeout_ms / 100.
//
// A TimeoutMs <= 0 disables the race entirely; next() runs inline.
func TimeoutMiddleware() Middleware {
	return NewMiddleware("timeout", 5, func(ctx *Context, next func() error) error {
		timeoutMs := ctx.Attributes.TimeoutMs
		if timeoutMs <= 0 {
			return next()
		}

		parent := ctx.Ctx
		if parent == nil {
			parent = context.Background()
		}
		tctx, cancel := context.WithTimeout(parent, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
		ctx.Ctx = tctx

		done := make(chan error, 1)
		go func() {
			done <- next()
		}()

		select {
		case err := <-done:
			return err
		case <-tctx.Done():
			cancel()
			<-done // await the handler's completion before emitting the frame
			return ctx.Conn.SendControl(Control{
				Type:       ControlTimeout,
				Reason:     ReasonTimeout,
				Action:     ActionRetry,
				SequenceID: sequenceIDOf(ctx),
				Arg0:       uint32(timeoutMs) / 100,
			})
		}
	})
}
