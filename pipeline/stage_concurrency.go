package pipeline

import "corepipe/gate"

// ConcurrencyMiddleware is the mandatory inbound stage after Unwrap: bounds how many in-flight handler invocations exist per op code
// Denial is reported as FAIL/RATE_LIMITED/RETRY, reusing the rate-limited
// taxonomy for this stage rather than inventing a distinct reason code.
func ConcurrencyMiddleware(g *gate.Gate) Middleware {
	return NewMiddleware("concurrency", 4, func(ctx *Context, next func() error) error {
		lease, ok := g.TryEnter(ctx.Attributes.OpCode)
		if !ok {
			return ctx.Conn.SendControl(Control{
				Type:       ControlFail,
				Reason:     ReasonRateLimited,
				Action:     ActionRetry,
				SequenceID: sequenceIDOf(ctx),
			})
		}
		defer lease.Release()
		return next()
	})
}
