package pipeline

import (
	"corepipe/ratelimit"
)

// RateLimitMiddleware is the mandatory inbound stage at order 50: it
// calls the policy limiter when Attributes.Policy is set,
// otherwise falls back to a single global per-endpoint limiter keyed
// by the connection's remote endpoint.
func RateLimitMiddleware(policyLimiter *ratelimit.PolicyLimiter, globalLimiter *ratelimit.Limiter) Middleware {
	return NewMiddleware("rate_limit", 50, func(ctx *Context, next func() error) error {
		subj := ratelimit.Subject{OpCode: ctx.Attributes.OpCode, Endpoint: ctx.Conn.RemoteEndpoint()}

		var decision ratelimit.Decision
		if ctx.Attributes.Policy != nil {
			decision = policyLimiter.Check(subj, *ctx.Attributes.Policy)
		} else {
			decision = globalLimiter.Check(subj)
		}

		if decision.Allowed {
			return next()
		}

		control := Control{
			Reason:     ReasonRateLimited,
			Action:     ActionRetry,
			SequenceID: sequenceIDOf(ctx),
			Arg1:       uint32(decision.RetryAfterMs),
			Arg2:       uint32(decision.Credit),
		}
		if decision.Reason == ratelimit.ReasonHardLockout {
			control.Type = ControlFail
			control.Flags = FlagIsTransient
		} else {
			control.Type = ControlThrottle
			control.Flags = FlagSlowDown
		}
		return ctx.Conn.SendControl(control)
	})
}

func sequenceIDOf(ctx *Context) uint32 {
	if ctx.Packet == nil {
		return 0
	}
	if id, ok := ctx.Packet.SequenceID(); ok {
		return id
	}
	return 0
}
