package pipeline

import (
	"corepipe/gate"
	"corepipe/ratelimit"
	"corepipe/transform"
)

// Deps bundles the components the built-in middlewares need.
type Deps struct {
	Registry      *transform.Registry
	PolicyLimiter *ratelimit.PolicyLimiter
	GlobalLimiter *ratelimit.Limiter
	Gate          *gate.Gate
}

// RegisterBuiltins installs the mandatory inbound stages and the mandatory
// outbound chain (Wrap), then calls Build. Build sorts by order, so the
// inbound chain runs Permission (2), Unwrap (3), Concurrency (4),
// Timeout (5), RateLimit (50). Handler dispatch
// itself is implicit in Pipeline.RunInbound once the inbound chain drains.
func RegisterBuiltins(p *Pipeline, deps Deps) {
	p.Use(Inbound, RateLimitMiddleware(deps.PolicyLimiter, deps.GlobalLimiter))
	p.Use(Inbound, PermissionMiddleware())
	p.Use(Inbound, UnwrapMiddleware(deps.Registry))
	p.Use(Inbound, ConcurrencyMiddleware(deps.Gate))
	p.Use(Inbound, TimeoutMiddleware())
	p.Use(Outbound, WrapMiddleware(deps.Registry))
	p.Build()
}
