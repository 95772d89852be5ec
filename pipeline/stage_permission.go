package pipeline

// PermissionMiddleware is the mandatory inbound stage at order 2: denies
// the packet when Attributes.RequiredPermission exceeds the
// connection's permission level.
func PermissionMiddleware() Middleware {
	return NewMiddleware("permission", 2, func(ctx *Context, next func() error) error {
		if ctx.Conn.PermissionLevel() < ctx.Attributes.RequiredPermission {
			return ctx.Conn.SendControl(Control{
				Type:       ControlFail,
				Reason:     ReasonUnauthenticated,
				Action:     ActionNone,
				SequenceID: sequenceIDOf(ctx),
				Arg0:       uint32(ctx.Attributes.RequiredPermission),
				Arg1:       uint32(ctx.Conn.PermissionLevel()),
				Arg2:       uint32(ctx.Attributes.OpCode),
			})
		}
		return next()
	})
}
