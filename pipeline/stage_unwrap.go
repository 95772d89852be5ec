package pipeline

import (
	"corepipe/errs"
	"corepipe/packet"
	"corepipe/transform"
)

// UnwrapMiddleware is the mandatory inbound stage at order 3:
// decrypts when Encrypted is set, then decompresses when Compressed is set,
// clearing each flag as it's handled. Any failure at either step is
// reported via the same control-frame taxonomy.
func UnwrapMiddleware(registry *transform.Registry) Middleware {
	return NewMiddleware("unwrap", 3, func(ctx *Context, next func() error) error {
		p := ctx.Packet

		if p.Flags&packet.Encrypted != 0 {
			out, err := registry.Decrypt(p.OpCode, p, ctx.Conn.EncryptionKey())
			if err != nil {
				return sendUnwrapFailure(ctx, err)
			}
			ctx.Packet = out
			p = out
		}

		if p.Flags&packet.Compressed != 0 {
			out, err := registry.Decompress(p.OpCode, p)
			if err != nil {
				return sendUnwrapFailure(ctx, err)
			}
			ctx.Packet = out
		}

		return next()
	})
}

func sendUnwrapFailure(ctx *Context, err error) error {
	reason := ReasonInternalError
	action := ActionNone
	switch errs.KindOf(err) {
	case errs.UnsupportedPacket:
		reason = ReasonUnsupportedPacket
	case errs.CryptoUnsupported:
		reason = ReasonCryptoUnsupported
	case errs.CompressionUnsupported:
		reason = ReasonCompressionUnsupported
	case errs.TransformFailed:
		reason = ReasonTransformFailed
		action = ActionRetry
	}
	return ctx.Conn.SendControl(Control{
		Type:       ControlFail,
		Reason:     reason,
		Action:     action,
		SequenceID: sequenceIDOf(ctx),
	})
}
