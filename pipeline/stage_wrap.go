package pipeline

import (
	"corepipe/packet"
	"corepipe/transform"
)

// WrapMiddleware is the mandatory outbound stage at order 2:
// compresses the packet when its size crosses the transport-specific
// threshold, then encrypts it when Attributes.RequireEncryption is set.
// Missing transformer capability converts to the same FAIL taxonomy as the
// inbound Unwrap stage.
func WrapMiddleware(registry *transform.Registry) Middleware {
	return NewMiddleware("wrap", 2, func(ctx *Context, next func() error) error {
		p := ctx.Packet
		threshold := ctx.Attributes.CompressionThreshold

		if shouldCompress(p, threshold) {
			out, err := registry.Compress(p.OpCode, p)
			if err != nil {
				return sendUnwrapFailure(ctx, err)
			}
			ctx.Packet = out
			p = out
		}

		if ctx.Attributes.RequireEncryption {
			out, err := registry.Encrypt(p.OpCode, p, ctx.Conn.EncryptionKey(), ctx.Conn.EncryptionSuite())
			if err != nil {
				return sendUnwrapFailure(ctx, err)
			}
			ctx.Packet = out
		}

		return next()
	})
}

// shouldCompress implements the transport-specific compression
// trigger, on the total packet length (header included): TCP compresses
// once that length is more than double the threshold; UDP only compresses
// when it is in a narrow band (600, 1200) bytes over
// the threshold, since UDP datagrams near the MTU benefit from compression
// but ones far beyond it are better left to fragment.
func shouldCompress(p *packet.Packet, threshold int) bool {
	if threshold <= 0 {
		return false
	}
	size := p.Length()
	over := size - threshold
	switch p.Transport {
	case packet.TransportTCP:
		return over > threshold
	case packet.TransportUDP:
		return over > 600 && over < 1200
	default:
		return false
	}
}
