package pipeline

import "corepipe/packet"

// ControlType classifies a control frame.
type ControlType uint8

const (
	ControlFail ControlType = iota
	ControlThrottle
	ControlTimeout
)

// Reason is the control frame's reason code.
type Reason uint8

const (
	ReasonOK Reason = iota
	ReasonRateLimited
	ReasonUnauthenticated
	ReasonUnsupportedPacket
	ReasonCryptoUnsupported
	ReasonCompressionUnsupported
	ReasonTransformFailed
	ReasonTimeout
	ReasonMalformedPacket
	ReasonInternalError
)

// Action tells the peer what to do next.
type Action uint8

const (
	ActionNone Action = iota
	ActionRetry
	ActionBackoffRetry
)

// ControlFlag is a bitset carried on a control frame.
type ControlFlag uint16

const (
	FlagIsTransient ControlFlag = 1 << 0
	FlagSlowDown    ControlFlag = 1 << 1
)

// ControlOp is the reserved op code identifying control frames on the wire.
const ControlOp uint16 = 0xFFFF

// ControlPayloadSize is the fixed encoded size of a control frame's payload:
// control_type:1, reason:1, action:1, flags:2, sequence_id:4, arg0:4, arg1:4, arg2:4.
const ControlPayloadSize = 1 + 1 + 1 + 2 + 4 + 4 + 4 + 4

// Control is the decoded form of a control frame's payload.
type Control struct {
	Type       ControlType
	Reason     Reason
	Action     Action
	Flags      ControlFlag
	SequenceID uint32
	Arg0       uint32
	Arg1       uint32
	Arg2       uint32
}

// Encode lays Control out in its bit-exact wire layout.
func (c Control) Encode() []byte {
	buf := make([]byte, ControlPayloadSize)
	buf[0] = byte(c.Type)
	buf[1] = byte(c.Reason)
	buf[2] = byte(c.Action)
	le16(buf[3:5], uint16(c.Flags))
	le32(buf[5:9], c.SequenceID)
	le32(buf[9:13], c.Arg0)
	le32(buf[13:17], c.Arg1)
	le32(buf[17:21], c.Arg2)
	return buf
}

// DecodeControl parses a control frame payload produced by Encode.
func DecodeControl(buf []byte) (Control, bool) {
	if len(buf) < ControlPayloadSize {
		return Control{}, false
	}
	return Control{
		Type:       ControlType(buf[0]),
		Reason:     Reason(buf[1]),
		Action:     Action(buf[2]),
		Flags:      ControlFlag(readLE16(buf[3:5])),
		SequenceID: readLE32(buf[5:9]),
		Arg0:       readLE32(buf[9:13]),
		Arg1:       readLE32(buf[13:17]),
		Arg2:       readLE32(buf[17:21]),
	}, true
}

func le16(dst []byte, v uint16) { dst[0] = byte(v); dst[1] = byte(v >> 8) }
func le32(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}
func readLE16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func readLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// NewControlPacket builds a Packet wrapping a Control frame, using
// magicNumber and transport from the originating connection/packet.
func NewControlPacket(magicNumber uint32, transport packet.Transport, c Control) (*packet.Packet, error) {
	return packet.New(magicNumber, ControlOp, 0, packet.PriorityNormal, transport, c.Encode())
}
