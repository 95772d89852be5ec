package packet

import (
	"encoding/binary"

	"corepipe/errs"
)

// stackBufSize is a small-packet size threshold. Encode does not consult
// it: every Encode call allocates a fresh slice sized exactly to the packet
// and never draws from bufPool.
const stackBufSize = 512

// Encode serializes p into a freshly allocated byte slice: header then
// payload. Fails with errs.PayloadTooLarge when the total size would
// exceed 65535 bytes.
func Encode(p *Packet) ([]byte, error) {
	total := p.Length()
	if total > MaxTotalSize {
		return nil, errs.New(errs.PayloadTooLarge, "payload exceeds maximum allowed size")
	}
	dst := make([]byte, total)
	if _, err := encodeInto(p, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// TryEncodeInto writes p into dst without allocating, returning the number
// of bytes written. Returns errs.InternalError("not enough space") if dst is
// too small.
func TryEncodeInto(p *Packet, dst []byte) (int, error) {
	total := p.Length()
	if total > MaxTotalSize {
		return 0, errs.New(errs.PayloadTooLarge, "payload exceeds maximum allowed size")
	}
	if len(dst) < total {
		return 0, errs.New(errs.InternalError, "not enough space in destination buffer")
	}
	return encodeInto(p, dst)
}

func encodeInto(p *Packet, dst []byte) (int, error) {
	if err := validateHeaderFields(p.Flags, p.Priority); err != nil {
		return 0, err
	}
	total := p.Length()
	binary.LittleEndian.PutUint32(dst[0:4], p.MagicNumber)
	binary.LittleEndian.PutUint16(dst[4:6], p.OpCode)
	dst[6] = byte(p.Flags)
	dst[7] = byte(p.Priority)
	dst[8] = byte(p.Transport)
	binary.LittleEndian.PutUint16(dst[9:11], uint16(total))
	copy(dst[HeaderLength:total], p.payload.bytes())
	return total, nil
}

// Decode parses a complete packet from data, copying the payload into a
// freshly owned buffer. Rejects inputs shorter than the header, inputs
// whose declared length is inconsistent with len(data), and magic number
// mismatches against wantMagic (pass 0 to skip the magic check, e.g. when
// decoding control frames of unknown provenance).
func Decode(data []byte, wantMagic uint32) (*Packet, error) {
	p, _, err := decode(data, wantMagic)
	return p, err
}

// TryDecode is an alias for Decode kept for symmetry with TryEncodeInto;
// the "try" here refers to the fact that decoding never allocates more than
// the one owned payload buffer even on the error paths.
func TryDecode(data []byte, wantMagic uint32) (*Packet, error) {
	return Decode(data, wantMagic)
}

// DecodeConsumed behaves like Decode but additionally returns how many
// bytes of data were consumed, for callers decoding a stream that may hold
// more than one packet back-to-back (e.g. UDP datagrams are exactly one
// packet, but a pre-framed buffer might hold several).
func DecodeConsumed(data []byte, wantMagic uint32) (*Packet, int, error) {
	return decode(data, wantMagic)
}

// MarshalBinary implements encoding.BinaryMarshaler, so a Packet composes
// with stdlib-idiomatic code (gob-free direct io.Writer use) the same way
// Encode does. Equivalent to Encode(p).
func (p *Packet) MarshalBinary() ([]byte, error) {
	return Encode(p)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler, replacing p's
// fields with the packet decoded from data. The magic number is taken from
// data itself rather than checked against a caller-supplied value, since
// the BinaryUnmarshaler interface has no way to pass one; callers that
// need magic validation should use Decode directly.
func (p *Packet) UnmarshalBinary(data []byte) error {
	decoded, _, err := decode(data, 0)
	if err != nil {
		return err
	}
	p.payload.release()
	*p = *decoded
	return nil
}

func decode(data []byte, wantMagic uint32) (*Packet, int, error) {
	if len(data) < HeaderLength {
		return nil, 0, errs.New(errs.InvalidLength, "input shorter than header")
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if wantMagic != 0 && magic != wantMagic {
		return nil, 0, errs.New(errs.BadMagic, "magic number mismatch")
	}
	opCode := binary.LittleEndian.Uint16(data[4:6])
	flags := Flags(data[6])
	priority := Priority(data[7])
	transport := Transport(data[8])
	length := binary.LittleEndian.Uint16(data[9:11])

	if int(length) < HeaderLength {
		return nil, 0, errs.New(errs.InvalidLength, "declared length shorter than header")
	}
	if int(length) > len(data) {
		return nil, 0, errs.New(errs.InvalidLength, "declared length exceeds input")
	}
	if err := validateHeaderFields(flags, priority); err != nil {
		return nil, 0, err
	}

	body := data[HeaderLength:length]
	p := &Packet{
		MagicNumber: magic,
		OpCode:      opCode,
		Flags:       flags,
		Priority:    priority,
		Transport:   transport,
	}
	p.payload.set(body)
	return p, int(length), nil
}
