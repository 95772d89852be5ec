/*
Package packet implements the fixed-header binary wire format:

	offset  size  field
	0       4     magic_number (u32 LE)
	4       2     op_code (u16 LE)
	6       1     flags (u8)
	7       1     priority (u8)
	8       1     transport (u8)
	9       2     length (u16 LE)        total including header
	11      N     payload (0..=65524)

For sequenced packets (flags&Sequenced != 0) the first 4 bytes of payload
hold sequence_id (u32 LE); Payload() still returns the full payload slice,
callers that care about sequencing read SequenceID().

Payload ownership follows an explicit owned-buffer sum type: a
Packet either holds a small inline array or a buffer rented from the
package-level pool. Copying a Packet (via Clone) copies bytes; Release
returns a pooled buffer to its pool exactly once.
*/
package packet

import (
	"bytes"
	"encoding/binary"

	"corepipe/errs"
)

// HeaderLength is the fixed header size in bytes.
const HeaderLength = 11

// IdentifierSize is the length in bytes of the opaque UDP connection
// identifier trailer.
const IdentifierSize = 7

// MaxTotalSize is the largest legal packet, header included.
const MaxTotalSize = 65535

// MaxPayloadSize is the largest legal payload.
const MaxPayloadSize = MaxTotalSize - HeaderLength

// inlineThreshold is the payload size at or below which a Packet owns an
// inline array instead of renting from the pool.
const inlineThreshold = 128

// Flags bitset. Bits above bit2 are reserved and must be zero.
type Flags uint8

const (
	Encrypted Flags = 1 << 0
	Compressed Flags = 1 << 1
	Sequenced Flags = 1 << 2
	reservedMask = ^(Encrypted | Compressed | Sequenced)
)

// Transport identifies the carrying transport.
type Transport uint8

const (
	TransportTCP Transport = 1
	TransportUDP Transport = 2
)

// Priority is the enumerated scheduling tier. This core never
// reads Priority itself — it is reserved for an out-of-scope scheduler
//) — but it is carried faithfully on the wire.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) valid() bool {
	return p <= PriorityUrgent
}

// Packet is a value-like wire message. The zero value is not meaningful;
// construct with New or Decode.
type Packet struct {
	MagicNumber uint32
	OpCode      uint16
	Flags       Flags
	Priority    Priority
	Transport   Transport
	payload     payload
}

// New constructs a Packet that owns a copy of body.
func New(magic uint32, opCode uint16, flags Flags, priority Priority, transport Transport, body []byte) (*Packet, error) {
	if len(body) > MaxPayloadSize {
		return nil, errs.New(errs.PayloadTooLarge, "payload exceeds maximum allowed size")
	}
	if err := validateHeaderFields(flags, priority); err != nil {
		return nil, err
	}
	p := &Packet{
		MagicNumber: magic,
		OpCode:      opCode,
		Flags:       flags,
		Priority:    priority,
		Transport:   transport,
	}
	p.payload.set(body)
	return p, nil
}

// Payload returns the packet's payload bytes. The returned slice aliases
// internal storage; callers must not retain it past the Packet's lifetime
// if the packet is later Released.
func (p *Packet) Payload() []byte { return p.payload.bytes() }

// SetPayload replaces the payload, releasing any previously pooled buffer.
func (p *Packet) SetPayload(body []byte) error {
	if len(body) > MaxPayloadSize {
		return errs.New(errs.PayloadTooLarge, "payload exceeds maximum allowed size")
	}
	p.payload.release()
	p.payload.set(body)
	return nil
}

// SequenceID returns the sequence id carried in the first 4 payload bytes
// when Sequenced is set, and false otherwise.
func (p *Packet) SequenceID() (uint32, bool) {
	if p.Flags&Sequenced == 0 {
		return 0, false
	}
	b := p.payload.bytes()
	if len(b) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

// Length is the total wire size including the header:
// length == header_size + payload.len().
func (p *Packet) Length() int { return HeaderLength + p.payload.len() }

// Clone deep-copies header and payload bytes into a fresh owned buffer.
func (p *Packet) Clone() *Packet {
	c := *p
	c.payload = payload{}
	c.payload.set(p.payload.bytes())
	return &c
}

// Release returns any pooled payload buffer to its pool. Safe to call
// multiple times; only the first call has effect.
func (p *Packet) Release() { p.payload.release() }

// Equal compares header fields and payload bytes.
func (p *Packet) Equal(other *Packet) bool {
	if other == nil {
		return false
	}
	if p.MagicNumber != other.MagicNumber ||
		p.OpCode != other.OpCode ||
		p.Flags != other.Flags ||
		p.Priority != other.Priority ||
		p.Transport != other.Transport {
		return false
	}
	// bytes.Equal is backed by the runtime's vectorized memequal.
	return bytes.Equal(p.payload.bytes(), other.payload.bytes())
}

// Hash mixes the header fields and up to 16 bytes of payload (first+last 8)
// plus payload length, avoiding hashing the whole payload.
// The mix uses FNV-1a constants by hand rather than adding a direct xxhash
// dependency for an eleven-byte header (see DESIGN.md).
func (p *Packet) Hash() uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	mix := func(b byte) {
		h ^= uint64(b)
		h *= prime64
	}
	var hdr [9]byte
	binary.LittleEndian.PutUint32(hdr[0:4], p.MagicNumber)
	binary.LittleEndian.PutUint16(hdr[4:6], p.OpCode)
	hdr[6] = byte(p.Flags)
	hdr[7] = byte(p.Priority)
	hdr[8] = byte(p.Transport)
	for _, b := range hdr {
		mix(b)
	}
	body := p.payload.bytes()
	n := len(body)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(n))
	for _, b := range lenBuf {
		mix(b)
	}
	head := n
	if head > 8 {
		head = 8
	}
	for i := 0; i < head; i++ {
		mix(body[i])
	}
	if n > 8 {
		tailStart := n - 8
		if tailStart < head {
			tailStart = head
		}
		for i := tailStart; i < n; i++ {
			mix(body[i])
		}
	}
	return h
}

func validateHeaderFields(flags Flags, priority Priority) error {
	if flags&reservedMask != 0 {
		return errs.New(errs.MalformedPacket, "reserved flag bits set")
	}
	if !priority.valid() {
		return errs.New(errs.MalformedPacket, "unknown priority")
	}
	return nil
}
