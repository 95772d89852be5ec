/*
Package transform implements the per-packet-type transformer registry: a mapping from packet op-code identity to a record of
encrypt/decrypt/compress/decompress function pointers.

Entries are registered once at startup and never mutated afterwards, so a
plain map guarded by a RWMutex is used rather than a sync.Map — a deliberate
deviation from a "sync.Map for read-heavy workloads" reasoning
in server/connection.go's ConnectionManager, justified because this map's
write phase (registration) and read phase (lookup during the pipeline) never
overlap in practice, so the simpler primitive is both cheaper and no less
safe (see DESIGN.md).
*/
package transform

import (
	"sync"

	"corepipe/errs"
	"corepipe/packet"
)

// Key identifies a transformer entry by the packet's op code.
type Key = uint16

// EncryptFunc encrypts pkt in place (conceptually — it returns the new
// packet state) using key and suite, setting the Encrypted flag.
type EncryptFunc func(pkt *packet.Packet, key []byte, suite string) (*packet.Packet, error)

// DecryptFunc is the inverse of EncryptFunc, clearing the Encrypted flag.
type DecryptFunc func(pkt *packet.Packet, key []byte) (*packet.Packet, error)

// CompressFunc compresses pkt's payload, setting the Compressed flag.
type CompressFunc func(pkt *packet.Packet) (*packet.Packet, error)

// DecompressFunc is the inverse of CompressFunc, clearing the Compressed flag.
type DecompressFunc func(pkt *packet.Packet) (*packet.Packet, error)

// Entry is the capability set registered per packet type.
type Entry struct {
	Encrypt    EncryptFunc
	Decrypt    DecryptFunc
	Compress   CompressFunc
	Decompress DecompressFunc
}

func (e Entry) HasEncrypt() bool    { return e.Encrypt != nil }
func (e Entry) HasDecrypt() bool    { return e.Decrypt != nil }
func (e Entry) HasCompress() bool   { return e.Compress != nil }
func (e Entry) HasDecompress() bool { return e.Decompress != nil }

// Registry is a type-indexed capability table keyed by packet op code
//.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]Entry)}
}

// Register installs (or replaces) the entry for opCode.
func (r *Registry) Register(opCode Key, entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[opCode] = entry
}

// Lookup returns the entry registered for opCode, if any.
func (r *Registry) Lookup(opCode Key) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[opCode]
	return e, ok
}

// Decrypt looks up opCode's entry and invokes Decrypt, translating a
// missing entry or missing capability into the Unwrap stage's taxonomy
// (UnsupportedPacket / CryptoUnsupported).
func (r *Registry) Decrypt(opCode Key, pkt *packet.Packet, key []byte) (*packet.Packet, error) {
	entry, ok := r.Lookup(opCode)
	if !ok {
		return nil, errs.New(errs.UnsupportedPacket, "no transformer registered for op code")
	}
	if !entry.HasDecrypt() {
		return nil, errs.New(errs.CryptoUnsupported, "transformer has no decrypt capability")
	}
	out, err := entry.Decrypt(pkt, key)
	if err != nil {
		return nil, errs.Wrap(errs.TransformFailed, "decrypt failed", err)
	}
	return out, nil
}

// Decompress mirrors Decrypt for the compression capability.
func (r *Registry) Decompress(opCode Key, pkt *packet.Packet) (*packet.Packet, error) {
	entry, ok := r.Lookup(opCode)
	if !ok {
		return nil, errs.New(errs.UnsupportedPacket, "no transformer registered for op code")
	}
	if !entry.HasDecompress() {
		return nil, errs.New(errs.CompressionUnsupported, "transformer has no decompress capability")
	}
	out, err := entry.Decompress(pkt)
	if err != nil {
		return nil, errs.Wrap(errs.TransformFailed, "decompress failed", err)
	}
	return out, nil
}

// Encrypt looks up opCode's entry and invokes Encrypt (outbound Wrap stage).
func (r *Registry) Encrypt(opCode Key, pkt *packet.Packet, key []byte, suite string) (*packet.Packet, error) {
	entry, ok := r.Lookup(opCode)
	if !ok {
		return nil, errs.New(errs.UnsupportedPacket, "no transformer registered for op code")
	}
	if !entry.HasEncrypt() {
		return nil, errs.New(errs.CryptoUnsupported, "transformer has no encrypt capability")
	}
	out, err := entry.Encrypt(pkt, key, suite)
	if err != nil {
		return nil, errs.Wrap(errs.TransformFailed, "encrypt failed", err)
	}
	return out, nil
}

// Compress mirrors Encrypt for the compression capability.
func (r *Registry) Compress(opCode Key, pkt *packet.Packet) (*packet.Packet, error) {
	entry, ok := r.Lookup(opCode)
	if !ok {
		return nil, errs.New(errs.UnsupportedPacket, "no transformer registered for op code")
	}
	if !entry.HasCompress() {
		return nil, errs.New(errs.CompressionUnsupported, "transformer has no compress capability")
	}
	out, err := entry.Compress(pkt)
	if err != nil {
		return nil, errs.Wrap(errs.TransformFailed, "compress failed", err)
	}
	return out, nil
}
