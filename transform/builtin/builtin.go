/*
Package builtin supplies one concrete, ready-to-register transform.Entry:
AES-256-GCM for encrypt/decrypt and DEFLATE for compress/decompress.

The cryptographic primitives are treated as opaque AEAD/stream/block
ciphers supplied by an external collaborator; this package is the "comes
with a working default" the end-to-end tests exercise. No
third-party crypto or compression library is a direct dependency anywhere
in the example corpus, so the standard library is the grounded choice here
(see DESIGN.md) — unlike the rest of the module, which reaches for the
corpus's third-party stack wherever a component's concern matches one.
*/
package builtin

import (
	"bytes"
	"compress/flate"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"corepipe/errs"
	"corepipe/packet"
	"corepipe/transform"
)

// AEADEntry returns a transform.Entry whose Encrypt/Decrypt use AES-256-GCM
// with a random nonce prepended to the ciphertext, and whose
// Compress/Decompress use DEFLATE. opCode, transport, and Priority are
// preserved across every transform.
func AEADEntry() transform.Entry {
	return transform.Entry{
		Encrypt:    encryptGCM,
		Decrypt:    decryptGCM,
		Compress:   compressFlate,
		Decompress: decompressFlate,
	}
}

func gcmCipher(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func encryptGCM(pkt *packet.Packet, key []byte, _ string) (*packet.Packet, error) {
	aead, err := gcmCipher(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nonce, nonce, pkt.Payload(), nil)
	out, err := packet.New(pkt.MagicNumber, pkt.OpCode, pkt.Flags|packet.Encrypted, pkt.Priority, pkt.Transport, sealed)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decryptGCM(pkt *packet.Packet, key []byte) (*packet.Packet, error) {
	aead, err := gcmCipher(key)
	if err != nil {
		return nil, err
	}
	body := pkt.Payload()
	if len(body) < aead.NonceSize() {
		return nil, errs.New(errs.TransformFailed, "ciphertext shorter than nonce")
	}
	nonce, ciphertext := body[:aead.NonceSize()], body[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}
	out, err := packet.New(pkt.MagicNumber, pkt.OpCode, pkt.Flags&^packet.Encrypted, pkt.Priority, pkt.Transport, plain)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func compressFlate(pkt *packet.Packet) (*packet.Packet, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(pkt.Payload()); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	out, err := packet.New(pkt.MagicNumber, pkt.OpCode, pkt.Flags|packet.Compressed, pkt.Priority, pkt.Transport, buf.Bytes())
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decompressFlate(pkt *packet.Packet) (*packet.Packet, error) {
	r := flate.NewReader(bytes.NewReader(pkt.Payload()))
	defer r.Close()
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	out, err := packet.New(pkt.MagicNumber, pkt.OpCode, pkt.Flags&^packet.Compressed, pkt.Priority, pkt.Transport, plain)
	if err != nil {
		return nil, err
	}
	return out, nil
}
