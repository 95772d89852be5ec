package builtin

import (
	"bytes"
	"testing"

	"corepipe/packet"
)

func TestWrapUnwrapInverse(t *testing.T) {
	entry := AEADEntry()
	key := bytes.Repeat([]byte{0x42}, 32)

	original, err := packet.New(0xC0DEB0BA, 7, 0, packet.PriorityNormal, packet.TransportTCP, []byte("the quick brown fox"))
	if err != nil {
		t.Fatal(err)
	}

	compressed, err := entry.Compress(original)
	if err != nil {
		t.Fatal(err)
	}
	if compressed.Flags&packet.Compressed == 0 {
		t.Fatal("expected Compressed flag set")
	}

	encrypted, err := entry.Encrypt(compressed, key, "aes-gcm")
	if err != nil {
		t.Fatal(err)
	}
	if encrypted.Flags&packet.Encrypted == 0 {
		t.Fatal("expected Encrypted flag set")
	}

	decrypted, err := entry.Decrypt(encrypted, key)
	if err != nil {
		t.Fatal(err)
	}
	if decrypted.Flags&packet.Encrypted != 0 {
		t.Fatal("expected Encrypted flag cleared")
	}

	decompressed, err := entry.Decompress(decrypted)
	if err != nil {
		t.Fatal(err)
	}
	if decompressed.Flags&packet.Compressed != 0 {
		t.Fatal("expected Compressed flag cleared")
	}
	if !bytes.Equal(decompressed.Payload(), original.Payload()) {
		t.Fatalf("payload mismatch: got %q want %q", decompressed.Payload(), original.Payload())
	}
	if decompressed.OpCode != original.OpCode || decompressed.Transport != original.Transport {
		t.Fatal("op_code/transport must be preserved across transforms")
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	entry := AEADEntry()
	key := bytes.Repeat([]byte{1}, 32)
	wrongKey := bytes.Repeat([]byte{2}, 32)

	original, _ := packet.New(0xC0DEB0BA, 7, 0, packet.PriorityNormal, packet.TransportTCP, []byte("secret"))
	encrypted, err := entry.Encrypt(original, key, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := entry.Decrypt(encrypted, wrongKey); err == nil {
		t.Fatal("expected decrypt failure with wrong key")
	}
}
