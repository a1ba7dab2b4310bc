package blk

import "testing"

func TestBytesSetBytesRoundTrip(t *testing.T) {
	var e Envelope
	for i := range e.Ciphertext {
		e.Ciphertext[i] = byte(i)
	}
	for i := range e.Tag {
		e.Tag[i] = byte(i + 1)
	}
	for i := range e.Nonce {
		e.Nonce[i] = byte(i + 2)
	}

	raw := e.Bytes()
	if len(raw) != Size+AuthLen {
		t.Fatalf("Bytes() length = %d, want %d", len(raw), Size+AuthLen)
	}

	var got Envelope
	got.SetBytes(raw)
	if got != e {
		t.Fatalf("SetBytes(Bytes()) did not round trip")
	}
}

func TestIsZero(t *testing.T) {
	var e Envelope
	if !e.IsZero() {
		t.Fatalf("zero-value Envelope.IsZero() = false, want true")
	}
	e.Tag[0] = 1
	if e.IsZero() {
		t.Fatalf("Envelope.IsZero() = true after mutation, want false")
	}
}

func TestZeroHashMatchesZeroEnvelope(t *testing.T) {
	var e Envelope
	if e.Hash() != ZeroHash {
		t.Fatalf("ZeroHash does not match the hash of a zero-value Envelope")
	}
}
