package server

import (
	"bytes"
	"testing"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/blk"
)

func envelopeOf(b byte) *blk.Envelope {
	var e blk.Envelope
	for i := range e.Ciphertext {
		e.Ciphertext[i] = b
	}
	e.Tag[0] = b
	e.Nonce[0] = b
	return &e
}

func TestOpenInitializesFreshStore(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, blk.Depth)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	env, err := s.Read(0)
	if err != nil {
		t.Fatalf("Read(0): %v", err)
	}
	if !env.IsZero() {
		t.Fatalf("freshly initialized block 0 is not zero")
	}
	if s.Root() != blk.ZeroHash && len(s.AuthPath(0)) == 0 {
		// AuthPath should still have depth entries regardless.
	}
	if len(s.AuthPath(0)) != int(blk.Depth) {
		t.Fatalf("AuthPath length = %d, want %d", len(s.AuthPath(0)), blk.Depth)
	}
}

func TestWriteUpdatesRootAndIsReadable(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, blk.Depth)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	before := s.Root()
	env := envelopeOf(0x42)
	if _, err := s.Write(5, env); err != nil {
		t.Fatalf("Write: %v", err)
	}
	after := s.Root()
	if before == after {
		t.Fatalf("root did not change after Write")
	}

	got, err := s.Read(5)
	if err != nil {
		t.Fatalf("Read(5): %v", err)
	}
	if !bytes.Equal(got.Ciphertext[:], env.Ciphertext[:]) {
		t.Fatalf("Read did not return the written ciphertext")
	}
}

func TestReopenPersistsTreeAcrossCleanClose(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, blk.Depth)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Write(9, envelopeOf(0x7)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	wantRoot := s.Root()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir, blk.Depth)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if s2.Root() != wantRoot {
		t.Fatalf("root after reopen does not match root before close")
	}
}

func TestReopenRebuildsTreeWhenStale(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, blk.Depth)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Write(3, envelopeOf(0x9)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	wantRoot := s.Root()

	// Simulate an unclean shutdown: close the file descriptors directly,
	// without going through Close (which would persist the tree file).
	s.data.Close()
	s.aead.Close()

	s2, err := Open(dir, blk.Depth)
	if err != nil {
		t.Fatalf("reopen after unclean shutdown: %v", err)
	}
	defer s2.Close()

	if s2.Root() != wantRoot {
		t.Fatalf("rebuilt root does not match the root before the unclean shutdown")
	}
}
