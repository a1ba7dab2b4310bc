package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/blk"
	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/merkle"
)

func TestFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewConn(nil, &buf)

	if err := w.WriteOpcode(OpWrite); err != nil {
		t.Fatalf("WriteOpcode: %v", err)
	}
	if err := w.WriteUint64(12345); err != nil {
		t.Fatalf("WriteUint64: %v", err)
	}

	var env blk.Envelope
	for i := range env.Ciphertext {
		env.Ciphertext[i] = byte(i)
	}
	env.Tag[0] = 0xaa
	env.Nonce[0] = 0xbb
	if err := w.WriteEnvelope(&env); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}

	path := make([]merkle.Hash, 8)
	path[3][0] = 0xcc
	if err := w.WriteAuthPath(path); err != nil {
		t.Fatalf("WriteAuthPath: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	r := NewConn(&buf, nil)

	op, err := r.ReadOpcode()
	if err != nil || op != OpWrite {
		t.Fatalf("ReadOpcode = (%v, %v), want (OpWrite, nil)", op, err)
	}
	id, err := r.ReadUint64()
	if err != nil || id != 12345 {
		t.Fatalf("ReadUint64 = (%v, %v), want (12345, nil)", id, err)
	}

	var gotEnv blk.Envelope
	if err := r.ReadEnvelope(&gotEnv); err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if gotEnv != env {
		t.Fatalf("ReadEnvelope did not round trip")
	}

	gotPath, err := r.ReadAuthPath(8)
	if err != nil {
		t.Fatalf("ReadAuthPath: %v", err)
	}
	for i := range path {
		if gotPath[i] != path[i] {
			t.Fatalf("auth path element %d did not round trip", i)
		}
	}
}

func TestErrProtocolMessage(t *testing.T) {
	err := &ErrProtocol{Got: 0x7f}
	if err.Error() == "" {
		t.Fatalf("ErrProtocol.Error() returned an empty string")
	}
	var target *ErrProtocol
	if !errors.As(error(err), &target) {
		t.Fatalf("errors.As failed to unwrap *ErrProtocol")
	}
}
