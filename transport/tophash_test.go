package transport

import (
	"testing"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/merkle"
)

func TestOpenTopHashAbsentReportsNotExists(t *testing.T) {
	top, err := OpenTopHash(t.TempDir())
	if err != nil {
		t.Fatalf("OpenTopHash: %v", err)
	}
	if top.Exists() {
		t.Fatalf("Exists() = true for a directory with no hash file")
	}
}

func TestPersistThenReopenRoundTrips(t *testing.T) {
	dir := t.TempDir()
	top, err := OpenTopHash(dir)
	if err != nil {
		t.Fatalf("OpenTopHash: %v", err)
	}

	var h merkle.Hash
	h[0] = 0xde
	h[1] = 0xad
	if err := top.Persist(h); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	reopened, err := OpenTopHash(dir)
	if err != nil {
		t.Fatalf("OpenTopHash (reopen): %v", err)
	}
	if !reopened.Exists() {
		t.Fatalf("Exists() = false after Persist")
	}
	if reopened.Current() != h {
		t.Fatalf("Current() after reopen = %x, want %x", reopened.Current(), h)
	}
}
