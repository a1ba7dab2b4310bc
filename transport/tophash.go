package transport

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/merkle"
)

const topHashFileName = "hash"

// TopHash owns the client's single persisted Merkle root. The reference
// implementation overwrites this file in place (seek to zero, overwrite);
// this design writes a temporary file and renames it over the original
// instead, so a crash mid-write can never leave a torn hash file that is
// neither the old root nor the new one.
type TopHash struct {
	path   string
	exists bool
	value  merkle.Hash
}

// OpenTopHash loads rootDir/hash if present. If it is absent, the returned
// TopHash reports Exists() == false and Current() is the zero hash until
// Persist is called for the first time.
func OpenTopHash(rootDir string) (*TopHash, error) {
	if err := os.MkdirAll(rootDir, 0700); err != nil {
		return nil, fmt.Errorf("transport: create root %q: %w", rootDir, err)
	}

	path := filepath.Join(rootDir, topHashFileName)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &TopHash{path: path}, nil
	} else if err != nil {
		return nil, fmt.Errorf("transport: read top hash: %w", err)
	}
	if len(raw) != len(merkle.Hash{}) {
		return nil, fmt.Errorf("transport: top hash file has %d bytes, want %d", len(raw), len(merkle.Hash{}))
	}

	t := &TopHash{path: path, exists: true}
	copy(t.value[:], raw)
	return t, nil
}

// Exists reports whether the top-hash file existed when it was opened.
func (t *TopHash) Exists() bool { return t.exists }

// Current returns the last hash this TopHash observed, without touching
// disk.
func (t *TopHash) Current() merkle.Hash { return t.value }

// Persist writes h to disk via write-then-rename and updates Current.
func (t *TopHash) Persist(h merkle.Hash) error {
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, h[:], 0600); err != nil {
		return fmt.Errorf("transport: write temp top hash: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("transport: rename temp top hash: %w", err)
	}
	t.value = h
	t.exists = true
	return nil
}
