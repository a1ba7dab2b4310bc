package server

import (
	"fmt"
	"os"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/merkle"
)

// readTreeFile loads a level-order array of hashes, N*32 bytes, from path.
func readTreeFile(path string, depth uint) ([]merkle.Hash, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server: read tree file: %w", err)
	}
	want := int(merkle.Size(depth)) * len(merkle.Hash{})
	if len(raw) != want {
		return nil, fmt.Errorf("server: tree file has %d bytes, want %d", len(raw), want)
	}

	nodes := make([]merkle.Hash, merkle.Size(depth))
	for i := range nodes {
		copy(nodes[i][:], raw[i*len(nodes[i]):(i+1)*len(nodes[i])])
	}
	return nodes, nil
}

// writeTreeFile persists tree's node array to path. It writes to a
// temporary file and renames it into place so a crash mid-write never
// leaves a torn tree file; a torn tree file would otherwise look "fresh"
// enough to skip the stale-mtime rebuild on the next start.
func writeTreeFile(path string, tree *merkle.Tree) error {
	nodes := tree.Nodes()
	raw := make([]byte, 0, len(nodes)*len(merkle.Hash{}))
	for _, h := range nodes {
		raw = append(raw, h[:]...)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, filePerm); err != nil {
		return fmt.Errorf("server: write temp tree file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("server: rename temp tree file: %w", err)
	}
	return nil
}
