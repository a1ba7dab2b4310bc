// Package server implements the server side of the block store: the
// three-file on-disk layout (plaintext-shaped ciphertext, AEAD extras, and
// the Merkle tree) and the session loop that answers the wire protocol.
package server

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/blk"
	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/merkle"
)

const (
	dataFileName = "data"
	aeadFileName = "aead"
	treeFileName = "tree"

	filePerm = 0600
	dirPerm  = 0700
)

// Store owns the three backing files and the in-memory Merkle tree for one
// server root directory. It is not safe for concurrent use: the design
// serves exactly one session at a time.
type Store struct {
	root  string
	depth uint

	data *os.File
	aead *os.File

	tree *merkle.Tree
}

// Open opens an existing store rooted at dir, or initializes a fresh one if
// dir does not yet contain a `data` file.
func Open(dir string, depth uint) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("server: create root %q: %w", dir, err)
	}

	dataPath := filepath.Join(dir, dataFileName)
	if _, err := os.Stat(dataPath); os.IsNotExist(err) {
		if err := initStore(dir, depth); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("server: stat %q: %w", dataPath, err)
	}

	data, err := os.OpenFile(dataPath, os.O_RDWR, filePerm)
	if err != nil {
		return nil, fmt.Errorf("server: open %q: %w", dataPath, err)
	}
	aead, err := os.OpenFile(filepath.Join(dir, aeadFileName), os.O_RDWR, filePerm)
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("server: open aead file: %w", err)
	}

	s := &Store{root: dir, depth: depth, data: data, aead: aead}

	tree, err := s.loadTree()
	if err != nil {
		data.Close()
		aead.Close()
		return nil, err
	}
	s.tree = tree

	return s, nil
}

// initStore creates and zero-fills all three files for a fresh store of the
// given depth, seeding every leaf with the hash of a zero envelope.
func initStore(dir string, depth uint) error {
	data, err := os.OpenFile(filepath.Join(dir, dataFileName), os.O_RDWR|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("server: create data file: %w", err)
	}
	defer data.Close()
	if err := data.Truncate(int64(blk.Count) * blk.Size); err != nil {
		return fmt.Errorf("server: size data file: %w", err)
	}

	aead, err := os.OpenFile(filepath.Join(dir, aeadFileName), os.O_RDWR|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("server: create aead file: %w", err)
	}
	defer aead.Close()
	if err := aead.Truncate(int64(blk.Count) * blk.AuthLen); err != nil {
		return fmt.Errorf("server: size aead file: %w", err)
	}

	tree := merkle.New(depth, blk.ZeroHash)
	if err := writeTreeFile(filepath.Join(dir, treeFileName), tree); err != nil {
		return err
	}
	return nil
}

// loadTree loads the persisted tree, rebuilding it from the on-disk
// envelopes instead if its mtime predates either data file's — the server
// only persists the tree at clean shutdown, so an abnormal termination
// leaves it stale.
func (s *Store) loadTree() (*merkle.Tree, error) {
	treePath := filepath.Join(s.root, treeFileName)

	stale, err := s.treeIsStale(treePath)
	if err != nil {
		return nil, err
	}
	if stale {
		return s.rebuildTree()
	}

	nodes, err := readTreeFile(treePath, s.depth)
	if err != nil {
		return nil, err
	}
	return merkle.Load(s.depth, nodes)
}

func (s *Store) treeIsStale(treePath string) (bool, error) {
	treeInfo, err := os.Stat(treePath)
	if os.IsNotExist(err) {
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("server: stat tree file: %w", err)
	}

	dataInfo, err := s.data.Stat()
	if err != nil {
		return false, fmt.Errorf("server: stat data file: %w", err)
	}
	aeadInfo, err := s.aead.Stat()
	if err != nil {
		return false, fmt.Errorf("server: stat aead file: %w", err)
	}

	return treeInfo.ModTime().Before(dataInfo.ModTime()) || treeInfo.ModTime().Before(aeadInfo.ModTime()), nil
}

// rebuildTree reads every envelope back from `data`/`aead`, hashes each
// into its leaf, and recomputes the internal nodes bottom-up.
func (s *Store) rebuildTree() (*merkle.Tree, error) {
	tree := merkle.New(s.depth, blk.ZeroHash)
	for b := uint64(0); b < merkle.LeafCount(s.depth); b++ {
		env, err := s.readEnvelope(b)
		if err != nil {
			return nil, fmt.Errorf("server: rebuild tree: read block %d: %w", b, err)
		}
		h := env.Hash()
		tree.SetLeaf(b, h)
	}
	return tree, nil
}

// Read returns the envelope stored at block id. The returned envelope may
// be IsZero if the block has never been written.
func (s *Store) Read(id uint64) (*blk.Envelope, error) {
	return s.readEnvelope(id)
}

func (s *Store) readEnvelope(id uint64) (*blk.Envelope, error) {
	env := &blk.Envelope{}

	if _, err := s.data.ReadAt(env.Ciphertext[:], int64(id)*blk.Size); err != nil && err != io.EOF {
		return nil, fmt.Errorf("server: read data slot %d: %w", id, err)
	}

	extras := make([]byte, blk.AuthLen)
	if _, err := s.aead.ReadAt(extras, int64(id)*blk.AuthLen); err != nil && err != io.EOF {
		return nil, fmt.Errorf("server: read aead slot %d: %w", id, err)
	}
	copy(env.Tag[:], extras[:len(env.Tag)])
	copy(env.Nonce[:], extras[len(env.Tag):])

	return env, nil
}

// Write stores envelope at block id, updates the Merkle tree, and returns
// the fresh authentication path for id.
func (s *Store) Write(id uint64, env *blk.Envelope) ([]merkle.Hash, error) {
	if _, err := s.data.WriteAt(env.Ciphertext[:], int64(id)*blk.Size); err != nil {
		return nil, fmt.Errorf("server: write data slot %d: %w", id, err)
	}

	extras := make([]byte, 0, blk.AuthLen)
	extras = append(extras, env.Tag[:]...)
	extras = append(extras, env.Nonce[:]...)
	if _, err := s.aead.WriteAt(extras, int64(id)*blk.AuthLen); err != nil {
		return nil, fmt.Errorf("server: write aead slot %d: %w", id, err)
	}

	s.tree.SetLeaf(id, env.Hash())
	return s.tree.AuthPath(id), nil
}

// AuthPath returns the current authentication path for block id, without
// modifying anything. Used to answer READ requests.
func (s *Store) AuthPath(id uint64) []merkle.Hash {
	return s.tree.AuthPath(id)
}

// Root returns the current Merkle root.
func (s *Store) Root() merkle.Hash {
	return s.tree.Root()
}

// Depth returns the store's Merkle depth.
func (s *Store) Depth() uint { return s.depth }

// Close persists the tree file and releases the backing file descriptors.
// It is safe to call after a partial Open failure has already happened to
// some of the resources, since each close is independently guarded.
func (s *Store) Close() error {
	var firstErr error
	if s.tree != nil {
		if err := writeTreeFile(filepath.Join(s.root, treeFileName), s.tree); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.data != nil {
		if err := s.data.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.aead != nil {
		if err := s.aead.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
