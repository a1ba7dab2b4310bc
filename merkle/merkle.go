// Package merkle implements the complete binary hash tree that anchors the
// integrity of every block the server stores.
//
// Storage is a flat, level-order array of N = 2^(depth+1) - 1 hashes: index
// 0 is the root, the children of node i are 2i+1 and 2i+2, and the parent
// of node i is (i-1)/2. Leaf b lives at index 2^depth - 1 + b.
package merkle

import (
	"fmt"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/crypto"
)

// Hash is a single tree node's digest.
type Hash = [crypto.HashSize]byte

// Tree is a complete binary hash tree of fixed depth.
type Tree struct {
	depth uint
	nodes []Hash
}

// New allocates a tree of the given depth with every leaf set to
// zeroLeafHash and every internal node computed from those leaves, i.e. the
// state of a freshly initialized store before
// any block has been written.
func New(depth uint, zeroLeafHash Hash) *Tree {
	t := &Tree{
		depth: depth,
		nodes: make([]Hash, Size(depth)),
	}
	for b := uint64(0); b < LeafCount(depth); b++ {
		t.nodes[LeafIndex(depth, b)] = zeroLeafHash
	}
	t.Rebuild()
	return t
}

// Load wraps an existing, already-populated level-order node array (as read
// back from the `tree` file) without recomputing anything.
func Load(depth uint, nodes []Hash) (*Tree, error) {
	if uint64(len(nodes)) != Size(depth) {
		return nil, fmt.Errorf("merkle: want %d nodes for depth %d, got %d", Size(depth), depth, len(nodes))
	}
	return &Tree{depth: depth, nodes: nodes}, nil
}

// Size returns the total number of nodes (internal and leaf) in a tree of
// the given depth: 2^(depth+1) - 1.
func Size(depth uint) uint64 { return (uint64(1) << (depth + 1)) - 1 }

// LeafCount returns the number of leaves, 2^depth.
func LeafCount(depth uint) uint64 { return uint64(1) << depth }

// LeafIndex returns the node-array index of leaf b.
func LeafIndex(depth uint, b uint64) uint64 { return LeafCount(depth) - 1 + b }

// Parent returns the index of i's parent. Undefined for the root (index 0).
func Parent(i uint64) uint64 { return (i - 1) / 2 }

// Children returns the indices of i's left and right children.
func Children(i uint64) (left, right uint64) { return 2*i + 1, 2*i + 2 }

// Depth returns the tree's fixed depth.
func (t *Tree) Depth() uint { return t.depth }

// Nodes returns the tree's flat, level-order node array. Callers must treat
// it as read-only; Load can reconstruct a Tree from a copy of it.
func (t *Tree) Nodes() []Hash { return t.nodes }

// Root returns the current root hash, the top hash this tree attests to.
func (t *Tree) Root() Hash { return t.nodes[0] }

// SetLeaf stores envelopeHash, the hash of a block's envelope, as leaf b
// and recomputes every ancestor up to the root. It returns the new root hash.
func (t *Tree) SetLeaf(b uint64, envelopeHash Hash) Hash {
	i := LeafIndex(t.depth, b)
	t.nodes[i] = envelopeHash
	for i != 0 {
		i = Parent(i)
		t.recompute(i)
	}
	return t.Root()
}

// recompute derives node i's hash from its two children. Input order is
// always left‖right, never sorted: a flipped order would produce a
// different, equally "valid" looking tree and defeat positional integrity.
func (t *Tree) recompute(i uint64) {
	left, right := Children(i)
	buf := make([]byte, 0, 2*crypto.HashSize)
	buf = append(buf, t.nodes[left][:]...)
	buf = append(buf, t.nodes[right][:]...)
	t.nodes[i] = crypto.Hash(buf)
}

// Rebuild recomputes every internal node, bottom-up, from the current
// leaves. It is used after bulk leaf initialization and after recovering
// from a stale on-disk tree.
func (t *Tree) Rebuild() {
	firstLeaf := LeafCount(t.depth) - 1
	for i := firstLeaf; i > 0; i-- {
		t.recompute(i - 1)
	}
}

// AuthPath returns the D sibling hashes on the path from leaf b to the
// root, ordered leaf-sibling first (child to root).
func (t *Tree) AuthPath(b uint64) []Hash {
	path := make([]Hash, 0, t.depth)
	i := LeafIndex(t.depth, b)
	for i != 0 {
		path = append(path, t.sibling(i))
		i = Parent(i)
	}
	return path
}

func (t *Tree) sibling(i uint64) Hash {
	if i%2 == 1 {
		return t.nodes[i+1]
	}
	return t.nodes[i-1]
}

// VerifyPath folds an authentication path from a leaf hash up to a claimed
// root and reports whether it matches. The folding rule: at node index L,
// after reading sibling S, the parent's input is L‖S if L is odd (left
// child), else S‖L.
func VerifyPath(depth uint, b uint64, leafHash Hash, path []Hash, wantRoot Hash) bool {
	return FoldPath(depth, b, leafHash, path) == wantRoot
}

// FoldPath performs the same fold as VerifyPath but returns the resulting
// root hash instead of comparing it, so write_blk can both fold and adopt
// the new root in one pass.
func FoldPath(depth uint, b uint64, leafHash Hash, path []Hash) Hash {
	running := leafHash
	i := LeafIndex(depth, b)
	for _, sib := range path {
		buf := make([]byte, 0, 2*crypto.HashSize)
		if i%2 == 1 {
			buf = append(buf, running[:]...)
			buf = append(buf, sib[:]...)
		} else {
			buf = append(buf, sib[:]...)
			buf = append(buf, running[:]...)
		}
		running = crypto.Hash(buf)
		i = Parent(i)
	}
	return running
}
