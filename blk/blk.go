// Package blk defines the fixed-size block and ciphertext envelope shared by
// every other layer: the wire protocol, the server's on-disk store, the
// client's transport, and the Merkle tree all operate on blk.Envelope
// values.
package blk

import (
	"bytes"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/crypto"
)

const (
	// Size is the fixed plaintext payload size of one block.
	Size = 4096
	// Depth is the Merkle tree depth; the store holds 2^Depth blocks.
	Depth = 8
	// Count is the number of addressable blocks, 2^Depth.
	Count = 1 << Depth

	// AuthLen is the length of the on-disk/on-wire "aead extras" record:
	// tag followed by nonce.
	AuthLen = crypto.TagSize + crypto.NonceSize
)

// Envelope is the ciphertext-plus-tag-plus-nonce record a block turns into
// once encrypted. It is what both the wire protocol and the server's `data`
// and `aead` files actually hold; the plaintext payload never crosses
// either boundary.
type Envelope struct {
	Ciphertext [Size]byte
	Tag        [crypto.TagSize]byte
	Nonce      [crypto.NonceSize]byte
}

// Bytes returns the envelope as the flat ciphertext‖tag‖nonce byte string
// that is hashed to produce a Merkle leaf and that is sent whole on the
// wire.
func (e *Envelope) Bytes() []byte {
	out := make([]byte, 0, Size+AuthLen)
	out = append(out, e.Ciphertext[:]...)
	out = append(out, e.Tag[:]...)
	out = append(out, e.Nonce[:]...)
	return out
}

// SetBytes overwrites the envelope's fields from a flat ciphertext‖tag‖nonce
// byte string of exactly Size+AuthLen bytes.
func (e *Envelope) SetBytes(b []byte) {
	copy(e.Ciphertext[:], b[:Size])
	copy(e.Tag[:], b[Size:Size+crypto.TagSize])
	copy(e.Nonce[:], b[Size+crypto.TagSize:Size+AuthLen])
}

// Hash returns the Merkle leaf hash of this envelope.
func (e *Envelope) Hash() [crypto.HashSize]byte {
	return crypto.Hash(e.Bytes())
}

// IsZero reports whether the envelope is byte-identical to the all-zero
// envelope. The server uses this to decide between a READ and an NDAT
// reply; a freshly initialized store's leaves are all seeded with the hash
// of this value.
func (e *Envelope) IsZero() bool {
	var zero Envelope
	return bytes.Equal(e.Ciphertext[:], zero.Ciphertext[:]) &&
		bytes.Equal(e.Tag[:], zero.Tag[:]) &&
		bytes.Equal(e.Nonce[:], zero.Nonce[:])
}

// ZeroHash is the Merkle leaf hash every block starts out with: the hash of
// an all-zero envelope. It never changes, so it is computed once.
var ZeroHash = func() [crypto.HashSize]byte {
	var e Envelope
	return e.Hash()
}()
