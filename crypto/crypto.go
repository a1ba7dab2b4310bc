// Package crypto implements the block cipher envelope and key/nonce
// derivation used to protect every block on its way to and from the server.
//
// The AEAD and hash primitives are treated as black-box cryptographic
// services: this package is a thin, carefully-documented wrapper around
// standard-library AES-256-GCM and golang.org/x/crypto's Argon2id and
// BLAKE2b, not a from-scratch cipher implementation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
)

const (
	// KeySize is the length in bytes of an AES-256 key.
	KeySize = 32
	// NonceSize is the length in bytes of a GCM nonce.
	NonceSize = 12
	// TagSize is the length in bytes of a GCM authentication tag.
	TagSize = 16
	// HashSize is the length in bytes of a BLAKE2b-256 digest.
	HashSize = 32
)

// ErrAuthFailed is returned when an AEAD tag fails to verify. It always
// indicates either data corruption or tampering and is fatal to the calling
// session.
var ErrAuthFailed = errors.New("crypto: authentication failed")

// kdfSalt is fixed and zero, not secret. Its purpose is domain separation,
// not to frustrate a password cracker: the key must be a deterministic
// function of the password alone so that a store can be reopened with just
// the password. Rekeying therefore requires rewriting the store.
var kdfSalt = make([]byte, 16)

// DeriveKey stretches a user password into a 32-byte AES-256 key using
// Argon2id with interactive parameters.
func DeriveKey(password string) []byte {
	return argon2.IDKey([]byte(password), kdfSalt, 1, 64*1024, 4, KeySize)
}

// NewSessionNonce draws a fresh random nonce. The reference design reuses a
// single nonce for every write in a session rather than deriving a unique
// nonce per block; this is a known weakness against known-plaintext attacks
// if a key is ever reused across sessions (see the per-write nonce note in
// the write path documentation).
func NewSessionNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: draw session nonce: %w", err)
	}
	return nonce, nil
}

// Hash returns the BLAKE2b-256 digest of b. It is unkeyed: the Merkle tree's
// collision resistance does not depend on a secret.
func Hash(b []byte) [HashSize]byte {
	return blake2b.Sum256(b)
}

// Encrypt seals plaintext under key and nonce, returning ciphertext and tag
// separately since the wire and on-disk envelope formats keep them in
// adjacent but distinct fields.
func Encrypt(key, nonce, plaintext []byte) (ciphertext, tag []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	n := len(sealed) - TagSize
	return sealed[:n], sealed[n:], nil
}

// Decrypt opens a ciphertext+tag pair under key and nonce. It returns
// ErrAuthFailed, never the underlying library error, so callers can treat
// every possible tampering the same way.
func Decrypt(key, nonce, ciphertext, tag []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: new GCM: %w", err)
	}
	return gcm, nil
}
