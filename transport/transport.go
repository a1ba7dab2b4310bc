// Package transport implements the client side of the wire protocol: issuing
// requests, encrypting on write and decrypting on read, and verifying the
// Merkle authentication path against the locally persisted top hash before
// any plaintext is trusted.
package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/blk"
	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/crypto"
	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/merkle"
	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/wire"
)

// ErrIntegrity is returned when a Merkle authentication path does not fold
// up to the persisted top hash. It is always fatal to the session.
var ErrIntegrity = errors.New("transport: integrity verification failed")

// Client owns one TCP connection, the session's AEAD key and nonce, and the
// locally persisted top hash.
type Client struct {
	conn net.Conn
	wc   *wire.Conn

	key   []byte
	nonce []byte
	depth uint

	top *TopHash
}

// Dial connects to addr, derives the session key from password, draws a
// fresh session nonce, and loads (or initializes, via a SYNC round trip)
// the top hash persisted at rootDir/hash.
//
// isNew reports whether the top-hash file had to be created, i.e. this is
// the first time this client root has ever talked to this server; callers
// use that to decide whether the on-block filesystem still needs `init`.
func Dial(addr string, depth uint, password, rootDir string) (c *Client, isNew bool, err error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	nonce, err := crypto.NewSessionNonce()
	if err != nil {
		conn.Close()
		return nil, false, err
	}

	top, err := OpenTopHash(rootDir)
	if err != nil {
		conn.Close()
		return nil, false, err
	}

	c = &Client{
		conn:  conn,
		wc:    wire.NewConn(conn, conn),
		key:   crypto.DeriveKey(password),
		nonce: nonce,
		depth: depth,
		top:   top,
	}

	if !top.Exists() {
		root, err := c.sync()
		if err != nil {
			conn.Close()
			return nil, false, err
		}
		if err := top.Persist(root); err != nil {
			conn.Close()
			return nil, false, err
		}
		return c, true, nil
	}
	return c, false, nil
}

// sync issues a SYNC request and returns the server's current root.
func (c *Client) sync() (merkle.Hash, error) {
	if err := c.wc.WriteOpcode(wire.OpSync); err != nil {
		return merkle.Hash{}, err
	}
	if err := c.wc.Flush(); err != nil {
		return merkle.Hash{}, err
	}
	return c.wc.ReadHash()
}

// ReadBlk reads block id, verifies it against the persisted top hash, and
// returns its plaintext. A never-written block decrypts to nothing because
// the server reports it as NDAT instead of sending a zero ciphertext
// envelope; ReadBlk returns an all-zero plaintext in that case without ever
// invoking the AEAD.
func (c *Client) ReadBlk(id uint64) ([]byte, error) {
	if err := c.wc.WriteOpcode(wire.OpRead); err != nil {
		return nil, err
	}
	if err := c.wc.WriteUint64(id); err != nil {
		return nil, err
	}
	if err := c.wc.Flush(); err != nil {
		return nil, err
	}

	op, err := c.wc.ReadOpcode()
	if err != nil {
		return nil, err
	}

	var env blk.Envelope
	switch op {
	case wire.OpRead:
		if err := c.wc.ReadEnvelope(&env); err != nil {
			return nil, err
		}
	case wire.OpNoDat:
		// env is left as the zero value.
	default:
		return nil, &wire.ErrProtocol{Got: op}
	}

	path, err := c.wc.ReadAuthPath(c.depth)
	if err != nil {
		return nil, err
	}

	leafHash := env.Hash()
	root := c.top.Current()
	if !merkle.VerifyPath(c.depth, id, leafHash, path, root) {
		return nil, fmt.Errorf("%w: block %d", ErrIntegrity, id)
	}

	if op == wire.OpNoDat {
		return make([]byte, blk.Size), nil
	}

	plaintext, err := crypto.Decrypt(c.key, env.Nonce[:], env.Ciphertext[:], env.Tag[:])
	if err != nil {
		return nil, fmt.Errorf("transport: decrypt block %d: %w", id, err)
	}
	return plaintext, nil
}

// WriteBlk encrypts plaintext under the session key and nonce, sends it as
// block id, folds the returned authentication path, and persists the new
// top hash. The top hash is written only after the server has acknowledged
// the write by returning a valid path; see the design notes on the
// resulting race window between server acceptance and client persistence.
func (c *Client) WriteBlk(id uint64, plaintext []byte) error {
	if len(plaintext) != blk.Size {
		return fmt.Errorf("transport: plaintext must be %d bytes, got %d", blk.Size, len(plaintext))
	}

	var env blk.Envelope
	copy(env.Nonce[:], c.nonce)
	ciphertext, tag, err := crypto.Encrypt(c.key, env.Nonce[:], plaintext)
	if err != nil {
		return err
	}
	copy(env.Ciphertext[:], ciphertext)
	copy(env.Tag[:], tag)

	if err := c.wc.WriteOpcode(wire.OpWrite); err != nil {
		return err
	}
	if err := c.wc.WriteUint64(id); err != nil {
		return err
	}
	if err := c.wc.WriteEnvelope(&env); err != nil {
		return err
	}
	if err := c.wc.Flush(); err != nil {
		return err
	}

	path, err := c.wc.ReadAuthPath(c.depth)
	if err != nil {
		return err
	}

	newRoot := merkle.FoldPath(c.depth, id, env.Hash(), path)
	return c.top.Persist(newRoot)
}

// Close releases the connection. The top-hash file has no open handle to
// release: each Persist call opens, writes, and renames independently.
func (c *Client) Close() error {
	return c.conn.Close()
}
