// Package wire implements the framed request/response protocol spoken
// between client and server over a single TCP connection. Every message is
// a strict, length-delimited sequence of fixed-width little-endian fields;
// there is no varint framing since every field here has a statically known
// width.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/blk"
	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/merkle"
)

// Opcode identifies the kind of message being framed.
type Opcode byte

const (
	OpSync  Opcode = 0x00
	OpRead  Opcode = 0x01
	OpWrite Opcode = 0x02
	OpNoDat Opcode = 0x03
)

// DefaultPort is the default TCP port the server listens on.
const DefaultPort = 1311

// ErrProtocol is returned when the peer sends an opcode that is not valid
// in the current position of the exchange. It is always fatal to the
// session: there is no resynchronization marker on the wire.
type ErrProtocol struct {
	Got Opcode
}

func (e *ErrProtocol) Error() string {
	return fmt.Sprintf("wire: unexpected opcode 0x%02x", byte(e.Got))
}

// Conn wraps a buffered reader/writer pair over a stream connection with
// the fixed-width read/write helpers every message type above is built
// from.
type Conn struct {
	r *bufio.Reader
	w *bufio.Writer
}

// NewConn wraps r and w (typically the same net.Conn) for framed protocol
// use.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: bufio.NewReader(r), w: bufio.NewWriter(w)}
}

func (c *Conn) ReadOpcode() (Opcode, error) {
	b, err := c.r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("wire: read opcode: %w", err)
	}
	return Opcode(b), nil
}

func (c *Conn) WriteOpcode(op Opcode) error {
	return c.w.WriteByte(byte(op))
}

func (c *Conn) ReadUint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(c.r, buf[:]); err != nil {
		return 0, fmt.Errorf("wire: read uint64: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (c *Conn) WriteUint64(v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := c.w.Write(buf[:])
	return err
}

func (c *Conn) ReadHash() (merkle.Hash, error) {
	var h merkle.Hash
	if _, err := io.ReadFull(c.r, h[:]); err != nil {
		return h, fmt.Errorf("wire: read hash: %w", err)
	}
	return h, nil
}

func (c *Conn) WriteHash(h merkle.Hash) error {
	_, err := c.w.Write(h[:])
	return err
}

func (c *Conn) ReadAuthPath(depth uint) ([]merkle.Hash, error) {
	path := make([]merkle.Hash, depth)
	for i := range path {
		h, err := c.ReadHash()
		if err != nil {
			return nil, fmt.Errorf("wire: read auth path element %d: %w", i, err)
		}
		path[i] = h
	}
	return path, nil
}

func (c *Conn) WriteAuthPath(path []merkle.Hash) error {
	for i, h := range path {
		if err := c.WriteHash(h); err != nil {
			return fmt.Errorf("wire: write auth path element %d: %w", i, err)
		}
	}
	return nil
}

func (c *Conn) ReadEnvelope(e *blk.Envelope) error {
	if _, err := io.ReadFull(c.r, e.Ciphertext[:]); err != nil {
		return fmt.Errorf("wire: read envelope ciphertext: %w", err)
	}
	if _, err := io.ReadFull(c.r, e.Tag[:]); err != nil {
		return fmt.Errorf("wire: read envelope tag: %w", err)
	}
	if _, err := io.ReadFull(c.r, e.Nonce[:]); err != nil {
		return fmt.Errorf("wire: read envelope nonce: %w", err)
	}
	return nil
}

func (c *Conn) WriteEnvelope(e *blk.Envelope) error {
	if _, err := c.w.Write(e.Ciphertext[:]); err != nil {
		return fmt.Errorf("wire: write envelope ciphertext: %w", err)
	}
	if _, err := c.w.Write(e.Tag[:]); err != nil {
		return fmt.Errorf("wire: write envelope tag: %w", err)
	}
	if _, err := c.w.Write(e.Nonce[:]); err != nil {
		return fmt.Errorf("wire: write envelope nonce: %w", err)
	}
	return nil
}

// Flush pushes any buffered writes out to the underlying writer. Every
// request/reply boundary must call this: the protocol requires each
// request's reply to precede the next request, so nothing may be left
// sitting in the write buffer across a round trip.
func (c *Conn) Flush() error {
	return c.w.Flush()
}
