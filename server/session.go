package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/blk"
	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/wire"
)

// Metrics is the instrumentation a Listener is given. A nil Metrics
// disables reporting entirely; production wiring passes the
// *serverMetrics defined in cmd/cryptofs-server. The session loop calls
// RequestServed once per answered request; it does not call BytesIn or
// BytesOut.
type Metrics interface {
	RequestServed(op wire.Opcode)
	BytesIn(n int)
	BytesOut(n int)
}

// Listener accepts one connection at a time and serves each to completion
// before accepting the next, matching the single-session design: there is
// no design work for concurrent clients.
type Listener struct {
	store   *Store
	log     *log.Logger
	metrics Metrics
}

// NewListener wires a Store to a serving loop. logger receives one line per
// fatal session error; if nil, log.Default() is used.
func NewListener(store *Store, logger *log.Logger, metrics Metrics) *Listener {
	if logger == nil {
		logger = log.Default()
	}
	return &Listener{store: store, log: logger, metrics: metrics}
}

// Serve accepts connections on ln until it returns an error (typically from
// ln.Close()).
func (l *Listener) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("server: accept: %w", err)
		}
		l.serveOne(conn)
	}
}

func (l *Listener) serveOne(conn net.Conn) {
	defer conn.Close()
	if err := l.session(conn); err != nil && !errors.Is(err, io.EOF) {
		l.log.Printf("session from %s ended with error: %v", conn.RemoteAddr(), err)
	}
}

// session runs one client's request/reply loop to clean EOF or a fatal
// error. Each request's reply is flushed before the next request is read,
// as the protocol requires.
func (l *Listener) session(conn net.Conn) error {
	c := wire.NewConn(conn, conn)

	for {
		op, err := c.ReadOpcode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch op {
		case wire.OpSync:
			err = l.handleSync(c)
		case wire.OpRead:
			err = l.handleRead(c)
		case wire.OpWrite:
			err = l.handleWrite(c)
		default:
			err = &wire.ErrProtocol{Got: op}
		}
		if err != nil {
			return err
		}
		if err := c.Flush(); err != nil {
			return fmt.Errorf("server: flush: %w", err)
		}
		if l.metrics != nil {
			l.metrics.RequestServed(op)
		}
	}
}

func (l *Listener) handleSync(c *wire.Conn) error {
	return c.WriteHash(l.store.Root())
}

func (l *Listener) handleRead(c *wire.Conn) error {
	id, err := c.ReadUint64()
	if err != nil {
		return err
	}

	env, err := l.store.Read(id)
	if err != nil {
		return err
	}

	if env.IsZero() {
		if err := c.WriteOpcode(wire.OpNoDat); err != nil {
			return err
		}
	} else {
		if err := c.WriteOpcode(wire.OpRead); err != nil {
			return err
		}
		if err := c.WriteEnvelope(env); err != nil {
			return err
		}
	}
	return c.WriteAuthPath(l.store.AuthPath(id))
}

func (l *Listener) handleWrite(c *wire.Conn) error {
	id, err := c.ReadUint64()
	if err != nil {
		return err
	}

	var env blk.Envelope
	if err := c.ReadEnvelope(&env); err != nil {
		return err
	}

	path, err := l.store.Write(id, &env)
	if err != nil {
		return err
	}
	return c.WriteAuthPath(path)
}
