// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/syncr/syncr/internal/chunk"
	"github.com/syncr/syncr/internal/wire"
)

// ErrConnClosed is returned by an in-process Conn operation performed
// after Close.
var ErrConnClosed = errors.New("transport: connection closed")

// frame is one item on an in-process link: an envelope, plus its chunk
// payload when the envelope is a CHK frame. Using one channel for both
// keeps metadata lines and forwarded chunks in the single strict order
// WRITE mode requires.
type frame struct {
	env     wire.Envelope
	payload []byte
}

// inprocessConn is one end of a pair of co-located endpoints. Frames pass
// by value over a buffered channel — no JSON marshaling, no copy
// through a byte stream.
type inprocessConn struct {
	out chan frame
	in  chan frame

	closeOnce sync.Once
	closed    chan struct{}
	peerDone  chan struct{}
}

// NewInProcessPair builds two linked Conns: one for the orchestrator
// side (client), one for the co-located server task. Each side's out is
// the other's in.
func NewInProcessPair() (client Conn, server Conn) {
	a := make(chan frame, 16)
	b := make(chan frame, 16)

	clientClosed := make(chan struct{})
	serverClosed := make(chan struct{})

	c := &inprocessConn{out: a, in: b, closed: clientClosed, peerDone: serverClosed}
	s := &inprocessConn{out: b, in: a, closed: serverClosed, peerDone: clientClosed}
	return c, s
}

func (c *inprocessConn) Send(env wire.Envelope, payload []byte) error {
	// Checked first: a select with a free buffer slot and a closed
	// channel both ready picks between them at random.
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	var cp []byte
	if payload != nil {
		cp = make([]byte, len(payload))
		copy(cp, payload)
	}
	select {
	case c.out <- frame{env: env, payload: cp}:
		return nil
	case <-c.closed:
		return ErrConnClosed
	case <-c.peerDone:
		return fmt.Errorf("transport: peer closed: %w", ErrConnClosed)
	}
}

func (c *inprocessConn) Recv() (wire.Envelope, []byte, error) {
	select {
	case <-c.closed:
		return wire.Envelope{}, nil, ErrConnClosed
	default:
	}
	select {
	case f, ok := <-c.in:
		if !ok {
			return wire.Envelope{}, nil, ErrConnClosed
		}
		return verifyFrame(f)
	case <-c.closed:
		return wire.Envelope{}, nil, ErrConnClosed
	case <-c.peerDone:
		// Drain anything already in flight before giving up.
		select {
		case f, ok := <-c.in:
			if !ok {
				return wire.Envelope{}, nil, ErrConnClosed
			}
			return verifyFrame(f)
		default:
			return wire.Envelope{}, nil, ErrConnClosed
		}
	}
}

func verifyFrame(f frame) (wire.Envelope, []byte, error) {
	if f.env.Cmd != wire.CmdChunk {
		return f.env, f.payload, nil
	}
	h, err := wire.DecodeHash(f.env.Hsh)
	if err != nil {
		return f.env, nil, err
	}
	if !chunk.Verify(f.payload, h) {
		return f.env, nil, wire.ErrHashMismatch
	}
	return f.env, f.payload, nil
}

func (c *inprocessConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}
