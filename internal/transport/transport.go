// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport provides the Conn abstraction the orchestrator uses
// to talk to a root-owning server, with two interchangeable
// implementations: in-process (a co-located goroutine, messages passed
// by value over channels) and subprocess (a spawned process, local or
// over ssh, talking the wire-level protocol over stdin/stdout).
package transport

import (
	"github.com/syncr/syncr/internal/chunk"
	"github.com/syncr/syncr/internal/wire"
)

// Conn is the single interface the orchestrator and server drive
// regardless of transport. Every method may block; callers run one
// goroutine per Conn and respect ctx-driven cancellation at a higher
// layer; the handshake and each protocol mode is itself a synchronous
// sub-dialogue that must complete before another mode is entered.
//
// Send/Recv are a single pair rather than split line/chunk methods
// because WRITE mode interleaves metadata lines with forwarded CHK
// frames: a reader can't know in advance which is coming next,
// so ordering must be preserved within one call path. payload is nil for
// every envelope except one with Cmd == wire.CmdChunk.
type Conn interface {
	// Send writes one envelope, plus its chunk payload when env.Cmd is
	// wire.CmdChunk. payload must be nil otherwise.
	Send(env wire.Envelope, payload []byte) error
	// Recv reads the next envelope. When it's a chunk frame
	// (Cmd == wire.CmdChunk), payload holds the verified chunk bytes;
	// otherwise payload is nil.
	Recv() (env wire.Envelope, payload []byte, err error)
	// Close releases the underlying transport. Idempotent.
	Close() error
}

// SendLine is a convenience wrapper for sending a non-chunk envelope.
func SendLine(c Conn, env wire.Envelope) error {
	return c.Send(env, nil)
}

// SendChunk is a convenience wrapper for sending a CHK frame.
func SendChunk(c Conn, h chunk.Hash, data []byte) error {
	return c.Send(wire.Envelope{Cmd: wire.CmdChunk, Hsh: wire.EncodeHash(h), Len: int64(len(data))}, data)
}

// RecvLine reads the next envelope and rejects a chunk frame — used by
// callers in a context where only control lines are valid.
func RecvLine(c Conn) (wire.Envelope, error) {
	env, payload, err := c.Recv()
	if err != nil {
		return env, err
	}
	if env.Cmd == wire.CmdChunk || payload != nil {
		return env, wire.ErrUnexpectedCmd
	}
	return env, nil
}

// RecvChunk reads the next envelope and requires it to be a chunk frame.
func RecvChunk(c Conn) (chunk.Hash, []byte, error) {
	env, payload, err := c.Recv()
	if err != nil {
		return chunk.Hash{}, nil, err
	}
	if env.Cmd != wire.CmdChunk {
		return chunk.Hash{}, nil, wire.ErrUnexpectedCmd
	}
	h, err := wire.DecodeHash(env.Hsh)
	if err != nil {
		return chunk.Hash{}, nil, err
	}
	if !chunk.Verify(payload, h) {
		return chunk.Hash{}, nil, wire.ErrHashMismatch
	}
	return h, payload, nil
}
