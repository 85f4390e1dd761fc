// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package syncengine

import (
	"errors"
	"fmt"

	"github.com/syncr/syncr/internal/chunk"
	"github.com/syncr/syncr/internal/transport"
	"github.com/syncr/syncr/internal/wire"
)

// ErrProtocol marks a protocol-level failure on one connection: an ERR
// response, an unexpected command, or a malformed stream. Any of these
// aborts the whole sync; a broken peer cannot be trusted to commit.
var ErrProtocol = errors.New("syncengine: protocol violation")

// Node is one (client, server, root) participant of a sync run. All
// fields besides the maps are fixed after connect; the maps are owned
// by the phase currently driving the node — per-node goroutines within
// a phase, the orchestrator itself between phases — so no lock guards
// them.
type Node struct {
	ID       int
	Location string
	Conn     transport.Conn
	Version  int
	Caps     wire.Capabilities

	// Known holds every chunk hash this node can source, populated
	// during collection.
	Known map[chunk.Hash]struct{}
	// Missing holds the chunk hashes this node still needs before its
	// temp files are complete. Populated during metadata transfer,
	// drained during chunk relay; anything left at pre-commit
	// verification is a hard abort. This is the single authoritative
	// "missing" set for the node.
	Missing map[chunk.Hash]struct{}
	// Discovered is this node's view of its tree, keyed by relative
	// path.
	Discovered map[string]wire.FileRecord

	inWrite bool
}

// Label returns the human-readable name used in logs and conflict
// reports, never in wire messages.
func (n *Node) Label() string {
	return fmt.Sprintf("node%d(%s)", n.ID, n.Location)
}

// errEnvelope converts an ERR response into an error carrying the
// server's message.
func errEnvelope(env wire.Envelope) error {
	return fmt.Errorf("%w: server: %s", ErrProtocol, env.Msg)
}

// fetchCapabilities runs the CAP sub-dialogue.
func (n *Node) fetchCapabilities() error {
	if err := transport.SendLine(n.Conn, wire.Envelope{Cmd: wire.CmdCap}); err != nil {
		return err
	}
	env, err := transport.RecvLine(n.Conn)
	if err != nil {
		return err
	}
	if env.Cmd == wire.CmdErr {
		return errEnvelope(env)
	}
	if env.Cmd != wire.CmdOK || env.Capabilities == nil {
		return fmt.Errorf("%w: CAP answered %s", ErrProtocol, env.Cmd)
	}
	n.Caps = *env.Capabilities
	return nil
}

// list runs the LIST sub-dialogue, assembling each file header with its
// chunk lines into a complete record before visiting it. Entries stream
// in as the server walks, so visit fires incrementally.
func (n *Node) list(visit func(rec wire.FileRecord) error) error {
	if err := transport.SendLine(n.Conn, wire.Envelope{Cmd: wire.CmdList}); err != nil {
		return err
	}

	var current *wire.FileRecord
	flush := func() error {
		if current == nil {
			return nil
		}
		rec := *current
		current = nil
		if rec.Type == wire.EntityFile && rec.ChunkSpanTotal() != rec.Size {
			return fmt.Errorf("%w: chunk lengths for %q sum to %d, header says %d",
				ErrProtocol, rec.Path, rec.ChunkSpanTotal(), rec.Size)
		}
		return visit(rec)
	}

	for {
		env, err := transport.RecvLine(n.Conn)
		if err != nil {
			return err
		}
		switch {
		case env.Cmd == wire.CmdEnd:
			return flush()
		case env.Cmd == wire.CmdErr:
			return errEnvelope(env)
		case env.Typ == wire.EntityChunk:
			if current == nil {
				return fmt.Errorf("%w: chunk line with no preceding file header", ErrProtocol)
			}
			if err := current.AppendChunk(env); err != nil {
				return fmt.Errorf("%w: %v", ErrProtocol, err)
			}
		case env.Typ == wire.EntityFile, env.Typ == wire.EntityDir, env.Typ == wire.EntitySymlink:
			if err := flush(); err != nil {
				return err
			}
			rec, err := wire.RecordFromEnvelope(env)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			current = &rec
		default:
			return fmt.Errorf("%w: unexpected %s line in LIST stream", ErrProtocol, env.Cmd)
		}
	}
}

// enterWrite switches the session into WRITE mode. Idempotent so phase
// code doesn't have to track whether a prior relay turn already
// re-entered it.
func (n *Node) enterWrite() error {
	if n.inWrite {
		return nil
	}
	if err := transport.SendLine(n.Conn, wire.Envelope{Cmd: wire.CmdWrite}); err != nil {
		return err
	}
	n.inWrite = true
	return nil
}

// exitWrite ends the WRITE sub-dialogue.
func (n *Node) exitWrite() error {
	if !n.inWrite {
		return nil
	}
	if err := transport.SendLine(n.Conn, wire.Envelope{Cmd: wire.CmdEnd}); err != nil {
		return err
	}
	n.inWrite = false
	return nil
}

// sendRecord streams one record (header plus chunk lines) into the
// node's open WRITE session.
func (n *Node) sendRecord(rec wire.FileRecord) error {
	if err := transport.SendLine(n.Conn, rec.HeaderEnvelope(wire.CmdWrite)); err != nil {
		return err
	}
	for _, env := range rec.ChunkEnvelopes(wire.CmdWrite) {
		if err := transport.SendLine(n.Conn, env); err != nil {
			return err
		}
	}
	return nil
}

// sendDelete issues a DEL inside the open WRITE session.
func (n *Node) sendDelete(path string) error {
	return transport.SendLine(n.Conn, wire.Envelope{Cmd: wire.CmdDel, Path: path})
}

// forwardChunk pushes one relayed chunk into the node's open WRITE
// session.
func (n *Node) forwardChunk(h chunk.Hash, data []byte) error {
	return transport.SendChunk(n.Conn, h, data)
}

// readChunks runs the READ sub-dialogue: request the given hashes, then
// visit each CHK frame the server can supply. Hashes the server omits
// simply never arrive; the caller notices them still missing later.
//
// Requests are written from a separate goroutine while responses are
// consumed here: the server streams each chunk as soon as it reads its
// request, so writing the whole request list before reading anything
// would deadlock once both directions' buffers fill.
func (n *Node) readChunks(hashes []chunk.Hash, visit func(h chunk.Hash, data []byte) error) error {
	if err := transport.SendLine(n.Conn, wire.Envelope{Cmd: wire.CmdRead}); err != nil {
		return err
	}

	sendErr := make(chan error, 1)
	go func() {
		for _, h := range hashes {
			if err := transport.SendLine(n.Conn, wire.Envelope{Cmd: wire.CmdRead, ReqHash: wire.EncodeHash(h)}); err != nil {
				sendErr <- err
				return
			}
		}
		sendErr <- transport.SendLine(n.Conn, wire.Envelope{Cmd: wire.CmdEnd})
	}()

	for {
		env, payload, err := n.Conn.Recv()
		if err != nil {
			return err
		}
		switch env.Cmd {
		case wire.CmdEnd:
			return <-sendErr
		case wire.CmdErr:
			return errEnvelope(env)
		case wire.CmdChunk:
			h, err := wire.DecodeHash(env.Hsh)
			if err != nil {
				return err
			}
			if err := visit(h, payload); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unexpected %s line in READ stream", ErrProtocol, env.Cmd)
		}
	}
}

// commit runs the COMMIT sub-dialogue and returns the server's rename
// counts.
func (n *Node) commit() (renamed, failed int, err error) {
	if err := transport.SendLine(n.Conn, wire.Envelope{Cmd: wire.CmdCommit}); err != nil {
		return 0, 0, err
	}
	env, err := transport.RecvLine(n.Conn)
	if err != nil {
		return 0, 0, err
	}
	if env.Cmd == wire.CmdErr {
		return 0, 0, errEnvelope(env)
	}
	if env.Cmd != wire.CmdOK {
		return 0, 0, fmt.Errorf("%w: COMMIT answered %s", ErrProtocol, env.Cmd)
	}
	return env.Renamed, env.Failed, nil
}

// quit closes the session politely and releases the transport.
func (n *Node) quit() {
	if err := transport.SendLine(n.Conn, wire.Envelope{Cmd: wire.CmdQuit}); err == nil {
		_, _ = transport.RecvLine(n.Conn)
	}
	_ = n.Conn.Close()
}
