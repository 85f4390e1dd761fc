// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fsserver

import (
	"fmt"
	"os"

	"github.com/syncr/syncr/internal/chunk"
	"github.com/syncr/syncr/internal/transport"
	"github.com/syncr/syncr/internal/wire"
)

// handleRead answers a list of requested chunk hashes, terminated by END,
// by streaming each as a CHK frame sourced from the location index built
// by the last LIST. A hash this server cannot currently supply (every
// recorded location has gone stale or failed re-verification) is simply
// omitted; the orchestrator detects the gap at pre-commit
// verification.
func (s *Server) handleRead(conn transport.Conn) error {
	for {
		env, _, err := conn.Recv()
		if err != nil {
			return fmt.Errorf("fsserver: READ: reading request: %w", err)
		}
		if env.Cmd == wire.CmdEnd {
			return transport.SendLine(conn, wire.Envelope{Cmd: wire.CmdEnd})
		}
		if env.Cmd != wire.CmdRead {
			_ = transport.SendLine(conn, wire.Envelope{Cmd: wire.CmdErr, Msg: fmt.Sprintf("unexpected command %q in READ mode", env.Cmd)})
			return fmt.Errorf("fsserver: unexpected command %q in READ mode", env.Cmd)
		}

		h, err := wire.DecodeHash(env.ReqHash)
		if err != nil {
			return fmt.Errorf("fsserver: READ: decoding requested hash: %w", err)
		}

		data, ok := s.readChunk(h)
		if !ok {
			s.logger.Warn("READ: unable to source requested chunk", "hash", h.String())
			continue
		}
		if err := transport.SendChunk(conn, h, data); err != nil {
			return fmt.Errorf("fsserver: READ: sending chunk %s: %w", h.String(), err)
		}
	}
}

// readChunk tries every known on-disk location for hash in order,
// falling back to the next on any read or verification failure — a
// deduplicated chunk may live in several files, and any intact copy
// serves.
func (s *Server) readChunk(h chunk.Hash) ([]byte, bool) {
	s.mu.Lock()
	locs := append([]chunkLocation(nil), s.chunkIndex[h]...)
	s.mu.Unlock()

	for _, loc := range locs {
		data, err := readAt(loc.path, loc.offset, loc.length)
		if err != nil {
			s.logger.Warn("READ: location unreadable, trying next", "path", loc.path, "error", err)
			continue
		}
		if !chunk.Verify(data, h) {
			s.logger.Warn("READ: location no longer matches expected hash, trying next", "path", loc.path)
			continue
		}
		return data, true
	}
	return nil, false
}

func readAt(path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}
