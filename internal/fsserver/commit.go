// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fsserver

import (
	"os"
	"time"

	"github.com/syncr/syncr/internal/chunk"
	"github.com/syncr/syncr/internal/transport"
	"github.com/syncr/syncr/internal/wire"
)

// handleCommit atomically renames every pending temp file onto its final
// path and reports how many succeeded and failed. The rename table is
// cleared on return regardless of outcome — a COMMIT is a one-shot
// operation per WRITE session, never retried against the same pending
// state.
func (s *Server) handleCommit(conn transport.Conn) error {
	s.mu.Lock()
	renames := s.pendingRenames
	s.pendingRenames = make(map[string]pendingRename)
	s.pendingWrites = make(map[chunk.Hash][]pendingWrite)
	s.mu.Unlock()

	var renamed, failed int
	for tempPath, dest := range renames {
		if err := os.Rename(tempPath, dest.finalPath); err != nil {
			s.logger.Warn("COMMIT: rename failed", "temp", tempPath, "final", dest.finalPath, "error", err)
			os.Remove(tempPath)
			failed++
			continue
		}
		if dest.mtime != 0 {
			mt := time.Unix(dest.mtime, 0)
			if err := os.Chtimes(dest.finalPath, mt, mt); err != nil {
				s.logger.Debug("COMMIT: failed to set mtime", "path", dest.finalPath, "error", err)
			}
		}
		renamed++
	}

	return transport.SendLine(conn, wire.Envelope{Cmd: wire.CmdOK, Renamed: renamed, Failed: failed})
}
