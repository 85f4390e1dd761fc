// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fsserver

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/syncr/syncr/internal/chunk"
	"github.com/syncr/syncr/internal/transport"
	"github.com/syncr/syncr/internal/wire"
)

// handleWrite consumes entity lines and forwarded CHK frames until END.
// A file header allocates a .SyNcR-TmP sibling and registers it in the
// pending-rename table; directories and symlinks are created
// directly at their final path; a C line registers where a later
// WRITE-CHUNK should land; a CHK frame writes bytes to the registered
// offset after verifying the strong hash of the received bytes.
func (s *Server) handleWrite(conn transport.Conn) error {
	var currentTempPath string
	var currentFile *os.File
	defer func() {
		if currentFile != nil {
			currentFile.Close()
		}
	}()

	for {
		env, payload, err := conn.Recv()
		if err != nil {
			return fmt.Errorf("fsserver: WRITE: reading next message: %w", err)
		}

		if env.Cmd == wire.CmdChunk {
			if err := s.handleWriteChunk(conn, env, payload); err != nil {
				return err
			}
			continue
		}

		switch env.Cmd {
		case wire.CmdEnd:
			return nil

		case wire.CmdDel:
			s.handleDel(env.Path) // accepted silently, no response line
			continue
		}

		if env.Cmd != wire.CmdWrite {
			_ = transport.SendLine(conn, wire.Envelope{Cmd: wire.CmdErr, Msg: fmt.Sprintf("unexpected command %q in WRITE mode", env.Cmd)})
			return fmt.Errorf("fsserver: unexpected command %q in WRITE mode", env.Cmd)
		}

		// C lines carry no path of their own: they address the temp file
		// of the most recent F line.
		var finalPath string
		if env.Typ != wire.EntityChunk {
			finalPath, err = s.safeJoin(env.Path)
			if err != nil {
				_ = transport.SendLine(conn, wire.Envelope{Cmd: wire.CmdErr, Msg: "path unsafe: " + env.Path})
				return fmt.Errorf("fsserver: WRITE: %w: %q", ErrPathUnsafe, env.Path)
			}
		}

		switch env.Typ {
		case wire.EntityFile:
			if currentFile != nil {
				currentFile.Close()
				currentFile = nil
			}
			if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
				return fmt.Errorf("fsserver: WRITE: creating parent dirs for %q: %w", finalPath, err)
			}
			tempPath := finalPath + TempSuffix
			f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(env.Mode))
			if err != nil {
				return fmt.Errorf("fsserver: WRITE: creating temp file %q: %w", tempPath, err)
			}
			if env.Size > 0 {
				if err := f.Truncate(env.Size); err != nil {
					f.Close()
					return fmt.Errorf("fsserver: WRITE: sizing temp file %q: %w", tempPath, err)
				}
			}
			s.applyOwnership(tempPath, env.UID, env.GID)
			s.mu.Lock()
			s.pendingRenames[tempPath] = pendingRename{finalPath: finalPath, mtime: env.MT}
			s.mu.Unlock()
			currentFile = f
			currentTempPath = tempPath

		case wire.EntityDir:
			if currentFile != nil {
				currentFile.Close()
				currentFile = nil
			}
			if err := os.MkdirAll(finalPath, os.FileMode(env.Mode)|0700); err != nil {
				return fmt.Errorf("fsserver: WRITE: creating directory %q: %w", finalPath, err)
			}
			if err := os.Chmod(finalPath, os.FileMode(env.Mode)); err != nil {
				s.logger.Warn("WRITE: failed to chmod directory", "path", finalPath, "error", err)
			}
			s.applyOwnership(finalPath, env.UID, env.GID)

		case wire.EntitySymlink:
			if currentFile != nil {
				currentFile.Close()
				currentFile = nil
			}
			os.Remove(finalPath)
			if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
				return fmt.Errorf("fsserver: WRITE: creating parent dirs for symlink %q: %w", finalPath, err)
			}
			if err := os.Symlink(env.Target, finalPath); err != nil {
				s.logger.Warn("WRITE: failed to create symlink", "path", finalPath, "error", err)
			} else if err := os.Lchown(finalPath, int(env.UID), int(env.GID)); err != nil {
				s.logger.Debug("WRITE: failed to chown symlink", "path", finalPath, "error", err)
			}

		case wire.EntityChunk:
			if currentTempPath == "" {
				_ = transport.SendLine(conn, wire.Envelope{Cmd: wire.CmdErr, Msg: "chunk line with no preceding file header"})
				return fmt.Errorf("fsserver: WRITE: chunk entity with no preceding file header")
			}
			h, err := wire.DecodeHash(env.Hsh)
			if err != nil {
				return fmt.Errorf("fsserver: WRITE: decoding chunk hash: %w", err)
			}
			s.mu.Lock()
			s.pendingWrites[h] = append(s.pendingWrites[h], pendingWrite{tempPath: currentTempPath, offset: env.Off})
			s.mu.Unlock()

		default:
			_ = transport.SendLine(conn, wire.Envelope{Cmd: wire.CmdErr, Msg: fmt.Sprintf("unknown entity type %q", env.Typ)})
			return fmt.Errorf("fsserver: WRITE: unknown entity type %q", env.Typ)
		}
	}
}

// handleWriteChunk places received chunk bytes at every pending
// (temp-file, offset) registered for hash, verifying the strong hash of
// what was actually received before writing it (the transport layer
// already verified the frame in transit; repeating the check here keeps
// the invariant local to this package rather than borrowed from
// transport). The bytes are not read back after the write.
func (s *Server) handleWriteChunk(conn transport.Conn, env wire.Envelope, payload []byte) error {
	h, err := wire.DecodeHash(env.Hsh)
	if err != nil {
		return fmt.Errorf("fsserver: WRITE-CHUNK: decoding hash: %w", err)
	}
	if !chunk.Verify(payload, h) {
		_ = transport.SendLine(conn, wire.Envelope{Cmd: wire.CmdErr, Msg: "chunk hash mismatch"})
		return fmt.Errorf("fsserver: WRITE-CHUNK: %w", wire.ErrHashMismatch)
	}

	s.mu.Lock()
	locs := s.pendingWrites[h]
	s.mu.Unlock()
	if len(locs) == 0 {
		s.logger.Warn("WRITE-CHUNK: received chunk with no pending destination", "hash", h.String())
		return nil
	}

	for _, loc := range locs {
		if err := writeAt(loc.tempPath, loc.offset, payload); err != nil {
			return fmt.Errorf("fsserver: WRITE-CHUNK: writing to %q at offset %d: %w", loc.tempPath, loc.offset, err)
		}
	}
	return nil
}

func writeAt(path string, offset int64, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(data, offset)
	return err
}

// applyOwnership chowns path to the sender's uid/gid. Best-effort: an
// unprivileged process can't chown, so failure is logged and the sync
// continues.
func (s *Server) applyOwnership(path string, uid, gid uint32) {
	if err := os.Chown(path, int(uid), int(gid)); err != nil {
		s.logger.Debug("WRITE: failed to chown", "path", path, "uid", uid, "gid", gid, "error", err)
	}
}

// handleDel removes the file or empty directory at path; non-existence
// is not an error.
func (s *Server) handleDel(relPath string) {
	fullPath, err := s.safeJoin(relPath)
	if err != nil {
		s.logger.Warn("DEL: rejected unsafe path", "path", relPath)
		return
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("DEL: failed to remove path", "path", fullPath, "error", err)
	}
}
