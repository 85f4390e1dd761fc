// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fsserver

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/syncr/syncr/internal/chunk"
	"github.com/syncr/syncr/internal/transport"
	"github.com/syncr/syncr/internal/wire"
)

// handleList walks root depth-first, streaming an entity line per file,
// directory and symlink as they're discovered — entries stream out
// incrementally, never batched. It also rebuilds the server's chunk
// location index so a later READ can source chunk bytes from whatever
// is currently on disk.
func (s *Server) handleList(conn transport.Conn) error {
	s.mu.Lock()
	s.chunkIndex = make(map[chunk.Hash][]chunkLocation)
	s.mu.Unlock()

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			s.logger.Warn("LIST: skipping unreadable entry", "path", path, "error", walkErr)
			return nil
		}
		if path == s.root {
			return nil
		}

		relPath, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			s.logger.Warn("LIST: skipping entry with unrelated path", "path", path, "error", relErr)
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if s.excluder != nil && d.IsDir() && s.excluder.ShouldExcludeDir(relPath) {
			return filepath.SkipDir
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			s.logger.Warn("LIST: skipping entry, stat failed", "path", path, "error", infoErr)
			return nil
		}
		if s.excluder != nil && s.excluder.ShouldExclude(relPath, info) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case d.Type()&os.ModeSymlink != 0:
			return s.emitSymlink(conn, relPath, info)
		case d.IsDir():
			return s.emitDir(conn, relPath, info)
		default:
			return s.emitFile(conn, path, relPath, info)
		}
	})
	if err != nil {
		return fmt.Errorf("fsserver: LIST traversal: %w", err)
	}

	return transport.SendLine(conn, wire.Envelope{Cmd: wire.CmdEnd})
}

func (s *Server) emitDir(conn transport.Conn, relPath string, info fs.FileInfo) error {
	uid, gid := fileOwner(info)
	return transport.SendLine(conn, wire.Envelope{
		Cmd: wire.CmdList, Typ: wire.EntityDir, Path: relPath,
		Mode: uint32(info.Mode().Perm()), UID: uid, GID: gid,
		CT: changeTime(info), MT: info.ModTime().Unix(),
	})
}

func (s *Server) emitSymlink(conn transport.Conn, relPath string, info fs.FileInfo) error {
	fullPath := filepath.Join(s.root, filepath.FromSlash(relPath))
	target, err := os.Readlink(fullPath)
	if err != nil {
		s.logger.Warn("LIST: skipping unreadable symlink", "path", fullPath, "error", err)
		return nil
	}
	uid, gid := fileOwner(info)
	return transport.SendLine(conn, wire.Envelope{
		Cmd: wire.CmdList, Typ: wire.EntitySymlink, Path: relPath,
		Mode: uint32(info.Mode().Perm()), UID: uid, GID: gid,
		CT: changeTime(info), MT: info.ModTime().Unix(), Target: target,
	})
}

func (s *Server) emitFile(conn transport.Conn, fullPath, relPath string, info fs.FileInfo) error {
	uid, gid := fileOwner(info)
	rec := wire.FileRecord{
		Type: wire.EntityFile, Path: relPath,
		Mode: uint32(info.Mode().Perm()), UID: uid, GID: gid,
		CTime: changeTime(info), MTime: info.ModTime().Unix(), Size: info.Size(),
	}
	if err := transport.SendLine(conn, rec.HeaderEnvelope(wire.CmdList)); err != nil {
		return err
	}

	// An unchanged file (same mtime and size) can reuse the chunk list
	// from the hashing cache instead of being re-split.
	if s.cache != nil {
		if cached, ok := s.cache.Lookup(rec); ok {
			for _, c := range cached {
				s.mu.Lock()
				s.chunkIndex[c.Hash] = append(s.chunkIndex[c.Hash], chunkLocation{path: fullPath, offset: c.Offset, length: c.Length})
				s.mu.Unlock()
				if err := transport.SendLine(conn, wire.Envelope{
					Cmd: wire.CmdList, Typ: wire.EntityChunk,
					Off: c.Offset, Len: c.Length, Hsh: wire.EncodeHash(c.Hash),
				}); err != nil {
					return err
				}
			}
			return nil
		}
	}

	f, err := os.Open(fullPath)
	if err != nil {
		s.logger.Warn("LIST: skipping unreadable file", "path", fullPath, "error", err)
		return nil
	}
	defer f.Close()

	br := bufio.NewReader(f)
	visitErr := s.splitter.Split(br, func(c chunk.Chunk, data []byte) error {
		s.mu.Lock()
		s.chunkIndex[c.Hash] = append(s.chunkIndex[c.Hash], chunkLocation{path: fullPath, offset: c.Offset, length: c.Length})
		s.mu.Unlock()

		rec.Chunks = append(rec.Chunks, wire.ChunkRef{Hash: c.Hash, Offset: c.Offset, Length: c.Length})
		return transport.SendLine(conn, wire.Envelope{
			Cmd: wire.CmdList, Typ: wire.EntityChunk,
			Off: c.Offset, Len: c.Length, Hsh: wire.EncodeHash(c.Hash),
		})
	})
	if visitErr != nil {
		s.logger.Warn("LIST: skipping file after chunking error", "path", fullPath, "error", visitErr)
		return nil
	}
	if s.cache != nil {
		s.cache.Store(rec)
	}
	return nil
}
