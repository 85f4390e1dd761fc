// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fsserver implements the root-owning side of the wire
// protocol: CAP, LIST, WRITE, DEL, READ and COMMIT against one directory
// tree, with atomic temp-file writes and best-effort capability
// detection.
package fsserver

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/pkg/xattr"

	"github.com/syncr/syncr/internal/chunk"
	"github.com/syncr/syncr/internal/transport"
	"github.com/syncr/syncr/internal/wire"
)

// TempSuffix is appended to every temp sibling created by WRITE. A
// server start sweeps the root for leftovers with this suffix from a
// crashed previous run.
const TempSuffix = ".SyNcR-TmP"

// ErrPathUnsafe is returned when a path contains a parent-reference
// component or escapes the root.
var ErrPathUnsafe = errors.New("fsserver: path unsafe")

// Excluder decides which entries LIST skips. Implemented by
// internal/exclude; kept as an interface here so fsserver has no
// concrete dependency on the exclusion engine.
type Excluder interface {
	ShouldExclude(relPath string, info fs.FileInfo) bool
	ShouldExcludeDir(relPath string) bool
}

// HashCache is the advisory per-file hashing cache LIST consults to
// skip re-splitting files whose metadata is unchanged. Implemented by
// internal/state; a nil cache just means every file is split on every
// LIST, which is always safe.
type HashCache interface {
	Lookup(rec wire.FileRecord) ([]wire.ChunkRef, bool)
	Store(rec wire.FileRecord)
}

// chunkLocation is one on-disk place a chunk's bytes can be read from.
type chunkLocation struct {
	path   string
	offset int64
	length int64
}

// Server wraps one root directory and answers the wire protocol against
// it. One Server is constructed per `syncr serve <path>` invocation (or
// per in-process co-located task for a local root).
type Server struct {
	root     string
	splitter *chunk.Splitter
	excluder Excluder
	cache    HashCache
	logger   *slog.Logger

	mu             sync.Mutex
	pendingRenames map[string]pendingRename       // temp path -> final destination
	pendingWrites  map[chunk.Hash][]pendingWrite  // hash -> where to place received bytes
	chunkIndex     map[chunk.Hash][]chunkLocation // hash -> on-disk locations, rebuilt by LIST
}

type pendingWrite struct {
	tempPath string
	offset   int64
}

// pendingRename carries, besides the final path, the metadata COMMIT
// applies best-effort after the rename.
type pendingRename struct {
	finalPath string
	mtime     int64
}

// New constructs a Server rooted at root. chunkBits configures the
// chunking engine LIST uses to split file content; excluder may be nil
// (no filtering). The orphan sweep (removing leftover .SyNcR-TmP
// siblings from a crashed previous run) runs immediately.
func New(root string, chunkBits uint, excluder Excluder, logger *slog.Logger) (*Server, error) {
	splitter, err := chunk.NewSplitter(chunkBits)
	if err != nil {
		return nil, err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("fsserver: resolving root %q: %w", root, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		root:           absRoot,
		splitter:       splitter,
		excluder:       excluder,
		logger:         logger,
		pendingRenames: make(map[string]pendingRename),
		pendingWrites:  make(map[chunk.Hash][]pendingWrite),
		chunkIndex:     make(map[chunk.Hash][]chunkLocation),
	}
	if err := s.sweepOrphans(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetHashCache installs the advisory hashing cache consulted by LIST.
func (s *Server) SetHashCache(c HashCache) {
	s.cache = c
}

// sweepOrphans removes any entry under root whose name ends in
// TempSuffix, leftovers a crashed run never got to rename or remove.
func (s *Server) sweepOrphans() error {
	return filepath.WalkDir(s.root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if path != s.root && strings.HasSuffix(d.Name(), TempSuffix) {
			if rmErr := os.RemoveAll(path); rmErr != nil {
				s.logger.Warn("orphan sweep: failed to remove leftover temp file", "path", path, "error", rmErr)
			} else {
				s.logger.Info("orphan sweep: removed leftover temp file", "path", path)
			}
		}
		return nil
	})
}

// safeJoin validates relPath (no parent-reference component, stays
// relative, stays within root) and returns its absolute form under
// root. Called before any syscall touches a peer-supplied path.
func (s *Server) safeJoin(relPath string) (string, error) {
	if relPath == "" || filepath.IsAbs(relPath) {
		return "", ErrPathUnsafe
	}
	clean := filepath.Clean(relPath)
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return "", ErrPathUnsafe
		}
	}
	full := filepath.Join(s.root, clean)
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", ErrPathUnsafe
	}
	return full, nil
}

// Serve drives the mode-switching session over conn until the client
// sends QUIT or the connection ends. The protocol-version handshake is
// expected to have already completed before Serve is called.
func (s *Server) Serve(conn transport.Conn) error {
	for {
		env, _, err := conn.Recv()
		if err != nil {
			return err
		}

		switch env.Cmd {
		case wire.CmdCap:
			if err := s.handleCap(conn); err != nil {
				return err
			}
		case wire.CmdList:
			if err := s.handleList(conn); err != nil {
				return err
			}
		case wire.CmdWrite:
			if err := s.handleWrite(conn); err != nil {
				return err
			}
		case wire.CmdRead:
			if err := s.handleRead(conn); err != nil {
				return err
			}
		case wire.CmdCommit:
			if err := s.handleCommit(conn); err != nil {
				return err
			}
		case wire.CmdQuit:
			return transport.SendLine(conn, wire.Envelope{Cmd: wire.CmdOK})
		default:
			_ = transport.SendLine(conn, wire.Envelope{Cmd: wire.CmdErr, Msg: fmt.Sprintf("unexpected mode command %q", env.Cmd)})
			return fmt.Errorf("fsserver: unexpected mode command %q", env.Cmd)
		}
	}
}

// handleCap probes filesystem capabilities under root on a best-effort
// basis: a failed probe degrades to a conservative default rather than
// failing CAP itself.
func (s *Server) handleCap(conn transport.Conn) error {
	caps := &wire.Capabilities{
		DefaultUID: uint32(syscall.Geteuid()),
		DefaultGID: uint32(syscall.Getegid()),
	}
	caps.CanChown = syscall.Geteuid() == 0
	caps.CanDevices = syscall.Geteuid() == 0
	caps.FilesystemType = filesystemType(s.root)

	probePath := filepath.Join(s.root, ".syncr-cap-probe"+TempSuffix)
	if f, err := os.Create(probePath); err == nil {
		f.Close()
		defer os.Remove(probePath)

		if err := os.Chmod(probePath, 0600); err == nil {
			caps.CanChmod = true
		}

		if err := xattr.Set(probePath, "user.syncr.probe", []byte("1")); err == nil {
			caps.CanXattr = true
		}

		fifo := probePath + "-fifo"
		if err := syscall.Mkfifo(fifo, 0600); err == nil {
			caps.CanFifos = true
			os.Remove(fifo)
		}

		upper := probePath + "-UPPER"
		lower := probePath + "-upper"
		if err := os.WriteFile(upper, []byte("u"), 0600); err == nil {
			defer os.Remove(upper)
			if _, statErr := os.Stat(lower); os.IsNotExist(statErr) {
				caps.CaseSensitive = true
			}
		}
	} else {
		s.logger.Warn("CAP: probe file creation failed, using conservative defaults", "error", err)
	}

	return transport.SendLine(conn, wire.Envelope{Cmd: wire.CmdOK, Capabilities: caps})
}
