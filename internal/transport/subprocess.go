// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/syncr/syncr/internal/wire"
)

// DefaultServerBinary is the name the server binary must answer to on a
// remote host.
const DefaultServerBinary = "syncr"

// DialOptions configures a subprocess dial.
type DialOptions struct {
	// ServerBinary overrides the server binary name. Defaults to
	// DefaultServerBinary.
	ServerBinary string
	// Versions is the protocol-version set offered in the client
	// handshake. Defaults to wire.SupportedVersions.
	Versions []int
	// BandwidthLimit caps the send rate toward this server in bytes per
	// second. Zero means unlimited.
	BandwidthLimit int64
	// ChunkBits, when set, sizes the throttle burst to the expected
	// chunk size (2^ChunkBits) so a typical chunk frame ships in one
	// quota grant.
	ChunkBits uint
}

// subprocessConn is a StreamConn bound to a spawned server process; its
// Close reaps the process after closing stdin.
type subprocessConn struct {
	*StreamConn
	cmd   *exec.Cmd
	stdin io.Closer
}

// DialSubprocess spawns a server subprocess for location, completes the
// protocol-version handshake, and returns the connection plus the
// negotiated version. A location of the form "host:path" dispatches
// through ssh; a bare path spawns the server binary locally.
//
// Cancelling ctx kills the subprocess and, when a bandwidth limit is
// set, fails a chunk send that is waiting for throttle quota.
func DialSubprocess(ctx context.Context, location string, opts DialOptions) (Conn, int, error) {
	binary := opts.ServerBinary
	if binary == "" {
		binary = DefaultServerBinary
	}
	versions := opts.Versions
	if len(versions) == 0 {
		versions = wire.SupportedVersions
	}

	host, path, remote := splitLocation(location)
	var cmd *exec.Cmd
	if remote {
		cmd = exec.CommandContext(ctx, "ssh", host, binary, "serve", path)
	} else {
		cmd = exec.CommandContext(ctx, binary, "serve", path)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, 0, fmt.Errorf("transport: opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, 0, fmt.Errorf("transport: opening stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, 0, fmt.Errorf("transport: starting server subprocess for %q: %w", location, err)
	}

	conn := &subprocessConn{
		StreamConn: NewStreamConn(stdout, stdin, nil),
		cmd:        cmd,
		stdin:      stdin,
	}
	if opts.BandwidthLimit > 0 {
		var burst int64
		if opts.ChunkBits > 0 {
			burst = int64(1) << opts.ChunkBits
		}
		conn.Throttle(ctx, opts.BandwidthLimit, burst)
	}

	version, err := conn.ClientHandshake(versions)
	if err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, 0, fmt.Errorf("transport: handshake with %q: %w", location, err)
	}
	return conn, version, nil
}

// splitLocation parses "host:path" into (host, path, true), or a bare
// path into ("", path, false). A Windows-style drive letter ("C:\...")
// is not mistaken for a host since it is exactly one character before
// the colon and locations are always POSIX-style within this protocol.
func splitLocation(location string) (host, path string, remote bool) {
	idx := strings.IndexByte(location, ':')
	if idx <= 1 {
		return "", location, false
	}
	return location[:idx], location[idx+1:], true
}

// IsRemote reports whether location names a root on another host.
func IsRemote(location string) bool {
	_, _, remote := splitLocation(location)
	return remote
}

func (c *subprocessConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	// Closing stdin signals QUIT-equivalent EOF to a server that's still
	// reading; a server that already answered a QUIT will have exited on
	// its own.
	_ = c.stdin.Close()
	if err := c.cmd.Wait(); err != nil {
		return fmt.Errorf("transport: server subprocess exited with error: %w", err)
	}
	return nil
}
