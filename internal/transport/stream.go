// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/syncr/syncr/internal/wire"
)

// StreamConn speaks the wire protocol over any byte-stream pair. It
// backs both the subprocess transport (a spawned server's stdin/stdout)
// and the server side of a `syncr serve` invocation (its own
// stdin/stdout).
//
// Send and Recv are guarded by independent locks: one writer at a time
// on the send
// stream, one reader at a time on the receive stream. The only nesting
// is ClientHandshake taking the send-side lock while holding the
// receive-side one; no path takes them in the opposite order.
type StreamConn struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer

	sendMu sync.Mutex
	recvMu sync.Mutex
	closed atomic.Bool

	// Chunk-payload pacing, nil when unthrottled. Only chunk frames
	// consume quota: control lines are a few dozen bytes and pacing
	// them would just delay mode switches without moving the needle on
	// bandwidth.
	limiter  *rate.Limiter
	limitCtx context.Context
}

// NewStreamConn wraps a read/write byte-stream pair in a Conn. closer
// may be nil; when set it is invoked once by Close.
func NewStreamConn(rd io.Reader, wr io.Writer, closer io.Closer) *StreamConn {
	return &StreamConn{
		r: bufio.NewReader(rd),
		w: bufio.NewWriter(wr),
		c: closer,
	}
}

// ClientHandshake runs the client half of the negotiation: read
// the server's version offer, pick the highest mutually supported
// version, announce it, and wait for READY.
func (c *StreamConn) ClientHandshake(supported []int) (int, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	offered, err := wire.ReadHandshakeOffer(c.r)
	if err != nil {
		return 0, err
	}
	version, err := wire.NegotiateVersion(offered, supported)
	if err != nil {
		return 0, err
	}

	c.sendMu.Lock()
	err = wire.WriteHandshakeUse(c.w, version)
	c.sendMu.Unlock()
	if err != nil {
		return 0, err
	}

	if err := wire.ReadHandshakeReady(c.r); err != nil {
		return 0, err
	}
	return version, nil
}

// ServerHandshake runs the server half of the negotiation: advertise
// versions, read the client's pick, verify it is one we offered, and
// answer READY. A client pick outside the offered set ends the
// handshake with an error and no READY; nothing further is sent, and
// closing the transport is left to the caller.
func (c *StreamConn) ServerHandshake(versions []int) (int, error) {
	c.sendMu.Lock()
	err := wire.WriteHandshakeOffer(c.w, versions)
	c.sendMu.Unlock()
	if err != nil {
		return 0, err
	}

	c.recvMu.Lock()
	picked, err := wire.ReadHandshakeUse(c.r)
	c.recvMu.Unlock()
	if err != nil {
		return 0, err
	}

	valid := false
	for _, v := range versions {
		if v == picked {
			valid = true
			break
		}
	}
	if !valid {
		return 0, fmt.Errorf("%w: client picked unoffered version %d", wire.ErrHandshakeNoCommon, picked)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := wire.WriteHandshakeReady(c.w, picked); err != nil {
		return 0, err
	}
	return picked, nil
}

// Throttle caps the connection's outbound chunk bandwidth at
// bytesPerSec. burst is the quota a single frame may draw in one go;
// size it to the expected chunk so a typical chunk ships in one grant
// while the long-run rate still holds. burst outside (0, bytesPerSec]
// defaults to one second's quota. ctx bounds the waits — cancelling it
// fails the Send in progress.
func (c *StreamConn) Throttle(ctx context.Context, bytesPerSec, burst int64) {
	if bytesPerSec <= 0 {
		return
	}
	if burst <= 0 || burst > bytesPerSec {
		burst = bytesPerSec
	}
	c.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(burst))
	c.limitCtx = ctx
}

// waitQuota blocks until the bucket covers n more payload bytes. A
// frame larger than the burst draws its quota in burst-sized grants,
// so one oversized chunk cannot mortgage the bucket far into the
// future and starve the frames behind it.
func (c *StreamConn) waitQuota(n int) error {
	if c.limiter == nil {
		return nil
	}
	for n > 0 {
		grant := n
		if b := c.limiter.Burst(); grant > b {
			grant = b
		}
		if err := c.limiter.WaitN(c.limitCtx, grant); err != nil {
			return fmt.Errorf("transport: bandwidth wait: %w", err)
		}
		n -= grant
	}
	return nil
}

func (c *StreamConn) Send(env wire.Envelope, payload []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if env.Cmd == wire.CmdChunk {
		h, err := wire.DecodeHash(env.Hsh)
		if err != nil {
			return err
		}
		if err := c.waitQuota(len(payload)); err != nil {
			return err
		}
		return wire.WriteChunkFrame(c.w, h, payload)
	}
	return wire.WriteLine(c.w, env)
}

func (c *StreamConn) Recv() (wire.Envelope, []byte, error) {
	if c.closed.Load() {
		return wire.Envelope{}, nil, ErrConnClosed
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	env, err := wire.ReadLine(c.r)
	if err != nil {
		if err == io.EOF {
			return env, nil, io.EOF
		}
		return env, nil, fmt.Errorf("transport: reading line: %w", err)
	}
	if env.Cmd != wire.CmdChunk {
		return env, nil, nil
	}
	_, payload, err := wire.ReadChunkPayload(c.r, env)
	if err != nil {
		return env, nil, fmt.Errorf("transport: reading chunk payload: %w", err)
	}
	return env, payload, nil
}

func (c *StreamConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.c != nil {
		return c.c.Close()
	}
	return nil
}
