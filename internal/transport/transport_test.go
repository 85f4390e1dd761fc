// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncr/syncr/internal/chunk"
	"github.com/syncr/syncr/internal/wire"
)

func TestInProcessPair_LineRoundTrip(t *testing.T) {
	client, server := NewInProcessPair()
	defer client.Close()
	defer server.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	var got wire.Envelope
	go func() {
		defer wg.Done()
		got, gotErr = RecvLine(server)
	}()

	require.NoError(t, SendLine(client, wire.Envelope{Cmd: wire.CmdCap}))
	wg.Wait()

	require.NoError(t, gotErr)
	assert.Equal(t, wire.CmdCap, got.Cmd)
}

func TestInProcessPair_ChunkRoundTrip(t *testing.T) {
	client, server := NewInProcessPair()
	defer client.Close()
	defer server.Close()

	data := []byte("inprocess chunk payload")
	h := chunk.Sum(data)

	var wg sync.WaitGroup
	wg.Add(1)
	var gotHash chunk.Hash
	var gotData []byte
	var gotErr error
	go func() {
		defer wg.Done()
		gotHash, gotData, gotErr = RecvChunk(server)
	}()

	require.NoError(t, SendChunk(client, h, data))
	wg.Wait()

	require.NoError(t, gotErr)
	assert.Equal(t, h, gotHash)
	assert.Equal(t, data, gotData)
}

func TestInProcessPair_PreservesOrderAcrossLinesAndChunks(t *testing.T) {
	client, server := NewInProcessPair()
	defer client.Close()
	defer server.Close()

	data := []byte("chunk payload for ordering test")
	h := chunk.Sum(data)

	done := make(chan struct{})
	var seen []string
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			env, payload, err := server.Recv()
			require.NoError(t, err)
			if env.Cmd == wire.CmdChunk {
				seen = append(seen, "chunk:"+string(payload))
			} else {
				seen = append(seen, "line:"+string(env.Cmd))
			}
		}
	}()

	require.NoError(t, SendLine(client, wire.Envelope{Cmd: wire.CmdWrite, Typ: wire.EntityFile, Path: "a"}))
	require.NoError(t, SendChunk(client, h, data))
	require.NoError(t, SendLine(client, wire.Envelope{Cmd: wire.CmdEnd}))
	<-done

	require.Equal(t, []string{"line:WRITE", "chunk:" + string(data), "line:END"}, seen)
}

func TestInProcessPair_CloseUnblocksPeer(t *testing.T) {
	client, server := NewInProcessPair()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, err := server.Recv()
		assert.Error(t, err)
	}()

	client.Close()
	<-done
}

func TestInProcessPair_SendAfterCloseErrors(t *testing.T) {
	client, server := NewInProcessPair()
	defer server.Close()

	client.Close()
	err := SendLine(client, wire.Envelope{Cmd: wire.CmdOK})
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestSplitLocation(t *testing.T) {
	cases := []struct {
		loc        string
		wantHost   string
		wantPath   string
		wantRemote bool
	}{
		{"/local/path", "", "/local/path", false},
		{"relative/path", "", "relative/path", false},
		{"host.example.com:/remote/path", "host.example.com", "/remote/path", true},
		{"user@host:/remote/path", "user@host", "/remote/path", true},
	}
	for _, c := range cases {
		host, path, remote := splitLocation(c.loc)
		assert.Equal(t, c.wantHost, host, c.loc)
		assert.Equal(t, c.wantPath, path, c.loc)
		assert.Equal(t, c.wantRemote, remote, c.loc)
	}
}
