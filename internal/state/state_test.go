// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/syncr/syncr/internal/chunk"
	"github.com/syncr/syncr/internal/wire"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(CacheDBPath(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_SharesHandlePerPath(t *testing.T) {
	path := CacheDBPath(t.TempDir())

	a, err := Open(path)
	require.NoError(t, err)
	b, err := Open(path)
	require.NoError(t, err)

	assert.Same(t, a, b)
	require.NoError(t, a.Close())
	// Still usable through the second reference.
	require.NoError(t, b.bolt.View(func(tx *bbolt.Tx) error { return nil }))
	require.NoError(t, b.Close())
}

func TestManifest_MissingFileIsEmpty(t *testing.T) {
	m, err := LoadManifest(ManifestPath(t.TempDir(), "default"))
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestManifest_SaveLoadRoundTrip(t *testing.T) {
	path := ManifestPath(t.TempDir(), "work")
	m := Manifest{
		"a.txt": {
			Type: wire.EntityFile, Path: "a.txt", Mode: 0644, Size: 5, MTime: 100, CTime: 100,
			Chunks: []wire.ChunkRef{{Hash: chunk.Sum([]byte("hello")), Offset: 0, Length: 5}},
		},
		"dir": {Type: wire.EntityDir, Path: "dir", Mode: 0755, MTime: 50, CTime: 50},
	}

	require.NoError(t, SaveManifest(path, m))
	back, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, m, back)
}

func TestManifest_SaveIsAtomic(t *testing.T) {
	path := ManifestPath(t.TempDir(), "p")
	require.NoError(t, SaveManifest(path, Manifest{"a": {Type: wire.EntityFile, Path: "a"}}))

	// No temp sibling left behind.
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLocks_ExclusiveWhileHeld(t *testing.T) {
	db := openTestDB(t)
	dir := t.TempDir()
	locked := filepath.Join(dir, "dir1")

	guard, err := AcquireLocks(db, []string{locked}, nil)
	require.NoError(t, err)
	defer guard.Release()

	_, err = AcquireLocks(db, []string{locked}, nil)
	require.ErrorIs(t, err, ErrLockHeld)
	assert.Contains(t, err.Error(), "pid")

	// A disjoint path proceeds concurrently.
	other, err := AcquireLocks(db, []string{filepath.Join(dir, "dir2")}, nil)
	require.NoError(t, err)
	other.Release()
}

func TestLocks_ReleaseFreesPaths(t *testing.T) {
	db := openTestDB(t)
	p := filepath.Join(t.TempDir(), "tree")

	guard, err := AcquireLocks(db, []string{p}, nil)
	require.NoError(t, err)
	guard.Release()
	guard.Release() // idempotent

	again, err := AcquireLocks(db, []string{p}, nil)
	require.NoError(t, err)
	again.Release()
}

func TestLocks_StaleEntriesReclaimed(t *testing.T) {
	db := openTestDB(t)
	p, err := filepath.Abs(filepath.Join(t.TempDir(), "tree"))
	require.NoError(t, err)

	// A lock from a long-dead run: nonexistent PID and well past the
	// age bound.
	dead := LockInfo{PID: 1 << 30, StartedAt: time.Now().Add(-48 * time.Hour), Paths: []string{p}}
	v, err := json.Marshal(dead)
	require.NoError(t, err)
	require.NoError(t, db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(locksBucket)).Put([]byte(p), v)
	}))

	guard, err := AcquireLocks(db, []string{p}, nil)
	require.NoError(t, err)
	guard.Release()
}

func TestFileCache_AdvisoryLookup(t *testing.T) {
	db := openTestDB(t)
	cache := NewFileCache(db, "/roots/a")

	rec := wire.FileRecord{
		Type: wire.EntityFile, Path: "a.txt", MTime: 100, Size: 5, Mode: 0644,
		Chunks: []wire.ChunkRef{{Hash: chunk.Sum([]byte("hello")), Offset: 0, Length: 5}},
	}

	_, ok := cache.Lookup(rec)
	assert.False(t, ok)

	cache.Store(rec)
	chunks, ok := cache.Lookup(rec)
	require.True(t, ok)
	assert.Equal(t, rec.Chunks, chunks)

	// Any mtime mismatch re-derives.
	changed := rec
	changed.MTime = 101
	_, ok = cache.Lookup(changed)
	assert.False(t, ok)
}
