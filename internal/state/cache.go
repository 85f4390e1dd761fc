// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package state

import (
	"encoding/json"

	"go.etcd.io/bbolt"

	"github.com/syncr/syncr/internal/wire"
)

// cacheEntry is the persisted value of the per-file hashing cache,
// keyed by slash-form relative path.
type cacheEntry struct {
	MTime  int64           `json:"mt"`
	CTime  int64           `json:"ct"`
	Size   int64           `json:"sz"`
	Mode   uint32          `json:"mod"`
	UID    uint32          `json:"uid"`
	GID    uint32          `json:"gid"`
	Chunks []wire.ChunkRef `json:"chunks"`
}

// FileCache is the advisory per-file hashing cache consulted by LIST to
// skip rehashing unchanged files. It is never required for correctness:
// any miss, decode failure or metadata mismatch just means the file is
// split again. Entries are scoped by root so two synced trees with the
// same relative layout don't poison each other.
type FileCache struct {
	db   *DB
	root string
}

// NewFileCache wraps db's files bucket, scoping every key under root.
func NewFileCache(db *DB, root string) *FileCache {
	return &FileCache{db: db, root: root}
}

func (c *FileCache) key(relPath string) []byte {
	return []byte(c.root + "\x00" + relPath)
}

// Lookup returns the cached chunk list for rec's path when the cached
// mtime and size still match. A changed mtime invalidates the entry
// unconditionally; the cache is advisory and rehashing is always safe.
func (c *FileCache) Lookup(rec wire.FileRecord) ([]wire.ChunkRef, bool) {
	var entry cacheEntry
	found := false
	_ = c.db.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(filesBucket)).Get(c.key(rec.Path))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &entry); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if !found || entry.MTime != rec.MTime || entry.Size != rec.Size {
		return nil, false
	}
	return entry.Chunks, true
}

// Store records rec's metadata and chunk list for its path.
func (c *FileCache) Store(rec wire.FileRecord) {
	entry := cacheEntry{
		MTime:  rec.MTime,
		CTime:  rec.CTime,
		Size:   rec.Size,
		Mode:   rec.Mode,
		UID:    rec.UID,
		GID:    rec.GID,
		Chunks: rec.Chunks,
	}
	v, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(filesBucket)).Put(c.key(rec.Path), v)
	})
}
