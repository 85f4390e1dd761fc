// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package state owns SyncR's durable on-disk state: the per-profile
// manifest (the base side of the three-way merge), the path-lock
// registry preventing concurrent syncs over overlapping trees, and the
// advisory per-file hashing cache. The lock registry and hashing cache
// share one embedded bbolt database (cache.db); the manifest is a plain
// JSON file next to it.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// filesBucket holds the per-file hashing cache.
	filesBucket = "files"
	// locksBucket holds the path-lock registry.
	locksBucket = "active_syncs"
)

// DefaultDir derives the state directory from the user's home
// directory, falling back to a local .syncr directory when no home can
// be determined.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".syncr"
	}
	return filepath.Join(home, ".syncr")
}

// ManifestPath returns the manifest file for profile under dir.
func ManifestPath(dir, profile string) string {
	return filepath.Join(dir, profile+".profile.json")
}

// CacheDBPath returns the embedded database file under dir.
func CacheDBPath(dir string) string {
	return filepath.Join(dir, "cache.db")
}

// DB is a reference-counted handle on one cache.db file. Handles to the
// same path share a single underlying bbolt.DB; the file is opened on
// the first Open and closed when the last handle is Closed. bbolt holds
// an exclusive file lock, so without sharing a second component in the
// same process would deadlock opening the same path.
type DB struct {
	path string
	bolt *bbolt.DB
	refs int
}

var (
	dbMu  sync.Mutex
	dbMap = map[string]*DB{}
)

// Open returns a handle on the database at path, creating the file and
// its parent directory on first use.
func Open(path string) (*DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("state: resolving db path %q: %w", path, err)
	}

	dbMu.Lock()
	defer dbMu.Unlock()

	if db, ok := dbMap[abs]; ok {
		db.refs++
		return db, nil
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("state: creating state directory: %w", err)
	}
	bdb, err := bbolt.Open(abs, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("state: opening %q: %w", abs, err)
	}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{filesBucket, locksBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("state: initializing buckets: %w", err)
	}

	db := &DB{path: abs, bolt: bdb, refs: 1}
	dbMap[abs] = db
	return db, nil
}

// Close releases one reference; the underlying file closes when the
// last reference is gone.
func (db *DB) Close() error {
	dbMu.Lock()
	defer dbMu.Unlock()

	db.refs--
	if db.refs > 0 {
		return nil
	}
	delete(dbMap, db.path)
	return db.bolt.Close()
}
