// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.etcd.io/bbolt"
)

// LockMaxAge is the hard age bound after which a lock is reclaimable
// regardless of its owner's liveness.
const LockMaxAge = 24 * time.Hour

// ErrLockHeld is wrapped into the error returned when another live sync
// holds one of the requested paths.
var ErrLockHeld = errors.New("state: path already locked")

// LockInfo is the registry record written once per locked path.
type LockInfo struct {
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	Paths       []string  `json:"paths"`
	RemoteNodes []string  `json:"remote_nodes,omitempty"`
}

// stale reports whether the lock may be reclaimed: its owner no longer
// exists, or it is older than LockMaxAge.
func (l *LockInfo) stale(now time.Time) bool {
	if now.Sub(l.StartedAt) > LockMaxAge {
		return true
	}
	return !pidAlive(l.PID)
}

// pidAlive probes process existence, conservatively answering true when
// the probe itself fails.
func pidAlive(pid int) bool {
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return alive
}

// LockGuard owns a set of acquired path locks. Release is safe to call
// more than once and is always called via defer so the locks go away on
// every exit path; a crash instead leaves stale records for the next
// acquirer's sweep.
type LockGuard struct {
	db       *DB
	paths    []string
	released atomic.Bool
}

// AcquireLocks takes the path-lock registry for the given local paths,
// inside a single write transaction: purge stale entries, verify none
// of the requested paths is live-locked, then insert one record per
// path. remoteNodes is recorded for operator visibility only; remote
// roots are not locked by this registry.
func AcquireLocks(db *DB, paths []string, remoteNodes []string) (*LockGuard, error) {
	normalized := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("state: resolving lock path %q: %w", p, err)
		}
		normalized = append(normalized, abs)
	}

	info := LockInfo{
		PID:         os.Getpid(),
		StartedAt:   time.Now().UTC(),
		Paths:       normalized,
		RemoteNodes: remoteNodes,
	}
	record, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("state: marshaling lock record: %w", err)
	}

	now := time.Now()
	err = db.bolt.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(locksBucket))

		// Pass 1: purge stale entries so a crashed sync never blocks
		// forever.
		var stale [][]byte
		live := map[string]LockInfo{}
		cur := bucket.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var existing LockInfo
			if err := json.Unmarshal(v, &existing); err != nil || existing.stale(now) {
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			live[string(k)] = existing
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}

		// Pass 2: every requested path must be free.
		for _, p := range normalized {
			if owner, held := live[p]; held {
				return fmt.Errorf("%w: %q held by pid %d since %s",
					ErrLockHeld, p, owner.PID, owner.StartedAt.Format(time.RFC3339))
			}
		}

		// Pass 3: insert.
		for _, p := range normalized {
			if err := bucket.Put([]byte(p), record); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &LockGuard{db: db, paths: normalized}, nil
}

// Release deletes this guard's lock records in a new transaction,
// best-effort: a failure here only means the next sync's stale sweep
// does the cleanup instead.
func (g *LockGuard) Release() {
	if g == nil || g.released.Swap(true) {
		return
	}
	_ = g.db.bolt.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(locksBucket))
		for _, p := range g.paths {
			_ = bucket.Delete([]byte(p))
		}
		return nil
	})
}
