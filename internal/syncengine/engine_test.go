// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package syncengine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncr/syncr/internal/config"
	"github.com/syncr/syncr/internal/observer"
	"github.com/syncr/syncr/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncDirs runs one full sync over the given roots against stateDir,
// with optional option tweaks.
func syncDirs(t *testing.T, stateDir string, tweak func(*config.Options), roots ...string) (*Report, error) {
	t.Helper()
	opts := &config.Options{StateDir: stateDir, ChunkBits: 12}
	require.NoError(t, opts.Validate())
	if tweak != nil {
		tweak(opts)
	}
	eng, err := New(opts, testLogger(), nil, nil)
	require.NoError(t, err)
	return eng.Run(context.Background(), roots)
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)
	return string(data)
}

func setMtime(t *testing.T, root, rel string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(filepath.Join(root, rel), mtime, mtime))
}

func TestSync_FirstSyncDisjointContents(t *testing.T) {
	stateDir := t.TempDir()
	rootA, rootB := t.TempDir(), t.TempDir()
	writeFile(t, rootA, "a.txt", "hello")
	writeFile(t, rootB, "b.txt", "world")

	report, err := syncDirs(t, stateDir, nil, rootA, rootB)
	require.NoError(t, err)

	assert.Equal(t, "hello", readFile(t, rootB, "a.txt"))
	assert.Equal(t, "world", readFile(t, rootA, "b.txt"))
	assert.Zero(t, report.Conflicts)
	assert.Equal(t, 2, report.FilesPropagated)
	assert.Positive(t, report.BytesRelayed)

	manifest, err := state.LoadManifest(state.ManifestPath(stateDir, "default"))
	require.NoError(t, err)
	assert.Len(t, manifest, 2)
}

func TestSync_SecondSyncOneSidedEdit(t *testing.T) {
	stateDir := t.TempDir()
	rootA, rootB := t.TempDir(), t.TempDir()
	writeFile(t, rootA, "a.txt", "hello")
	writeFile(t, rootB, "b.txt", "world")

	_, err := syncDirs(t, stateDir, nil, rootA, rootB)
	require.NoError(t, err)

	writeFile(t, rootA, "a.txt", "hello!")
	report, err := syncDirs(t, stateDir, nil, rootA, rootB)
	require.NoError(t, err)

	assert.Equal(t, "hello!", readFile(t, rootB, "a.txt"))
	assert.Zero(t, report.Conflicts)

	manifest, err := state.LoadManifest(state.ManifestPath(stateDir, "default"))
	require.NoError(t, err)
	rec := manifest["a.txt"]
	assert.Equal(t, int64(len("hello!")), rec.Size)
}

func TestSync_ConflictNewestMtimeWins(t *testing.T) {
	stateDir := t.TempDir()
	rootA, rootB := t.TempDir(), t.TempDir()
	writeFile(t, rootA, "a.txt", "hello")
	_, err := syncDirs(t, stateDir, nil, rootA, rootB)
	require.NoError(t, err)

	writeFile(t, rootA, "a.txt", "hello!")
	writeFile(t, rootB, "a.txt", "hello?")
	setMtime(t, rootB, "a.txt", time.Now().Add(-time.Hour))
	setMtime(t, rootA, "a.txt", time.Now())

	report, err := syncDirs(t, stateDir, func(o *config.Options) {
		o.Conflict.Strategy = "newest"
	}, rootA, rootB)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Conflicts)
	assert.Equal(t, "hello!", readFile(t, rootB, "a.txt"))
	assert.Equal(t, "hello!", readFile(t, rootA, "a.txt"))
}

func TestSync_ConflictFailStrategyAbortsBeforeTransfer(t *testing.T) {
	stateDir := t.TempDir()
	rootA, rootB := t.TempDir(), t.TempDir()
	writeFile(t, rootA, "a.txt", "hello")
	_, err := syncDirs(t, stateDir, nil, rootA, rootB)
	require.NoError(t, err)

	manifestPath := state.ManifestPath(stateDir, "default")
	before, err := os.ReadFile(manifestPath)
	require.NoError(t, err)

	writeFile(t, rootA, "a.txt", "hello!")
	writeFile(t, rootB, "a.txt", "hello?")

	_, err = syncDirs(t, stateDir, nil, rootA, rootB) // default strategy is fail
	require.ErrorIs(t, err, ErrConflict)

	// Neither side modified, manifest preserved byte-for-byte.
	assert.Equal(t, "hello!", readFile(t, rootA, "a.txt"))
	assert.Equal(t, "hello?", readFile(t, rootB, "a.txt"))
	after, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSync_DeletionEverywhere(t *testing.T) {
	stateDir := t.TempDir()
	rootA, rootB := t.TempDir(), t.TempDir()
	writeFile(t, rootA, "a.txt", "hello")
	writeFile(t, rootA, "keep.txt", "kept")
	_, err := syncDirs(t, stateDir, nil, rootA, rootB)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(rootA, "a.txt")))
	require.NoError(t, os.Remove(filepath.Join(rootB, "a.txt")))

	report, err := syncDirs(t, stateDir, nil, rootA, rootB)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deletes)

	manifest, err := state.LoadManifest(state.ManifestPath(stateDir, "default"))
	require.NoError(t, err)
	assert.NotContains(t, manifest, "a.txt")
	assert.Contains(t, manifest, "keep.txt")
}

func TestSync_OneSidedDeletionRestores(t *testing.T) {
	stateDir := t.TempDir()
	rootA, rootB := t.TempDir(), t.TempDir()
	writeFile(t, rootA, "a.txt", "hello")
	_, err := syncDirs(t, stateDir, nil, rootA, rootB)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(rootA, "a.txt")))

	report, err := syncDirs(t, stateDir, nil, rootA, rootB)
	require.NoError(t, err)

	assert.Zero(t, report.Deletes)
	assert.Equal(t, "hello", readFile(t, rootA, "a.txt"))
}

func TestSync_LockConflictFailsSecondInvocation(t *testing.T) {
	stateDir := t.TempDir()
	rootA, rootB := t.TempDir(), t.TempDir()
	writeFile(t, rootA, "a.txt", "x")

	db, err := state.Open(state.CacheDBPath(stateDir))
	require.NoError(t, err)
	defer db.Close()
	guard, err := state.AcquireLocks(db, []string{rootA}, nil)
	require.NoError(t, err)
	defer guard.Release()

	_, err = syncDirs(t, stateDir, nil, rootA, rootB)
	require.ErrorIs(t, err, state.ErrLockHeld)

	// Disjoint roots proceed concurrently with the held lock.
	rootC, rootD := t.TempDir(), t.TempDir()
	writeFile(t, rootC, "c.txt", "y")
	_, err = syncDirs(t, stateDir, nil, rootC, rootD)
	require.NoError(t, err)
}

func TestSync_DryRunTouchesNothing(t *testing.T) {
	stateDir := t.TempDir()
	rootA, rootB := t.TempDir(), t.TempDir()
	writeFile(t, rootA, "a.txt", "hello")

	report, err := syncDirs(t, stateDir, func(o *config.Options) { o.DryRun = true }, rootA, rootB)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Positive(t, report.WouldTransferBytes)
	assert.Equal(t, int64(0), report.BytesRelayed)

	_, statErr := os.Stat(filepath.Join(rootB, "a.txt"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(state.ManifestPath(stateDir, "default"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSync_ThreeNodesDeduplicatedRelay(t *testing.T) {
	stateDir := t.TempDir()
	rootA, rootB, rootC := t.TempDir(), t.TempDir(), t.TempDir()
	// The same content in two places on A dedups to one chunk set.
	writeFile(t, rootA, "one.txt", "shared content")
	writeFile(t, rootA, "two.txt", "shared content")

	report, err := syncDirs(t, stateDir, nil, rootA, rootB, rootC)
	require.NoError(t, err)

	for _, root := range []string{rootB, rootC} {
		assert.Equal(t, "shared content", readFile(t, root, "one.txt"))
		assert.Equal(t, "shared content", readFile(t, root, "two.txt"))
	}
	// Both files on both receivers, yet only one distinct chunk ever
	// crossed the relay.
	assert.Equal(t, int64(1), report.ChunksRelayed)
}

func TestSync_PropagatesDirsSymlinksAndEmptyFiles(t *testing.T) {
	stateDir := t.TempDir()
	rootA, rootB := t.TempDir(), t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rootA, "nested/deep"), 0755))
	writeFile(t, rootA, "nested/deep/f.txt", "deep")
	writeFile(t, rootA, "empty.txt", "")
	require.NoError(t, os.Symlink("nowhere/dangling", filepath.Join(rootA, "link")))

	_, err := syncDirs(t, stateDir, nil, rootA, rootB)
	require.NoError(t, err)

	assert.Equal(t, "deep", readFile(t, rootB, "nested/deep/f.txt"))
	assert.Equal(t, "", readFile(t, rootB, "empty.txt"))
	target, err := os.Readlink(filepath.Join(rootB, "link"))
	require.NoError(t, err)
	assert.Equal(t, "nowhere/dangling", target)
}

func TestSync_ObserverSeesPhasesAndConflicts(t *testing.T) {
	stateDir := t.TempDir()
	rootA, rootB := t.TempDir(), t.TempDir()
	writeFile(t, rootA, "a.txt", "hello")
	_, err := syncDirs(t, stateDir, nil, rootA, rootB)
	require.NoError(t, err)

	writeFile(t, rootA, "a.txt", "hello!")
	writeFile(t, rootB, "a.txt", "hello?")

	ring := observer.NewRing(256)
	opts := &config.Options{StateDir: stateDir, ChunkBits: 12, Conflict: config.ConflictInfo{Strategy: "first"}}
	require.NoError(t, opts.Validate())
	eng, err := New(opts, testLogger(), ring, nil)
	require.NoError(t, err)
	_, err = eng.Run(context.Background(), []string{rootA, rootB})
	require.NoError(t, err)

	var phases, conflicts int
	for _, e := range ring.Recent(0) {
		switch e.Kind {
		case observer.KindPhase:
			phases++
		case observer.KindConflict:
			conflicts++
		}
	}
	assert.GreaterOrEqual(t, phases, 5)
	assert.Equal(t, 1, conflicts)
}

func TestSync_InteractiveDeciderChooses(t *testing.T) {
	stateDir := t.TempDir()
	rootA, rootB := t.TempDir(), t.TempDir()
	writeFile(t, rootA, "a.txt", "hello")
	_, err := syncDirs(t, stateDir, nil, rootA, rootB)
	require.NoError(t, err)

	writeFile(t, rootA, "a.txt", "from A")
	writeFile(t, rootB, "a.txt", "from B")

	opts := &config.Options{StateDir: stateDir, ChunkBits: 12, Conflict: config.ConflictInfo{Strategy: "interactive"}}
	require.NoError(t, opts.Validate())
	eng, err := New(opts, testLogger(), nil, func(path string, cands []Candidate) (int, bool, error) {
		// Pick node 1's record.
		for i, c := range cands {
			if c.Node == 1 {
				return i, false, nil
			}
		}
		return 0, false, nil
	})
	require.NoError(t, err)
	_, err = eng.Run(context.Background(), []string{rootA, rootB})
	require.NoError(t, err)

	assert.Equal(t, "from B", readFile(t, rootA, "a.txt"))
}

func TestSync_ExcludePatternsSkipEntries(t *testing.T) {
	stateDir := t.TempDir()
	rootA, rootB := t.TempDir(), t.TempDir()
	writeFile(t, rootA, "code.go", "package main")
	writeFile(t, rootA, "junk.log", "noise")

	_, err := syncDirs(t, stateDir, func(o *config.Options) {
		o.Exclude = []string{"*.log"}
	}, rootA, rootB)
	require.NoError(t, err)

	assert.Equal(t, "package main", readFile(t, rootB, "code.go"))
	_, statErr := os.Stat(filepath.Join(rootB, "junk.log"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSync_EventTrailSurvivesOnlyFailedRuns(t *testing.T) {
	stateDir := t.TempDir()
	trailDir := t.TempDir()
	rootA, rootB := t.TempDir(), t.TempDir()
	writeFile(t, rootA, "a.txt", "hello")

	// Successful run: the trail is written, then discarded.
	_, err := syncDirs(t, stateDir, func(o *config.Options) {
		o.Logging.RunDir = trailDir
	}, rootA, rootB)
	require.NoError(t, err)
	entries, err := os.ReadDir(trailDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Failed run (conflict under the fail strategy): the trail stays.
	writeFile(t, rootA, "a.txt", "hello!")
	writeFile(t, rootB, "a.txt", "hello?")
	_, err = syncDirs(t, stateDir, func(o *config.Options) {
		o.Logging.RunDir = trailDir
	}, rootA, rootB)
	require.ErrorIs(t, err, ErrConflict)

	entries, err = os.ReadDir(trailDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "default-")
	assert.Contains(t, entries[0].Name(), ".events.jsonl")
}

func TestRun_RequiresTwoLocations(t *testing.T) {
	_, err := syncDirs(t, t.TempDir(), nil, t.TempDir())
	assert.Error(t, err)
}
