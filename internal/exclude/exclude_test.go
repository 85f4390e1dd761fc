// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package exclude

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statEntry(t *testing.T, root, rel string) fs.FileInfo {
	t.Helper()
	info, err := os.Lstat(filepath.Join(root, rel))
	require.NoError(t, err)
	return info
}

func TestBuiltinsAlwaysWin(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "file.SyNcR-TmP"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".DS_Store"), []byte("x"), 0644))

	// Even an explicit include can't rescue a built-in exclusion.
	e, err := New(root, Options{Include: []string{"**"}})
	require.NoError(t, err)

	assert.True(t, e.ShouldExclude("file.SyNcR-TmP", statEntry(t, root, "file.SyNcR-TmP")))
	assert.True(t, e.ShouldExclude("sub/dir/.DS_Store", statEntry(t, root, ".DS_Store")))
}

func TestUserGlobs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.log"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.txt"), []byte("x"), 0644))

	e, err := New(root, Options{Patterns: []string{"*.log", "build/**"}})
	require.NoError(t, err)

	assert.True(t, e.ShouldExclude("app.log", statEntry(t, root, "app.log")))
	assert.True(t, e.ShouldExclude("deep/nested/app.log", statEntry(t, root, "app.log")))
	assert.False(t, e.ShouldExclude("app.txt", statEntry(t, root, "app.txt")))
	assert.True(t, e.ShouldExclude("build/out.bin", statEntry(t, root, "app.txt")))
	assert.True(t, e.ShouldExcludeDir("build/cache"))
	assert.False(t, e.ShouldExcludeDir("src"))
}

func TestIncludeOverridesUserGlobs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.log"), []byte("x"), 0644))

	e, err := New(root, Options{
		Patterns: []string{"*.log"},
		Include:  []string{"keep.log"},
	})
	require.NoError(t, err)

	assert.False(t, e.ShouldExclude("keep.log", statEntry(t, root, "keep.log")))
	assert.True(t, e.ShouldExclude("drop.log", statEntry(t, root, "keep.log")))
}

func TestIgnoreFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, DefaultIgnoreFileName), []byte("secret/\n*.bak\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", DefaultIgnoreFileName), []byte("local-only.txt\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.bak"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0644))

	e, err := New(root, Options{})
	require.NoError(t, err)

	assert.True(t, e.ShouldExclude("a.bak", statEntry(t, root, "a.bak")))
	assert.False(t, e.ShouldExclude("a.txt", statEntry(t, root, "a.txt")))
	assert.True(t, e.ShouldExcludeDir("secret"))

	// The nested ignore-file scopes to its own subtree.
	assert.True(t, e.ShouldExclude("sub/local-only.txt", statEntry(t, root, "a.txt")))
	assert.False(t, e.ShouldExclude("local-only.txt", statEntry(t, root, "a.txt")))
}

func TestSizeAndAgeFilters(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "small"), []byte("ab"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "big"), make([]byte, 4096), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "old"), []byte("old"), 0644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "old"), old, old))

	e, err := New(root, Options{Filters: Filters{MinSize: 3, MaxSize: 1024, OlderThan: 24 * time.Hour}})
	require.NoError(t, err)

	assert.True(t, e.ShouldExclude("small", statEntry(t, root, "small")))
	assert.True(t, e.ShouldExclude("big", statEntry(t, root, "big")))
	assert.True(t, e.ShouldExclude("old", statEntry(t, root, "old")))
}

func TestSymlinkFilter(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "target"), []byte("x"), 0644))
	require.NoError(t, os.Symlink("target", filepath.Join(root, "link")))

	e, err := New(root, Options{Filters: Filters{ExcludeSymlinks: true}})
	require.NoError(t, err)

	assert.True(t, e.ShouldExclude("link", statEntry(t, root, "link")))
	assert.False(t, e.ShouldExclude("target", statEntry(t, root, "target")))
}
