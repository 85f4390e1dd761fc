// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package exclude decides which tree entries a server's LIST skips.
//
// A path is excluded if, in order: it matches a built-in
// always-excluded pattern; it matches a user exclusion glob; an
// ignore-file in the tree lists it; or its filesystem properties
// violate a size/age/type filter. An include list overrides all but the
// built-in set.
package exclude

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/crackcomm/go-gitignore"
)

// DefaultIgnoreFileName is the gitignore-style file honored inside the
// synced tree.
const DefaultIgnoreFileName = ".syncrignore"

// builtinExcludes is the fixed always-excluded set: the tool's own temp
// files, OS-level metadata files, and editor backups. Never overridden
// by the include list.
var builtinExcludes = []string{
	"*.SyNcR-TmP",
	".DS_Store",
	"._*",
	"Thumbs.db",
	"desktop.ini",
	"*~",
	"*.swp",
	"*.swx",
	".#*",
}

// Filters are the size/age/type predicates applied after pattern
// matching. Zero values disable each predicate.
type Filters struct {
	// MinSize excludes regular files smaller than this many bytes.
	MinSize int64
	// MaxSize excludes regular files larger than this many bytes.
	MaxSize int64
	// OlderThan excludes entries last modified more than this long ago.
	OlderThan time.Duration
	// NewerThan excludes entries last modified less than this long ago.
	NewerThan time.Duration
	// ExcludeSymlinks drops symlinks from the stream entirely.
	ExcludeSymlinks bool
	// ExcludeEmptyFiles drops zero-length regular files.
	ExcludeEmptyFiles bool
}

// Options configures an Engine.
type Options struct {
	// Patterns are user exclusion globs (doublestar syntax).
	Patterns []string
	// Include globs override Patterns, ignore-files and Filters, but
	// never the built-in set.
	Include []string
	// IgnoreFileName overrides DefaultIgnoreFileName. Set to "-" to
	// disable ignore-file loading.
	IgnoreFileName string
	// Filters are the metadata predicates.
	Filters Filters
}

// dirIgnore is one compiled ignore-file, matched against paths relative
// to the directory that contains it.
type dirIgnore struct {
	prefix  string // slash-form path of the containing dir, "" for root
	matcher *gitignore.GitIgnore
}

// Engine evaluates the exclusion precedence chain for one root.
type Engine struct {
	root    string
	opts    Options
	ignores []dirIgnore

	now func() time.Time
}

// New builds an Engine for root, loading every ignore-file currently in
// the tree. An unreadable or malformed ignore-file is skipped rather
// than failing construction; exclusion is advisory, never a reason a
// sync can't start.
func New(root string, opts Options) (*Engine, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	e := &Engine{root: absRoot, opts: opts, now: time.Now}

	name := opts.IgnoreFileName
	if name == "" {
		name = DefaultIgnoreFileName
	}
	if name != "-" {
		e.ignores = loadIgnoreFiles(absRoot, name)
	}
	return e, nil
}

// loadIgnoreFiles walks root collecting every ignore-file, compiling
// each against its containing directory so nested files scope to their
// subtree the way git does it.
func loadIgnoreFiles(root, name string) []dirIgnore {
	var out []dirIgnore
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() || d.Name() != name {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		matcher, err := gitignore.CompileIgnoreLines(strings.Split(string(data), "\n")...)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(p))
		if err != nil {
			return nil
		}
		prefix := filepath.ToSlash(rel)
		if prefix == "." {
			prefix = ""
		}
		out = append(out, dirIgnore{prefix: prefix, matcher: matcher})
		return nil
	})
	return out
}

// ShouldExclude reports whether the entry at relPath (slash-separated,
// relative to root) should be skipped, given its metadata.
func (e *Engine) ShouldExclude(relPath string, info fs.FileInfo) bool {
	if matchAny(builtinExcludes, relPath) {
		return true
	}

	excluded := matchAny(e.opts.Patterns, relPath) ||
		e.ignoreMatch(relPath, info != nil && info.IsDir()) ||
		e.filterViolation(info)

	if excluded && matchAny(e.opts.Include, relPath) {
		return false
	}
	return excluded
}

// ShouldExcludeDir reports whether a whole subtree can be skipped
// without statting its contents. Filters never apply here: a directory
// is only pruned on pattern or ignore-file evidence.
func (e *Engine) ShouldExcludeDir(relPath string) bool {
	if matchAny(builtinExcludes, relPath) {
		return true
	}
	excluded := matchAny(e.opts.Patterns, relPath) || e.ignoreMatch(relPath, true)
	if excluded && matchAny(e.opts.Include, relPath) {
		return false
	}
	return excluded
}

func (e *Engine) ignoreMatch(relPath string, isDir bool) bool {
	for _, ig := range e.ignores {
		candidate := relPath
		if ig.prefix != "" {
			if !strings.HasPrefix(relPath, ig.prefix+"/") {
				continue
			}
			candidate = strings.TrimPrefix(relPath, ig.prefix+"/")
		}
		if ig.matcher.MatchesPath(candidate) {
			return true
		}
		if isDir && ig.matcher.MatchesPath(candidate+"/") {
			return true
		}
	}
	return false
}

func (e *Engine) filterViolation(info fs.FileInfo) bool {
	if info == nil {
		return false
	}
	f := e.opts.Filters

	if f.ExcludeSymlinks && info.Mode()&os.ModeSymlink != 0 {
		return true
	}
	if info.Mode().IsRegular() {
		if f.MinSize > 0 && info.Size() < f.MinSize {
			return true
		}
		if f.MaxSize > 0 && info.Size() > f.MaxSize {
			return true
		}
		if f.ExcludeEmptyFiles && info.Size() == 0 {
			return true
		}
	}

	age := e.now().Sub(info.ModTime())
	if f.OlderThan > 0 && age > f.OlderThan {
		return true
	}
	if f.NewerThan > 0 && age < f.NewerThan {
		return true
	}
	return false
}

// MatchAny reports whether relPath matches any of the globs, with the
// same semantics the Engine applies. Exported for the orchestrator's
// client-side filtering of entries discovered on remote roots, whose
// servers only know their own local exclusion options.
func MatchAny(patterns []string, relPath string) bool {
	return matchAny(patterns, relPath)
}

// MatchBuiltin reports whether relPath falls in the always-excluded
// set.
func MatchBuiltin(relPath string) bool {
	return matchAny(builtinExcludes, relPath)
}

// matchAny applies each glob to relPath. A pattern without a slash is
// also tried against the basename, so "*.log" excludes logs at any
// depth the way the common conventions expect.
func matchAny(patterns []string, relPath string) bool {
	for _, pattern := range patterns {
		if !strings.Contains(pattern, "/") {
			if ok, _ := doublestar.Match(pattern, path.Base(relPath)); ok {
				return true
			}
		}
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return true
		}
	}
	return false
}
