// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config holds the profile options the CLI front end hands to
// the orchestrator, loadable from a .syncr.yaml project file or built
// programmatically.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/syncr/syncr/internal/chunk"
)

// Options is the full per-invocation configuration.
type Options struct {
	// Profile names the manifest this sync merges against.
	Profile string `yaml:"profile"`
	// StateDir overrides the default per-user state directory.
	StateDir string `yaml:"state_dir"`
	// DryRun computes and reports the diff without mutating anything.
	DryRun bool `yaml:"dry_run"`
	// ChunkBits configures the chunking engine (expected chunk size
	// 2^ChunkBits bytes).
	ChunkBits uint `yaml:"chunk_bits"`

	Conflict ConflictInfo `yaml:"conflict"`

	// Exclude are user exclusion globs; Include overrides them.
	Exclude []string `yaml:"exclude"`
	Include []string `yaml:"include"`
	// IgnoreFileName overrides the in-tree ignore-file name ("-"
	// disables ignore-files).
	IgnoreFileName string `yaml:"ignore_file"`

	Filters FilterInfo `yaml:"filters"`

	// BandwidthLimit caps the send rate toward each remote server, as a
	// human-readable size per second ("512kb", "10mb").
	BandwidthLimit    string `yaml:"bandwidth_limit"`
	BandwidthLimitRaw int64  `yaml:"-"`

	Logging LoggingInfo `yaml:"logging"`
}

// ConflictInfo selects the automatic conflict-resolution strategy plus
// per-path overrides.
type ConflictInfo struct {
	// Strategy is the default strategy name (see the syncengine
	// strategy set). Defaults to "fail".
	Strategy string `yaml:"strategy"`
	// Rules are evaluated in declaration order; the first pattern that
	// matches a conflicted path picks its strategy.
	Rules []ConflictRule `yaml:"rules"`
}

// ConflictRule binds one glob pattern to a strategy name.
type ConflictRule struct {
	Pattern  string `yaml:"pattern"`
	Strategy string `yaml:"strategy"`
}

// FilterInfo carries the size/age/type filter knobs. Sizes are
// human-readable strings ("64kb", "1gb"); the Raw fields hold the
// parsed byte counts after Validate.
type FilterInfo struct {
	MinSize    string `yaml:"min_size"`
	MinSizeRaw int64  `yaml:"-"`
	MaxSize    string `yaml:"max_size"`
	MaxSizeRaw int64  `yaml:"-"`

	OlderThan time.Duration `yaml:"older_than"`
	NewerThan time.Duration `yaml:"newer_than"`

	ExcludeSymlinks   bool `yaml:"exclude_symlinks"`
	ExcludeEmptyFiles bool `yaml:"exclude_empty_files"`
}

// LoggingInfo configures the structured logger.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
	// RunDir, when set, writes every sync run's observer events to
	// {RunDir}/{profile}-{run-id}.events.jsonl, discarded again when
	// the run succeeds — only troubled runs leave a trail.
	RunDir string `yaml:"run_dir"`
}

// Default returns an Options with every default applied.
func Default() *Options {
	o := &Options{}
	_ = o.Validate()
	return o
}

// Load reads and validates a YAML options file.
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var o Options
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &o, nil
}

// Validate applies defaults and parses the human-readable fields. Safe
// to call more than once.
func (o *Options) Validate() error {
	if o.Profile == "" {
		o.Profile = "default"
	}
	if strings.ContainsAny(o.Profile, "/\\") {
		return fmt.Errorf("profile %q must not contain path separators", o.Profile)
	}
	if o.ChunkBits == 0 {
		o.ChunkBits = chunk.DefaultChunkBits
	}
	if o.ChunkBits < chunk.MinChunkBits || o.ChunkBits > chunk.MaxChunkBits {
		return fmt.Errorf("chunk_bits must be between %d and %d, got %d",
			chunk.MinChunkBits, chunk.MaxChunkBits, o.ChunkBits)
	}
	if o.Conflict.Strategy == "" {
		o.Conflict.Strategy = "fail"
	}
	for i, r := range o.Conflict.Rules {
		if r.Pattern == "" {
			return fmt.Errorf("conflict.rules[%d].pattern is required", i)
		}
		if r.Strategy == "" {
			return fmt.Errorf("conflict.rules[%d].strategy is required", i)
		}
	}
	if o.Logging.Level == "" {
		o.Logging.Level = "info"
	}
	if o.Logging.Format == "" {
		o.Logging.Format = "json"
	}

	if o.Filters.MinSize != "" {
		n, err := units.RAMInBytes(o.Filters.MinSize)
		if err != nil {
			return fmt.Errorf("filters.min_size: %w", err)
		}
		o.Filters.MinSizeRaw = n
	}
	if o.Filters.MaxSize != "" {
		n, err := units.RAMInBytes(o.Filters.MaxSize)
		if err != nil {
			return fmt.Errorf("filters.max_size: %w", err)
		}
		o.Filters.MaxSizeRaw = n
	}
	if o.Filters.MaxSizeRaw > 0 && o.Filters.MinSizeRaw > o.Filters.MaxSizeRaw {
		return fmt.Errorf("filters.min_size %s exceeds filters.max_size %s", o.Filters.MinSize, o.Filters.MaxSize)
	}

	if o.BandwidthLimit != "" {
		n, err := units.RAMInBytes(o.BandwidthLimit)
		if err != nil {
			return fmt.Errorf("bandwidth_limit: %w", err)
		}
		o.BandwidthLimitRaw = n
	}
	return nil
}
