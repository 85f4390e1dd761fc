// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package syncengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncr/syncr/internal/config"
	"github.com/syncr/syncr/internal/wire"
)

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("newest")
	require.NoError(t, err)
	assert.Equal(t, PreferNewest, p.Kind)

	p, err = ParsePolicy("node:2")
	require.NoError(t, err)
	assert.Equal(t, PreferNode, p.Kind)
	assert.Equal(t, 2, p.NodeIndex)

	p, err = ParsePolicy("name:host1:/srv/tree")
	require.NoError(t, err)
	assert.Equal(t, PreferName, p.Kind)
	assert.Equal(t, "host1:/srv/tree", p.NodeName)

	_, err = ParsePolicy("newest:arg")
	assert.Error(t, err)
	_, err = ParsePolicy("node:-1")
	assert.Error(t, err)
	_, err = ParsePolicy("coin-flip")
	assert.Error(t, err)
}

func testCandidates() []Candidate {
	return []Candidate{
		{Node: 0, Location: "/a", Record: wire.FileRecord{Type: wire.EntityFile, Path: "f", MTime: 100, Size: 10}},
		{Node: 1, Location: "/b", Record: wire.FileRecord{Type: wire.EntityFile, Path: "f", MTime: 300, Size: 5}},
		{Node: 2, Location: "/c", Record: wire.FileRecord{Type: wire.EntityFile, Path: "f", MTime: 200, Size: 20}},
	}
}

func resolveWith(t *testing.T, strategy string, cands []Candidate, decider Decider) (int, error) {
	t.Helper()
	r, err := NewResolver(config.ConflictInfo{Strategy: strategy}, decider)
	require.NoError(t, err)
	return r.Resolve("f", cands)
}

func TestResolver_Strategies(t *testing.T) {
	cands := testCandidates()

	cases := map[string]int{
		"first":    0,
		"last":     2,
		"newest":   1,
		"oldest":   0,
		"largest":  2,
		"smallest": 1,
		"node:2":   2,
		"name:/b":  1,
		"skip":     -1,
	}
	for strategy, want := range cases {
		got, err := resolveWith(t, strategy, cands, nil)
		require.NoError(t, err, strategy)
		assert.Equal(t, want, got, strategy)
	}
}

func TestResolver_FallbacksWhenArgAbsent(t *testing.T) {
	cands := testCandidates()

	got, err := resolveWith(t, "node:9", cands, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, got)

	got, err = resolveWith(t, "name:/nowhere", cands, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

func TestResolver_FailAborts(t *testing.T) {
	_, err := resolveWith(t, "fail", testCandidates(), nil)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestResolver_Interactive(t *testing.T) {
	chose, err := resolveWith(t, "interactive", testCandidates(),
		func(path string, cands []Candidate) (int, bool, error) { return 2, false, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, chose)

	skipped, err := resolveWith(t, "interactive", testCandidates(),
		func(path string, cands []Candidate) (int, bool, error) { return 0, true, nil })
	require.NoError(t, err)
	assert.Equal(t, -1, skipped)

	// No decider configured: interactive degrades to skip.
	none, err := resolveWith(t, "interactive", testCandidates(), nil)
	require.NoError(t, err)
	assert.Equal(t, -1, none)
}

func TestResolver_RulesFirstMatchWins(t *testing.T) {
	r, err := NewResolver(config.ConflictInfo{
		Strategy: "fail",
		Rules: []config.ConflictRule{
			{Pattern: "*.lock", Strategy: "skip"},
			{Pattern: "**/*.go", Strategy: "newest"},
			{Pattern: "**", Strategy: "first"},
		},
	}, nil)
	require.NoError(t, err)

	got, err := r.Resolve("deps.lock", testCandidates())
	require.NoError(t, err)
	assert.Equal(t, -1, got)

	got, err = r.Resolve("pkg/main.go", testCandidates())
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	got, err = r.Resolve("anything/else.txt", testCandidates())
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}
