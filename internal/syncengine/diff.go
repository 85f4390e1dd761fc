// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package syncengine

import (
	"sort"

	"github.com/syncr/syncr/internal/state"
	"github.com/syncr/syncr/internal/wire"
)

// recordsEquivalent reports whether two records describe the same
// entity for diffing purposes: kind, mode, ownership, symlink target
// and chunk hashes. Size and mtime alone never make two records
// differ — mtime drifts across filesystems, and size is implied by the
// chunk list.
func recordsEquivalent(a, b *wire.FileRecord) bool {
	if a.Type != b.Type || a.Mode != b.Mode || a.UID != b.UID || a.GID != b.GID {
		return false
	}
	if a.Type == wire.EntitySymlink && a.Target != b.Target {
		return false
	}
	if len(a.Chunks) != len(b.Chunks) {
		return false
	}
	for i := range a.Chunks {
		if a.Chunks[i].Hash != b.Chunks[i].Hash {
			return false
		}
	}
	return true
}

// winnerEntry is one resolved path: the node whose record propagates
// and the record itself.
type winnerEntry struct {
	node int
	rec  wire.FileRecord
}

// plan is the output of the diff phase: everything the transfer phases
// need, plus the material for the next manifest.
type plan struct {
	// winners are the paths some node must receive, keyed by path.
	winners map[string]winnerEntry
	// deletes are manifest paths gone from every node.
	deletes []string
	// settled are paths already mutually consistent; they carry into
	// the next manifest untouched.
	settled map[string]wire.FileRecord
	// skipped are conflicted paths the policy chose to leave alone this
	// run; their previous manifest entry (if any) is preserved so the
	// conflict surfaces again next run.
	skipped []string

	conflicts int
}

// sortedUnion returns every path discovered on any node plus every
// manifest path, sorted so diffing and transfer are deterministic.
func sortedUnion(nodes []*Node, base state.Manifest) []string {
	seen := map[string]struct{}{}
	for _, n := range nodes {
		for p := range n.Discovered {
			seen[p] = struct{}{}
		}
	}
	for p := range base {
		seen[p] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// computeDiff walks the union of paths and classifies each one,
// resolving conflicts through the resolver. onConflict fires once per
// conflicted path (resolved or skipped) for observability.
func computeDiff(nodes []*Node, base state.Manifest, resolver *Resolver,
	onConflict func(path string, cands []Candidate, winner int)) (*plan, error) {

	pl := &plan{
		winners: map[string]winnerEntry{},
		settled: map[string]wire.FileRecord{},
	}

	for _, path := range sortedUnion(nodes, base) {
		present := make([]Candidate, 0, len(nodes))
		for _, n := range nodes {
			if rec, ok := n.Discovered[path]; ok {
				present = append(present, Candidate{Node: n.ID, Location: n.Location, Record: rec})
			}
		}
		baseRec, hasBase := base[path]

		// Complete disappearance across every node is the deletion
		// signal; partial absence is handled below by propagating the
		// surviving record back.
		if len(present) == 0 {
			if hasBase {
				pl.deletes = append(pl.deletes, path)
			}
			continue
		}

		var changed []Candidate
		if hasBase {
			for i := range present {
				if !recordsEquivalent(&present[i].Record, &baseRec) {
					changed = append(changed, present[i])
				}
			}
		} else {
			// No ancestor: fall back to pairwise equality, treating
			// every distinct record as a "changed" competitor.
			for i := range present {
				if !recordsEquivalent(&present[i].Record, &present[0].Record) {
					changed = present
					break
				}
			}
		}

		switch {
		case len(changed) == 0:
			// Mutually consistent among the nodes that have it. Nodes
			// missing it still need a copy.
			if len(present) < len(nodes) {
				pl.winners[path] = winnerEntry{node: present[0].Node, rec: present[0].Record}
			} else {
				pl.settled[path] = present[0].Record
			}

		case len(changed) == 1:
			pl.winners[path] = winnerEntry{node: changed[0].Node, rec: changed[0].Record}

		default:
			// Two or more diverged. Identical divergence is not a
			// conflict: both sides made the same edit.
			allEqual := true
			for i := 1; i < len(changed); i++ {
				if !recordsEquivalent(&changed[i].Record, &changed[0].Record) {
					allEqual = false
					break
				}
			}
			if allEqual {
				if len(present) < len(nodes) {
					pl.winners[path] = winnerEntry{node: changed[0].Node, rec: changed[0].Record}
				} else {
					pl.settled[path] = changed[0].Record
				}
				continue
			}

			pl.conflicts++
			choice, err := resolver.Resolve(path, changed)
			if err != nil {
				return nil, err
			}
			if onConflict != nil {
				onConflict(path, changed, choice)
			}
			if choice < 0 {
				pl.skipped = append(pl.skipped, path)
				continue
			}
			pl.winners[path] = winnerEntry{node: changed[choice].Node, rec: changed[choice].Record}
		}
	}

	return pl, nil
}

// nextManifest assembles the manifest a successful run persists:
// settled paths, propagated winners, and — for skipped conflicts — the
// old base entry so the next run sees the same divergence.
func (pl *plan) nextManifest(base state.Manifest) state.Manifest {
	m := state.Manifest{}
	for p, rec := range pl.settled {
		m[p] = rec
	}
	for p, w := range pl.winners {
		m[p] = w.rec
	}
	for _, p := range pl.skipped {
		if rec, ok := base[p]; ok {
			m[p] = rec
		}
	}
	return m
}
