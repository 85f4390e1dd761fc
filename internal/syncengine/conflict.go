// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package syncengine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/syncr/syncr/internal/config"
	"github.com/syncr/syncr/internal/wire"
)

// ErrConflict is returned when the fail-on-conflict strategy meets a
// conflicted path; it aborts the whole sync before any metadata is
// transferred.
var ErrConflict = errors.New("syncengine: unresolved conflict")

// StrategyKind names one automatic conflict-resolution strategy.
type StrategyKind string

const (
	PreferFirst    StrategyKind = "first"
	PreferLast     StrategyKind = "last"
	PreferNewest   StrategyKind = "newest"
	PreferOldest   StrategyKind = "oldest"
	PreferLargest  StrategyKind = "largest"
	PreferSmallest StrategyKind = "smallest"
	PreferNode     StrategyKind = "node"
	PreferName     StrategyKind = "name"
	SkipConflicts  StrategyKind = "skip"
	FailOnConflict StrategyKind = "fail"
	Interactive    StrategyKind = "interactive"
)

// Policy is a parsed strategy, including the argument the node/name
// kinds carry.
type Policy struct {
	Kind      StrategyKind
	NodeIndex int
	NodeName  string
}

// ParsePolicy parses a strategy string. The node and name kinds take an
// argument after a colon: "node:1", "name:backup-host:/srv/tree".
func ParsePolicy(s string) (Policy, error) {
	kind, arg, _ := strings.Cut(s, ":")
	p := Policy{Kind: StrategyKind(kind)}
	switch p.Kind {
	case PreferFirst, PreferLast, PreferNewest, PreferOldest,
		PreferLargest, PreferSmallest, SkipConflicts, FailOnConflict, Interactive:
		if arg != "" {
			return p, fmt.Errorf("strategy %q takes no argument", kind)
		}
	case PreferNode:
		idx, err := strconv.Atoi(arg)
		if err != nil || idx < 0 {
			return p, fmt.Errorf("strategy node requires a non-negative index, got %q", arg)
		}
		p.NodeIndex = idx
	case PreferName:
		if arg == "" {
			return p, fmt.Errorf("strategy name requires a location argument")
		}
		p.NodeName = arg
	default:
		return p, fmt.Errorf("unknown conflict strategy %q", s)
	}
	return p, nil
}

// Candidate is one node's competing record for a conflicted path.
type Candidate struct {
	Node     int
	Location string
	Record   wire.FileRecord
}

// Decider is the external callback behind the interactive strategy. It
// returns the index into candidates of the chosen record, or skip=true
// to leave the path untouched this run.
type Decider func(path string, candidates []Candidate) (choice int, skip bool, err error)

// Resolver applies the configured strategy — with first-match-wins
// per-path rule overrides — to each conflicted path.
type Resolver struct {
	defaultPolicy Policy
	rules         []rule
	decider       Decider
}

type rule struct {
	pattern string
	policy  Policy
}

// NewResolver parses the configured strategy names. A nil decider with
// an interactive policy resolves as skip.
func NewResolver(cfg config.ConflictInfo, decider Decider) (*Resolver, error) {
	def, err := ParsePolicy(cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("syncengine: conflict strategy: %w", err)
	}
	r := &Resolver{defaultPolicy: def, decider: decider}
	for i, rl := range cfg.Rules {
		p, err := ParsePolicy(rl.Strategy)
		if err != nil {
			return nil, fmt.Errorf("syncengine: conflict rule %d: %w", i, err)
		}
		if _, err := doublestar.Match(rl.Pattern, "probe"); err != nil {
			return nil, fmt.Errorf("syncengine: conflict rule %d: bad pattern %q: %w", i, rl.Pattern, err)
		}
		r.rules = append(r.rules, rule{pattern: rl.Pattern, policy: p})
	}
	return r, nil
}

// policyFor picks the first rule whose pattern matches path, falling
// back to the default strategy.
func (r *Resolver) policyFor(path string) Policy {
	for _, rl := range r.rules {
		if ok, _ := doublestar.Match(rl.pattern, path); ok {
			return rl.policy
		}
	}
	return r.defaultPolicy
}

// Resolve picks the winning candidate for a conflicted path, returning
// its index into candidates, or -1 to skip the path this run.
// Candidates arrive in ascending node order.
func (r *Resolver) Resolve(path string, candidates []Candidate) (int, error) {
	if len(candidates) == 0 {
		return -1, fmt.Errorf("syncengine: resolve called with no candidates for %q", path)
	}
	p := r.policyFor(path)

	switch p.Kind {
	case PreferFirst:
		return 0, nil
	case PreferLast:
		return len(candidates) - 1, nil
	case PreferNewest:
		return pickBy(candidates, func(a, b *Candidate) bool { return a.Record.MTime > b.Record.MTime }), nil
	case PreferOldest:
		return pickBy(candidates, func(a, b *Candidate) bool { return a.Record.MTime < b.Record.MTime }), nil
	case PreferLargest:
		return pickBy(candidates, func(a, b *Candidate) bool { return a.Record.Size > b.Record.Size }), nil
	case PreferSmallest:
		return pickBy(candidates, func(a, b *Candidate) bool { return a.Record.Size < b.Record.Size }), nil
	case PreferNode:
		for i, c := range candidates {
			if c.Node == p.NodeIndex {
				return i, nil
			}
		}
		return 0, nil
	case PreferName:
		for i, c := range candidates {
			if c.Location == p.NodeName {
				return i, nil
			}
		}
		return 0, nil
	case SkipConflicts:
		return -1, nil
	case Interactive:
		if r.decider == nil {
			return -1, nil
		}
		choice, skip, err := r.decider(path, candidates)
		if err != nil {
			return -1, fmt.Errorf("syncengine: interactive decider for %q: %w", path, err)
		}
		if skip {
			return -1, nil
		}
		if choice < 0 || choice >= len(candidates) {
			return -1, fmt.Errorf("syncengine: interactive decider for %q chose out-of-range %d", path, choice)
		}
		return choice, nil
	case FailOnConflict:
		return -1, fmt.Errorf("%w: %q differs on %s", ErrConflict, path, candidateList(candidates))
	default:
		return -1, fmt.Errorf("syncengine: unhandled strategy %q", p.Kind)
	}
}

// pickBy returns the index of the candidate that "better" prefers over
// every other, ties going to the lower node index since candidates are
// in node order.
func pickBy(candidates []Candidate, better func(a, b *Candidate) bool) int {
	best := 0
	for i := 1; i < len(candidates); i++ {
		if better(&candidates[i], &candidates[best]) {
			best = i
		}
	}
	return best
}

func candidateList(candidates []Candidate) string {
	parts := make([]string, len(candidates))
	for i, c := range candidates {
		parts[i] = fmt.Sprintf("node%d(%s)", c.Node, c.Location)
	}
	return strings.Join(parts, ", ")
}
