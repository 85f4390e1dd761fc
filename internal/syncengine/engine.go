// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package syncengine is the synchronization orchestrator: a single-task
// state machine driving N nodes in parallel through connect, collect,
// diff, metadata transfer, chunk relay and commit, with three-way merge
// against the profile manifest and deduplicated chunk routing between
// the nodes.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/syncr/syncr/internal/chunk"
	"github.com/syncr/syncr/internal/config"
	"github.com/syncr/syncr/internal/exclude"
	"github.com/syncr/syncr/internal/fsserver"
	"github.com/syncr/syncr/internal/observer"
	"github.com/syncr/syncr/internal/state"
	"github.com/syncr/syncr/internal/transport"
	"github.com/syncr/syncr/internal/wire"
)

// ErrMissingChunks is wrapped into the pre-commit verification failure:
// some node still lacks chunk data its pending files need, so no COMMIT
// is issued anywhere.
var ErrMissingChunks = errors.New("syncengine: chunks still missing at pre-commit")

// counters are the run-wide statistics behind periodic progress events.
type counters struct {
	filesListed   atomic.Int64
	chunksKnown   atomic.Int64
	chunksRelayed atomic.Int64
	bytesRelayed  atomic.Int64
}

// Engine runs one sync invocation over a fixed set of locations.
type Engine struct {
	opts     *config.Options
	logger   *slog.Logger
	sink     observer.Sink
	resolver *Resolver

	counters  counters
	pairMu    sync.Mutex
	pairBytes map[string]int64
}

// New validates opts (including the conflict strategy names, rejected
// here rather than discovered mid-sync) and builds an Engine. decider
// may be nil unless the interactive strategy is configured; sink may be
// nil.
func New(opts *config.Options, logger *slog.Logger, sink observer.Sink, decider Decider) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	resolver, err := NewResolver(opts.Conflict, decider)
	if err != nil {
		return nil, err
	}
	return &Engine{
		opts:      opts,
		logger:    logger,
		sink:      sink,
		resolver:  resolver,
		pairBytes: map[string]int64{},
	}, nil
}

// Run reconciles the given locations. At least two are required; each
// is a local path or a "host:path" remote. On success the profile
// manifest is rewritten; on any error the previous manifest is left
// untouched. An error raised before the commit phase means no node has
// committed; an error from the commit phase itself (an ERR reply to one
// node's COMMIT, or failed renames) can come after some or all nodes
// have committed.
func (e *Engine) Run(ctx context.Context, locations []string) (*Report, error) {
	if len(locations) < 2 {
		return nil, fmt.Errorf("syncengine: need at least two locations, got %d", len(locations))
	}

	runID := uuid.NewString()
	logger := e.logger.With("run_id", runID[:8], "profile", e.opts.Profile)
	e.logger = logger

	// The per-run event trail: every observer event also lands in a
	// JSON-lines file, discarded again if the run succeeds.
	var trail *observer.FileSink
	if e.opts.Logging.RunDir != "" {
		var err error
		trail, err = observer.NewFileSink(e.opts.Logging.RunDir, e.opts.Profile, runID[:8])
		if err != nil {
			logger.Warn("event trail unavailable", "error", err)
			trail = nil
		} else {
			e.sink = observer.MultiSink{e.sink, trail}
			defer trail.Close()
			logger.Debug("event trail open", "path", trail.Path())
		}
	}

	report := &Report{
		Profile:        e.opts.Profile,
		RunID:          runID,
		DryRun:         e.opts.DryRun,
		Nodes:          append([]string(nil), locations...),
		PairBytes:      e.pairBytes,
		PhaseDurations: map[string]time.Duration{},
	}

	stateDir := e.opts.StateDir
	if stateDir == "" {
		stateDir = state.DefaultDir()
	}
	db, err := state.Open(state.CacheDBPath(stateDir))
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var localPaths, remoteNodes []string
	for _, loc := range locations {
		if transport.IsRemote(loc) {
			remoteNodes = append(remoteNodes, loc)
		} else {
			localPaths = append(localPaths, loc)
		}
	}
	guard, err := state.AcquireLocks(db, localPaths, remoteNodes)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	manifestPath := state.ManifestPath(stateDir, e.opts.Profile)
	base, err := state.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	stopProgress := e.startProgress()
	defer stopProgress()

	// P1 — connect and negotiate.
	endPhase := e.beginPhase(report, "connect")
	nodes, err := e.connectAll(ctx, db, locations)
	defer func() {
		for _, n := range nodes {
			if n != nil {
				_ = n.Conn.Close()
			}
		}
	}()
	if err != nil {
		return nil, err
	}
	endPhase()

	// P2 — collect.
	endPhase = e.beginPhase(report, "collect")
	if err := e.collect(ctx, nodes); err != nil {
		return nil, err
	}
	endPhase()

	// P3 — diff and resolve.
	endPhase = e.beginPhase(report, "diff")
	pl, err := computeDiff(nodes, base, e.resolver, func(path string, cands []Candidate, winner int) {
		detail := "skipped"
		node := -1
		if winner >= 0 {
			detail = "resolved"
			node = cands[winner].Node
		}
		observer.Emit(e.sink, observer.Event{Kind: observer.KindConflict, Path: path, Node: node, Detail: detail})
		logger.Info("conflict", "path", path, "nodes", candidateList(cands), "outcome", detail)
	})
	if err != nil {
		return nil, err
	}
	report.Conflicts = pl.conflicts
	report.Skipped = len(pl.skipped)
	report.Deletes = len(pl.deletes)
	endPhase()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// P4 — transfer metadata.
	endPhase = e.beginPhase(report, "transfer-metadata")
	if err := e.transferMetadata(nodes, pl, report); err != nil {
		return nil, err
	}
	endPhase()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// P5 — transfer chunks.
	if !e.opts.DryRun {
		endPhase = e.beginPhase(report, "transfer-chunks")
		if err := e.relayChunks(ctx, nodes, report); err != nil {
			return nil, err
		}
		endPhase()
	}

	// P6 — verify and commit.
	if e.opts.DryRun {
		for _, n := range nodes {
			n.quit()
		}
		if trail != nil {
			trail.Discard()
		}
		logger.Info("dry run complete",
			"would_transfer_chunks", report.WouldTransferChunks,
			"would_transfer_bytes", report.WouldTransferBytes)
		return report, nil
	}

	endPhase = e.beginPhase(report, "commit")
	if err := verifyMissing(nodes, pl); err != nil {
		return nil, err
	}
	if err := e.commitAll(nodes, report); err != nil {
		return nil, err
	}
	for _, n := range nodes {
		n.quit()
	}
	endPhase()

	if err := state.SaveManifest(manifestPath, pl.nextManifest(base)); err != nil {
		return nil, err
	}
	if trail != nil {
		trail.Discard()
	}
	logger.Info("sync complete",
		"propagated", report.FilesPropagated,
		"deletes", report.Deletes,
		"conflicts", report.Conflicts,
		"bytes_relayed", report.BytesRelayed)
	return report, nil
}

// beginPhase logs and emits the phase transition, returning a closure
// that records the phase's duration.
func (e *Engine) beginPhase(report *Report, name string) func() {
	start := time.Now()
	e.logger.Info("phase", "phase", name)
	observer.Emit(e.sink, observer.Event{Kind: observer.KindPhase, Phase: name, Node: -1})
	return func() {
		report.PhaseDurations[name] = time.Since(start)
	}
}

// connectAll establishes every node's transport in parallel, completes
// the handshakes, fetches capabilities, and verifies all nodes landed
// on one common protocol version.
func (e *Engine) connectAll(ctx context.Context, db *state.DB, locations []string) ([]*Node, error) {
	nodes := make([]*Node, len(locations))
	err := forEachIndexed(len(locations), func(i int) error {
		n, err := e.connect(ctx, db, i, locations[i])
		if err != nil {
			return fmt.Errorf("syncengine: connecting %q: %w", locations[i], err)
		}
		nodes[i] = n
		observer.Emit(e.sink, observer.Event{Kind: observer.KindNode, Node: i, Detail: "connected"})
		return nil
	})
	if err != nil {
		return nodes, err
	}

	version := nodes[0].Version
	for _, n := range nodes[1:] {
		if n.Version != version {
			return nodes, fmt.Errorf("%w: negotiated versions differ across nodes", wire.ErrHandshakeNoCommon)
		}
	}
	e.logger.Info("negotiated", "version", version, "nodes", len(nodes))
	return nodes, nil
}

// connect builds one node. A local path gets a co-located server task
// over the in-process transport; a remote location spawns a subprocess
// through the remote shell.
func (e *Engine) connect(ctx context.Context, db *state.DB, id int, location string) (*Node, error) {
	n := &Node{
		ID:         id,
		Location:   location,
		Known:      map[chunk.Hash]struct{}{},
		Missing:    map[chunk.Hash]struct{}{},
		Discovered: map[string]wire.FileRecord{},
	}

	if transport.IsRemote(location) {
		conn, version, err := transport.DialSubprocess(ctx, location, transport.DialOptions{
			BandwidthLimit: e.opts.BandwidthLimitRaw,
			ChunkBits:      e.opts.ChunkBits,
		})
		if err != nil {
			return nil, err
		}
		n.Conn = conn
		n.Version = version
	} else {
		excl, err := exclude.New(location, e.excludeOptions())
		if err != nil {
			return nil, err
		}
		srv, err := fsserver.New(location, e.opts.ChunkBits, excl, e.logger.With("component", "server", "root", location))
		if err != nil {
			return nil, err
		}
		srv.SetHashCache(state.NewFileCache(db, location))

		clientConn, serverConn := transport.NewInProcessPair()
		go func() {
			if err := srv.Serve(serverConn); err != nil && !errors.Is(err, transport.ErrConnClosed) {
				e.logger.Warn("in-process server exited with error", "root", location, "error", err)
			}
		}()
		n.Conn = clientConn
		// Both ends are this binary; negotiation would be a formality,
		// so the in-process transport skips it and uses our newest.
		n.Version = wire.SupportedVersions[len(wire.SupportedVersions)-1]
	}

	if err := n.fetchCapabilities(); err != nil {
		_ = n.Conn.Close()
		return nil, err
	}
	return n, nil
}

func (e *Engine) excludeOptions() exclude.Options {
	f := e.opts.Filters
	return exclude.Options{
		Patterns:       e.opts.Exclude,
		Include:        e.opts.Include,
		IgnoreFileName: e.opts.IgnoreFileName,
		Filters: exclude.Filters{
			MinSize:           f.MinSizeRaw,
			MaxSize:           f.MaxSizeRaw,
			OlderThan:         f.OlderThan,
			NewerThan:         f.NewerThan,
			ExcludeSymlinks:   f.ExcludeSymlinks,
			ExcludeEmptyFiles: f.ExcludeEmptyFiles,
		},
	}
}

// clientExcluded re-applies the pattern-level exclusions on the
// orchestrator side. A local server already filtered with the full
// engine; a remote server only knows its own configuration, so user
// patterns are enforced here too.
func (e *Engine) clientExcluded(relPath string) bool {
	if exclude.MatchBuiltin(relPath) {
		return true
	}
	return exclude.MatchAny(e.opts.Exclude, relPath) && !exclude.MatchAny(e.opts.Include, relPath)
}

// collect is P2: every node LISTs in parallel, filling its Discovered
// map and Known chunk set.
func (e *Engine) collect(ctx context.Context, nodes []*Node) error {
	return forEachNode(nodes, func(n *Node) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := n.list(func(rec wire.FileRecord) error {
			if e.clientExcluded(rec.Path) {
				return nil
			}
			n.Discovered[rec.Path] = rec
			e.counters.filesListed.Add(1)
			for _, c := range rec.Chunks {
				if _, ok := n.Known[c.Hash]; !ok {
					n.Known[c.Hash] = struct{}{}
					e.counters.chunksKnown.Add(1)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("syncengine: collecting %s: %w", n.Label(), err)
		}
		e.logger.Info("collected", "node", n.Label(), "entries", len(n.Discovered), "chunks", len(n.Known))
		return nil
	})
}

// transferMetadata is P4: each node receives, inside one WRITE session,
// every winning record it doesn't already match, and a DEL for every
// path deleted everywhere. Each chunk a receiver can't source locally
// joins its Missing set. In dry-run mode the bookkeeping runs but no
// protocol command is sent.
func (e *Engine) transferMetadata(nodes []*Node, pl *plan, report *Report) error {
	paths := make([]string, 0, len(pl.winners))
	for p := range pl.winners {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var propagated atomic.Int64
	err := forEachNode(nodes, func(n *Node) error {
		if !e.opts.DryRun {
			if err := n.enterWrite(); err != nil {
				return err
			}
		}
		for _, path := range paths {
			w := pl.winners[path]
			if w.node == n.ID {
				continue
			}
			if cur, ok := n.Discovered[path]; ok && recordsEquivalent(&cur, &w.rec) {
				continue
			}
			if !e.opts.DryRun {
				if err := n.sendRecord(w.rec); err != nil {
					return fmt.Errorf("sending %q to %s: %w", path, n.Label(), err)
				}
			}
			propagated.Add(1)
			observer.Emit(e.sink, observer.Event{Kind: observer.KindFileOp, Node: n.ID, Path: path, Detail: "propagate"})

			for _, c := range w.rec.Chunks {
				if _, known := n.Known[c.Hash]; known {
					continue
				}
				n.Missing[c.Hash] = struct{}{}
			}
		}
		if !e.opts.DryRun {
			for _, p := range pl.deletes {
				if err := n.sendDelete(p); err != nil {
					return fmt.Errorf("sending DEL %q to %s: %w", p, n.Label(), err)
				}
				observer.Emit(e.sink, observer.Event{Kind: observer.KindFileOp, Node: n.ID, Path: p, Detail: "delete"})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	report.FilesPropagated = int(propagated.Load())

	// Dedup-aware transfer estimate: each distinct missing chunk
	// crosses the wire once per node that needs it.
	chunkLen := map[chunk.Hash]int64{}
	for _, w := range pl.winners {
		for _, c := range w.rec.Chunks {
			chunkLen[c.Hash] = c.Length
		}
	}
	for _, n := range nodes {
		for h := range n.Missing {
			report.WouldTransferChunks++
			report.WouldTransferBytes += chunkLen[h]
		}
	}
	return nil
}

// verifyMissing is the pre-commit gate: if any node still misses
// chunks, enumerate the files that would be corrupted and abort before
// any COMMIT, per the no-partial-commit invariant.
func verifyMissing(nodes []*Node, pl *plan) error {
	var problems []string
	for _, n := range nodes {
		if len(n.Missing) == 0 {
			continue
		}
		affected := map[string]struct{}{}
		for path, w := range pl.winners {
			if w.node == n.ID {
				continue
			}
			for _, c := range w.rec.Chunks {
				if _, miss := n.Missing[c.Hash]; miss {
					affected[path] = struct{}{}
					break
				}
			}
		}
		files := make([]string, 0, len(affected))
		for p := range affected {
			files = append(files, p)
		}
		sort.Strings(files)

		hashes := sortedHashes(n.Missing)
		shown := make([]string, 0, 5)
		for i, h := range hashes {
			if i == 5 {
				break
			}
			shown = append(shown, wire.EncodeHash(h))
		}
		problems = append(problems, fmt.Sprintf("%s lacks %d chunk(s) for files %s (hashes %s)",
			n.Label(), len(n.Missing), strings.Join(files, ", "), strings.Join(shown, ", ")))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingChunks, strings.Join(problems, "; "))
	}
	return nil
}

// commitAll closes every WRITE session and drives every node through
// COMMIT, in parallel. Any ERR aborts the run. COMMIT is deliberately
// single-phase: it is only reached once every node has verified
// satisfiable, so there is nothing to roll back.
func (e *Engine) commitAll(nodes []*Node, report *Report) error {
	var renamed, failed atomic.Int64
	err := forEachNode(nodes, func(n *Node) error {
		if err := n.exitWrite(); err != nil {
			return err
		}
		r, f, err := n.commit()
		if err != nil {
			return fmt.Errorf("committing %s: %w", n.Label(), err)
		}
		renamed.Add(int64(r))
		failed.Add(int64(f))
		observer.Emit(e.sink, observer.Event{Kind: observer.KindNode, Node: n.ID, Detail: fmt.Sprintf("committed %d renames", r)})
		return nil
	})
	report.Renamed = int(renamed.Load())
	report.Failed = int(failed.Load())
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("syncengine: %d rename(s) failed during commit", report.Failed)
	}
	return nil
}

func (e *Engine) addPairBytes(src, dst int, n int64) {
	e.pairMu.Lock()
	e.pairBytes[fmt.Sprintf("%d->%d", src, dst)] += n
	e.pairMu.Unlock()
}

// startProgress emits a progress event every 2 seconds until the
// returned stop function runs.
func (e *Engine) startProgress() func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		t := time.NewTicker(2 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				s := observer.Stats{
					FilesListed:   e.counters.filesListed.Load(),
					ChunksKnown:   e.counters.chunksKnown.Load(),
					ChunksRelayed: e.counters.chunksRelayed.Load(),
					BytesRelayed:  e.counters.bytesRelayed.Load(),
				}
				observer.Emit(e.sink, observer.Event{Kind: observer.KindProgress, Node: -1, Stats: &s})
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// forEachNode runs fn once per node, each on its own goroutine, and
// joins the errors. This is the intra-phase parallelism: one task per
// node, a barrier at the end.
func forEachNode(nodes []*Node, fn func(n *Node) error) error {
	errs := make([]error, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *Node) {
			defer wg.Done()
			errs[i] = fn(n)
		}(i, n)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func forEachIndexed(n int, fn func(i int) error) error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = fn(i)
		}(i)
	}
	wg.Wait()
	return errors.Join(errs...)
}
