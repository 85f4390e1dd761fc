// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package syncengine

import "time"

// Report summarizes one sync run. In dry-run mode the Would* fields
// describe the transfer that was planned but not performed.
type Report struct {
	Profile string
	RunID   string
	DryRun  bool
	// Nodes lists the participant locations in node-id order.
	Nodes []string

	// FilesPropagated counts (path, receiving node) record sends.
	FilesPropagated int
	// Deletes counts paths removed everywhere since the last sync.
	Deletes int
	// Conflicts counts paths that needed resolution; Skipped of those
	// were left untouched by policy.
	Conflicts int
	Skipped   int

	// ChunksRelayed / BytesRelayed total the chunk traffic forwarded
	// through the orchestrator. PairBytes breaks BytesRelayed down by
	// "source->dest" node-id pair.
	ChunksRelayed int64
	BytesRelayed  int64
	PairBytes     map[string]int64

	// Renamed / Failed total the COMMIT results across nodes.
	Renamed int
	Failed  int

	// WouldTransferChunks / WouldTransferBytes estimate the dedup-aware
	// transfer volume a non-dry run would have moved.
	WouldTransferChunks int64
	WouldTransferBytes  int64

	// PhaseDurations records wall time per phase, keyed by phase name.
	PhaseDurations map[string]time.Duration
}
