// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package syncengine

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/syncr/syncr/internal/chunk"
)

// relayChunks is the P5 chunk relay: walk the sources linearly, drain
// each one's READ stream, and fan every received chunk out to the nodes
// still missing it. The orchestrator holds at most one chunk in memory
// per source turn — back-pressure propagates because the forwarding
// sends block before the next receive.
//
// The sweep is single-pass: every source's Known set is fixed at
// collection time and never grows during relay, so a chunk findable at
// all is findable on the sweep's first visit to a node that has it.
// Whatever is still missing afterwards is caught by pre-commit
// verification.
func (e *Engine) relayChunks(ctx context.Context, nodes []*Node, report *Report) error {
	served := map[chunk.Hash]struct{}{}

	for _, src := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}

		needed := map[chunk.Hash]struct{}{}
		for _, dst := range nodes {
			if dst == src {
				continue
			}
			for h := range dst.Missing {
				if _, srvd := served[h]; srvd {
					continue
				}
				if _, ok := src.Known[h]; ok {
					needed[h] = struct{}{}
				}
			}
		}
		if len(needed) == 0 {
			continue
		}

		want := sortedHashes(needed)
		e.logger.Info("relaying chunks", "source", src.Label(), "chunks", len(want))

		// The source can't serve READ while its WRITE sub-dialogue is
		// open; it re-enters WRITE afterwards so later sources can
		// still feed it.
		if err := src.exitWrite(); err != nil {
			return err
		}
		err := src.readChunks(want, func(h chunk.Hash, data []byte) error {
			for _, dst := range nodes {
				if dst == src {
					continue
				}
				if _, ok := dst.Missing[h]; !ok {
					continue
				}
				if err := dst.forwardChunk(h, data); err != nil {
					return fmt.Errorf("forwarding chunk to %s: %w", dst.Label(), err)
				}
				delete(dst.Missing, h)
				e.counters.bytesRelayed.Add(int64(len(data)))
				e.addPairBytes(src.ID, dst.ID, int64(len(data)))
			}
			served[h] = struct{}{}
			e.counters.chunksRelayed.Add(1)
			return nil
		})
		if err != nil {
			return fmt.Errorf("syncengine: relay from %s: %w", src.Label(), err)
		}
		if err := src.enterWrite(); err != nil {
			return err
		}
	}

	report.ChunksRelayed = e.counters.chunksRelayed.Load()
	report.BytesRelayed = e.counters.bytesRelayed.Load()
	return nil
}

func sortedHashes(set map[chunk.Hash]struct{}) []chunk.Hash {
	out := make([]chunk.Hash, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}
