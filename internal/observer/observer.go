// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package observer carries the orchestrator's event stream: phase
// changes, per-file operations, conflict detections and periodic
// progress statistics. The orchestrator behaves identically whether or
// not anything is listening; every emit goes through the nil-safe Emit.
package observer

import (
	"log/slog"
	"time"
)

// Kind discriminates an event.
type Kind string

const (
	// KindPhase marks entry into one of the six sync phases.
	KindPhase Kind = "phase"
	// KindNode reports a per-node lifecycle moment (connected,
	// negotiated, committed).
	KindNode Kind = "node"
	// KindFileOp reports one per-path operation (propagate, delete,
	// skip).
	KindFileOp Kind = "file_op"
	// KindConflict reports a detected conflict and how it was resolved.
	KindConflict Kind = "conflict"
	// KindProgress carries periodic transfer statistics.
	KindProgress Kind = "progress"
)

// Stats is a point-in-time snapshot of the run's counters.
type Stats struct {
	FilesListed   int64 `json:"files_listed"`
	ChunksKnown   int64 `json:"chunks_known"`
	ChunksRelayed int64 `json:"chunks_relayed"`
	BytesRelayed  int64 `json:"bytes_relayed"`
}

// Event is one entry of the stream.
type Event struct {
	Time   time.Time `json:"ts"`
	Kind   Kind      `json:"kind"`
	Phase  string    `json:"phase,omitempty"`
	Node   int       `json:"node"`
	Path   string    `json:"path,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Stats  *Stats    `json:"stats,omitempty"`
}

// Sink receives events. Implementations must be safe for concurrent
// Publish: collection and relay emit from one goroutine per node.
type Sink interface {
	Publish(Event)
}

// Emit stamps and publishes e, tolerating a nil sink.
func Emit(s Sink, e Event) {
	if s == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.Publish(e)
}

// LogSink forwards every event to a slog.Logger at Info.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Publish(e Event) {
	attrs := []any{"kind", string(e.Kind)}
	if e.Phase != "" {
		attrs = append(attrs, "phase", e.Phase)
	}
	if e.Node >= 0 {
		attrs = append(attrs, "node", e.Node)
	}
	if e.Path != "" {
		attrs = append(attrs, "path", e.Path)
	}
	if e.Detail != "" {
		attrs = append(attrs, "detail", e.Detail)
	}
	if e.Stats != nil {
		attrs = append(attrs,
			"files_listed", e.Stats.FilesListed,
			"chunks_known", e.Stats.ChunksKnown,
			"chunks_relayed", e.Stats.ChunksRelayed,
			"bytes_relayed", e.Stats.BytesRelayed)
	}
	s.Logger.Info("sync event", attrs...)
}

// MultiSink fans each event out to every member.
type MultiSink []Sink

func (m MultiSink) Publish(e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}
