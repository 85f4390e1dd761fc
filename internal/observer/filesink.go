// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package observer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends every event of one run to a JSON-lines file, the
// durable trail a failed or interrupted sync leaves behind for
// post-mortem. The engine discards the file when the run succeeds, so
// the directory only ever accumulates evidence of trouble.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// NewFileSink opens the event file for one run, named
// {profile}-{runID}.events.jsonl directly under dir.
func NewFileSink(dir, profile, runID string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("observer: creating event log directory: %w", err)
	}
	path := filepath.Join(dir, profile+"-"+runID+".events.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("observer: opening event log %q: %w", path, err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f), path: path}, nil
}

// Publish appends one event. A write failure is swallowed: the event
// trail is diagnostic, it must never fail the sync it is describing.
func (s *FileSink) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return
	}
	_ = s.enc.Encode(e)
}

// Path returns the event file's location.
func (s *FileSink) Path() string {
	return s.path
}

// Close flushes and closes the file, leaving it on disk.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Discard closes and deletes the file. Called when the run succeeded
// and the trail has nothing left to explain.
func (s *FileSink) Discard() {
	_ = s.Close()
	_ = os.Remove(s.path)
}
