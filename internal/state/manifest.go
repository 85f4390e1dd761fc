// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/syncr/syncr/internal/wire"
)

// Manifest is the per-profile snapshot of the last successful sync,
// keyed by slash-form relative path. It is read at the start of a sync
// as the common ancestor of the three-way merge and rewritten only
// after a successful commit.
type Manifest map[string]wire.FileRecord

// LoadManifest reads the manifest at path. A missing file is an empty
// manifest, not an error: the first sync of a profile has no ancestor.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, nil
		}
		return nil, fmt.Errorf("state: reading manifest %q: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("state: parsing manifest %q: %w", path, err)
	}
	if m == nil {
		m = Manifest{}
	}
	return m, nil
}

// SaveManifest writes m atomically: marshal to a temp sibling, then
// rename over path. On any failure the previous manifest is preserved
// byte-for-byte, per the manifest-monotonicity invariant.
func SaveManifest(path string, m Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("state: creating manifest directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshaling manifest: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("state: writing manifest temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("state: renaming manifest into place: %w", err)
	}
	return nil
}
