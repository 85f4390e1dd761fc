// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"

	"github.com/syncr/syncr/internal/chunk"
)

// SupportedVersions lists the protocol versions this build speaks, in
// ascending order. The handshake advertises exactly this set; new
// versions add commands but never change the meaning of existing ones.
var SupportedVersions = []int{1}

// ChunkRef is one entry of a file record's ordered chunk list.
type ChunkRef struct {
	Hash   chunk.Hash `json:"hsh"`
	Offset int64      `json:"off"`
	Length int64      `json:"len"`
}

// FileRecord is the metadata payload describing one filesystem entity:
// the in-memory form of an F/D/S entity line plus, for files, its chunk
// list. The same shape is persisted (as JSON) in the per-profile
// manifest, which is why the struct carries tags mirroring the wire
// field names.
type FileRecord struct {
	Type   EntityType `json:"typ"`
	Path   string     `json:"pth"`
	Mode   uint32     `json:"mod"`
	UID    uint32     `json:"uid"`
	GID    uint32     `json:"gid"`
	CTime  int64      `json:"ct"`
	MTime  int64      `json:"mt"`
	Size   int64      `json:"sz,omitempty"`
	Target string     `json:"tgt,omitempty"`
	Chunks []ChunkRef `json:"chunks,omitempty"`
}

// IsDir reports whether the record describes a directory.
func (r *FileRecord) IsDir() bool { return r.Type == EntityDir }

// HeaderEnvelope renders the record's one-line header as an entity line
// carrying cmd (CmdList for a LIST stream, CmdWrite for a WRITE stream).
func (r *FileRecord) HeaderEnvelope(cmd Cmd) Envelope {
	return Envelope{
		Cmd: cmd, Typ: r.Type, Path: r.Path,
		Mode: r.Mode, UID: r.UID, GID: r.GID,
		CT: r.CTime, MT: r.MTime, Size: r.Size, Target: r.Target,
	}
}

// ChunkEnvelopes renders the record's chunk list as C entity lines, in
// the ascending-offset order the grammar requires.
func (r *FileRecord) ChunkEnvelopes(cmd Cmd) []Envelope {
	out := make([]Envelope, len(r.Chunks))
	for i, c := range r.Chunks {
		out[i] = Envelope{
			Cmd: cmd, Typ: EntityChunk,
			Off: c.Offset, Len: c.Length, Hsh: EncodeHash(c.Hash),
		}
	}
	return out
}

// RecordFromEnvelope parses an F/D/S entity line back into a record with
// an empty chunk list. C lines are appended by the caller via
// AppendChunk as they arrive, since a file's chunks immediately follow
// its header in the stream.
func RecordFromEnvelope(env Envelope) (FileRecord, error) {
	switch env.Typ {
	case EntityFile, EntityDir, EntitySymlink:
	default:
		return FileRecord{}, fmt.Errorf("wire: envelope type %q is not an entity header", env.Typ)
	}
	return FileRecord{
		Type: env.Typ, Path: env.Path,
		Mode: env.Mode, UID: env.UID, GID: env.GID,
		CTime: env.CT, MTime: env.MT, Size: env.Size, Target: env.Target,
	}, nil
}

// AppendChunk parses a C entity line and appends it to the record's
// chunk list, validating contiguity: offsets start at 0 and each chunk
// begins where the previous one ended.
func (r *FileRecord) AppendChunk(env Envelope) error {
	if env.Typ != EntityChunk {
		return fmt.Errorf("wire: envelope type %q is not a chunk line", env.Typ)
	}
	h, err := DecodeHash(env.Hsh)
	if err != nil {
		return err
	}
	var wantOffset int64
	if n := len(r.Chunks); n > 0 {
		wantOffset = r.Chunks[n-1].Offset + r.Chunks[n-1].Length
	}
	if env.Off != wantOffset {
		return fmt.Errorf("wire: chunk offset %d breaks contiguity, want %d", env.Off, wantOffset)
	}
	r.Chunks = append(r.Chunks, ChunkRef{Hash: h, Offset: env.Off, Length: env.Len})
	return nil
}

// ChunkSpanTotal returns the sum of the record's chunk lengths. For a
// well-formed file record this equals Size.
func (r *FileRecord) ChunkSpanTotal() int64 {
	var total int64
	for _, c := range r.Chunks {
		total += c.Length
	}
	return total
}
