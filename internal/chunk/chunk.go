// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package chunk splits byte streams into content-defined chunks and
// computes the strong content hash that gives each chunk its identity
// across the system.
//
// Boundaries are found with a rolling Rabin-Karp window
// (github.com/chmduquesne/rollinghash/rabinkarp64): a chunk ends the
// instant the low ChunkBits of the window's running sum are all zero.
// Content shifted by an insertion or deletion re-finds the same
// boundaries downstream of the edit, so a local edit perturbs only the
// chunks that contain it.
package chunk

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/chmduquesne/rollinghash/rabinkarp64"
	"lukechampine.com/blake3"
)

// Size is the fixed width of a strong content hash.
const Size = 32

// Hash identifies a chunk by the BLAKE3 digest of its content.
type Hash [Size]byte

// String renders the hash as lowercase hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText renders the hash in its base-64 form, the same textual
// representation the wire format uses for "hsh" fields. Implemented so a
// hash embedded in a JSON document (the manifest, the hashing cache)
// serializes as a compact string rather than a 32-element byte array.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(h[:])), nil
}

// UnmarshalText parses the base-64 form produced by MarshalText.
func (h *Hash) UnmarshalText(text []byte) error {
	b, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("chunk: decoding hash text: %w", err)
	}
	if len(b) != Size {
		return fmt.Errorf("chunk: decoded hash has %d bytes, want %d", len(b), Size)
	}
	copy(h[:], b)
	return nil
}

const (
	// MinChunkBits is the smallest accepted window-bit count.
	MinChunkBits = 8
	// MaxChunkBits is the largest accepted window-bit count.
	MaxChunkBits = 32
	// DefaultChunkBits yields an expected chunk size of about 1 MiB.
	DefaultChunkBits = 20

	// windowSize is the width, in bytes, of the Rabin-Karp rolling window.
	// It is independent of ChunkBits: it controls how much context feeds
	// the boundary decision, not how big chunks end up being.
	windowSize = 64
)

// Chunk describes one emitted piece of a split byte sequence.
type Chunk struct {
	Offset int64
	Length int64
	Hash   Hash
}

// Splitter partitions byte sequences into content-defined chunks.
type Splitter struct {
	chunkBits uint
	mask      uint64
	maxSize   int64
}

// NewSplitter builds a Splitter for the given window-bit count. chunkBits
// must be in [MinChunkBits, MaxChunkBits]; values outside that range are
// rejected here rather than discovered mid-split.
func NewSplitter(chunkBits uint) (*Splitter, error) {
	if chunkBits < MinChunkBits || chunkBits > MaxChunkBits {
		return nil, fmt.Errorf("chunk: chunk_bits %d outside valid range [%d, %d]", chunkBits, MinChunkBits, MaxChunkBits)
	}
	return &Splitter{
		chunkBits: chunkBits,
		mask:      (uint64(1) << chunkBits) - 1,
		maxSize:   (int64(1) << chunkBits) * 16,
	}, nil
}

// ChunkBits returns the splitter's configured window-bit count.
func (s *Splitter) ChunkBits() uint {
	return s.chunkBits
}

// MaxChunkSize returns the hard cap enforced when no natural boundary is
// found: 2^chunkBits * 16 bytes.
func (s *Splitter) MaxChunkSize() int64 {
	return s.maxSize
}

// VisitFunc receives one emitted chunk's metadata and its content. The
// backing slice is reused across calls; copy it if retained past the
// call.
type VisitFunc func(c Chunk, data []byte) error

// Split reads r to EOF, calling visit once per emitted chunk in order.
// Boundaries are found by a Rabin-Karp rolling window: a chunk ends as
// soon as the low ChunkBits of the window sum are zero, or when maxSize
// is reached, whichever comes first. Split returns any I/O error from r
// or any error returned by visit, which aborts the scan immediately.
// Split reads one byte at a time; wrap r in a *bufio.Reader for
// anything backed by a syscall (os.File, net.Conn).
func (s *Splitter) Split(r io.Reader, visit VisitFunc) error {
	roll := rabinkarp64.New()
	roll.Write(make([]byte, windowSize))

	buf := make([]byte, 0, s.maxSize)
	var offset int64

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		h := Sum(buf)
		if err := visit(Chunk{Offset: offset, Length: int64(len(buf)), Hash: h}, buf); err != nil {
			return err
		}
		offset += int64(len(buf))
		buf = buf[:0]
		return nil
	}

	b := make([]byte, 1)
	for {
		n, err := r.Read(b)
		if n == 1 {
			buf = append(buf, b[0])
			roll.Roll(b[0])
			if int64(len(buf)) >= s.maxSize || (roll.Sum64()&s.mask) == 0 {
				if ferr := flush(); ferr != nil {
					return ferr
				}
			}
		}
		if err == io.EOF {
			return flush()
		}
		if err != nil {
			return fmt.Errorf("chunk: reading input: %w", err)
		}
	}
}

// SplitBytes splits an in-memory byte slice, returning every chunk's
// metadata. Convenience wrapper around Split for callers that already
// hold the full content in memory.
func (s *Splitter) SplitBytes(data []byte) ([]Chunk, error) {
	var chunks []Chunk
	err := s.Split(bytes.NewReader(data), func(c Chunk, _ []byte) error {
		chunks = append(chunks, c)
		return nil
	})
	return chunks, err
}

// SplitBytes splits an in-memory byte slice with the default
// configuration. Shorthand for callers that don't carry a Splitter.
func SplitBytes(data []byte) ([]Chunk, error) {
	s, err := NewSplitter(DefaultChunkBits)
	if err != nil {
		return nil, err
	}
	return s.SplitBytes(data)
}

// Sum computes the strong content hash of data.
func Sum(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// Verify reports whether data's strong hash equals expected.
func Verify(data []byte, expected Hash) bool {
	return Sum(data) == expected
}
